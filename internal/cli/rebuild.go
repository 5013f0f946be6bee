package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hindsight-dev/hindsight/internal/embed"
	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
	"github.com/hindsight-dev/hindsight/internal/store"
)

func newRebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Re-derive database rows and the text index from node documents",
		Long:  "Documents on disk are the source of truth. This clears the projected rows and full-text index and rebuilds them from the latest document version of every node.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			s, err := store.New(ctx, cfg.Paths.DatabaseFile, cfg.Paths.NodesDir)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			n, err := s.RebuildIndex(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %d nodes\n", n)
			return nil
		},
	}
}

func newRebuildEmbeddingsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "rebuild-embeddings",
		Short: "Regenerate node embeddings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			engine, err := embed.NewEngine(cfg.Embedding)
			if err != nil {
				return err
			}
			if engine == nil {
				return fmt.Errorf("embedding provider is %q; nothing to rebuild", cfg.Embedding.Provider)
			}
			s, err := store.New(ctx, cfg.Paths.DatabaseFile, cfg.Paths.NodesDir)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			isCurrent := embed.IsRichFormat
			if all {
				isCurrent = func(string) bool { return false }
			}
			ids, err := s.MissingEmbeddings(ctx, engine.Name(), isCurrent, 0)
			if err != nil {
				return err
			}

			done := 0
			for _, id := range ids {
				node, err := s.Get(ctx, id)
				if err != nil {
					logger.Warn(ctx, "cannot load node", tag.Node(id), tag.Error(err))
					continue
				}
				text := embed.BuildInputText(node)
				vector, err := engine.Embed(ctx, text)
				if err != nil {
					logger.Warn(ctx, "embedding failed", tag.Node(id), tag.Error(err))
					continue
				}
				if err := s.PutEmbedding(ctx, store.Embedding{
					NodeID:    id,
					Model:     engine.Name(),
					InputText: text,
					Vector:    vector,
				}); err != nil {
					logger.Warn(ctx, "embedding store failed", tag.Node(id), tag.Error(err))
					continue
				}
				done++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "embedded %d of %d nodes\n", done, len(ids))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "re-embed every node, not just missing or outdated ones")
	return cmd
}
