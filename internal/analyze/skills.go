package analyze

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
	"github.com/hindsight-dev/hindsight/internal/queue"
)

// Skill is one analyzer capability, discovered from the skills directory.
// A skill is either a subdirectory (with its own SKILL.md) or a bare
// markdown file named after the skill.
type Skill struct {
	Name string
	Path string
}

// DiscoverSkills enumerates the skills directory. A missing directory
// yields zero skills, which is only an error if skills are required.
func DiscoverSkills(ctx context.Context, dir string) ([]Skill, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read skills directory: %w", err)
	}
	var skills []Skill
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !entry.IsDir() {
			if !strings.HasSuffix(name, ".md") {
				continue
			}
			name = strings.TrimSuffix(name, ".md")
		}
		skills = append(skills, Skill{Name: name, Path: dir + string(os.PathSeparator) + entry.Name()})
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	logger.Debug(ctx, "skills discovered", tag.Dir(dir), tag.Count(len(skills)))
	return skills, nil
}

// VerifyRequiredSkills checks that every required skill was discovered.
// A missing required skill is a fatal environment error.
func VerifyRequiredSkills(skills []Skill, required []string) error {
	have := make(map[string]struct{}, len(skills))
	for _, s := range skills {
		have[s.Name] = struct{}{}
	}
	for _, name := range required {
		if _, ok := have[name]; !ok {
			return fmt.Errorf("%w: %s", queue.ErrMissingSkill, name)
		}
	}
	return nil
}

// SkillCSV renders the skill list for the --skills flag, appending the
// large-session skill when the session file exceeds the size threshold.
func SkillCSV(skills []Skill, largeSkill string, sessionBytes, threshold int64) string {
	names := make([]string, 0, len(skills)+1)
	seen := make(map[string]struct{}, len(skills))
	for _, s := range skills {
		names = append(names, s.Name)
		seen[s.Name] = struct{}{}
	}
	if largeSkill != "" && threshold > 0 && sessionBytes > threshold {
		if _, ok := seen[largeSkill]; !ok {
			names = append(names, largeSkill)
		}
	}
	return strings.Join(names, ",")
}
