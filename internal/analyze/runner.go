package analyze

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/hindsight-dev/hindsight/internal/config"
	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
)

// ErrAgentTimeout indicates the agent subprocess exceeded its deadline.
// It classifies as transient.
var ErrAgentTimeout = errors.New("agent invocation timeout")

// Invocation is one agent run request.
type Invocation struct {
	Prompt       string
	Skills       string // comma-separated skill names
	WorkDir      string // the session's project directory
	SessionBytes int64
	Timeout      time.Duration
}

// AgentResult captures everything the subprocess produced.
type AgentResult struct {
	Payload   *NodePayload
	Events    []Event
	RawStdout string
	RawStderr string
	ExitCode  int
	Duration  time.Duration
}

// Runner executes one agent invocation. The production implementation
// spawns a CLI subprocess; tests substitute a scripted runner.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*AgentResult, error)
}

// CLIRunner invokes the configured agent command as
// `<command> [extraArgs...] --prompt <text> --skills <csv>` in the
// invocation's working directory.
type CLIRunner struct {
	cfg config.AnalyzerConfig
}

var _ Runner = (*CLIRunner)(nil)

// NewCLIRunner builds the production runner.
func NewCLIRunner(cfg config.AnalyzerConfig) *CLIRunner {
	return &CLIRunner{cfg: cfg}
}

const defaultAgentTimeout = 10 * time.Minute

// Run spawns the agent subprocess and parses its output. A deadline
// overrun kills the whole process group and returns ErrAgentTimeout.
// A non-zero exit with parsable output is not an error here; the caller
// decides based on the payload.
func (r *CLIRunner) Run(ctx context.Context, inv Invocation) (*AgentResult, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = defaultAgentTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string(nil), r.cfg.ExtraArgs...)
	args = append(args, "--prompt", inv.Prompt, "--skills", inv.Skills)

	cmd := exec.CommandContext(runCtx, r.cfg.Command, args...) //nolint:gosec
	cmd.Dir = inv.WorkDir
	// Own process group so cancellation reaches the agent's children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug(ctx, "invoking agent", tag.Command(r.cfg.Command), tag.Dir(inv.WorkDir), tag.Timeout(timeout))
	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w after %s", ErrAgentTimeout, duration.Round(time.Second))
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &AgentResult{
		RawStdout: stdout.String(),
		RawStderr: stderr.String(),
		Duration:  duration,
	}
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		result.ExitCode = 0
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("failed to run agent command: %w", runErr)
	}

	result.Events, result.Payload = parseOutput(result.RawStdout)
	logger.Debug(ctx, "agent finished",
		tag.ExitCode(result.ExitCode), tag.Duration(duration), tag.Count(len(result.Events)))
	return result, nil
}
