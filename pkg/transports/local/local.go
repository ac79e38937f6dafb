// Package local implements engine.Transport for the machine the agent runs on.
//
// Simple command lines are split with shell quoting rules and executed
// directly. Command lines using shell syntax (pipes, redirection, variable
// expansion) and commands run with CommandOptions.Shell go through /bin/sh.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// Shell is the interpreter used for shell command lines.
const Shell = "/bin/sh"

// shellSyntax lists characters that need a real shell to interpret.
const shellSyntax = "|&;<>()$`*?[#~\n"

// Config configures the local transport.
type Config struct {
	// CommandTimeout is the default timeout for commands without their own
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// Backup keeps a copy of state files as <path>.bak before they are replaced
	Backup bool `yaml:"backup"`
}

// DefaultConfig returns the default local transport configuration.
func DefaultConfig() Config {
	return Config{CommandTimeout: 10 * time.Minute}
}

// Transport runs commands and edits files on the local machine.
type Transport struct {
	config Config
	logger zerolog.Logger
}

var _ engine.Transport = (*Transport)(nil)

// New creates a local transport.
func New(config Config, logger zerolog.Logger) *Transport {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = DefaultConfig().CommandTimeout
	}
	return &Transport{
		config: config,
		logger: logger.With().Str("component", "local").Logger(),
	}
}

// Run executes cmdline. A command that cannot be found exits 127.
func (t *Transport) Run(ctx context.Context, cmdline string, opts engine.CommandOptions) (*engine.CommandResult, error) {
	envs, argv, err := Split(cmdline, opts.Shell)
	if err != nil {
		return nil, engine.NewArgumentError(fmt.Sprintf("cannot parse command line %q", cmdline), err)
	}
	if len(argv) == 0 {
		return nil, engine.NewArgumentError("empty command line", nil)
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		t.logger.Debug().Str("command", cmdline).Msg("Executable not found")
		return &engine.CommandResult{
			ExitStatus: 127,
			Stderr:     fmt.Sprintf("%s: command not found\n", argv[0]),
		}, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = t.config.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = environ(envs, opts.Env)
	// Orphaned grandchildren must not keep Wait blocked on the pipes
	cmd.WaitDelay = time.Second

	stdout := &lineWriter{onLine: opts.OnStdoutLine}
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	t.logger.Debug().Str("command", cmdline).Str("dir", opts.Dir).Msg("Executing command")
	start := time.Now()
	runErr := cmd.Run()
	stdout.flush()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, engine.NewExecutionError(cmdline, -1, ctx.Err()).
			WithCode(engine.ErrCodeTimeout).
			WithDetail("timeout", timeout.String())
	}

	result := &engine.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		result.ExitStatus = exitErr.ExitCode()
	default:
		return nil, engine.NewExecutionError(cmdline, -1, runErr)
	}

	t.logger.Debug().
		Str("command", cmdline).
		Int("exit_status", result.ExitStatus).
		Dur("duration", result.Duration).
		Msg("Command completed")
	return result, nil
}

// Split turns cmdline into leading environment assignments and an argument
// vector. Command lines with shell syntax, or when shell is set, become a
// /bin/sh -c invocation.
func Split(cmdline string, shell bool) (envs []string, argv []string, err error) {
	if shell || strings.ContainsAny(cmdline, shellSyntax) {
		return nil, []string{Shell, "-c", cmdline}, nil
	}
	return shellwords.ParseWithEnvs(cmdline)
}

func environ(leading []string, extra map[string]string) []string {
	env := os.Environ()
	env = append(env, leading...)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// lineWriter collects stdout and reports each complete line.
type lineWriter struct {
	buf     strings.Builder
	partial []byte
	onLine  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.onLine == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.onLine(strings.TrimSuffix(string(w.partial[:i]), "\r"))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.onLine != nil && len(w.partial) > 0 {
		w.onLine(string(w.partial))
		w.partial = nil
	}
}

func (w *lineWriter) String() string {
	return w.buf.String()
}
