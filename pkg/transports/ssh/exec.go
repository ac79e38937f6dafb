package ssh

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/converge/pkg/engine"
)

// Run executes cmdline in a new session. The remote login shell parses
// the command line, so a missing command exits 127 as it does locally.
func (c *Client) Run(ctx context.Context, cmdline string, opts engine.CommandOptions) (*engine.CommandResult, error) {
	return c.run(ctx, BuildCommand(cmdline, opts, c.config.Privilege), nil, opts)
}

// BuildCommand renders the remote command line: working directory, then
// privilege, then environment, then the command. Shell forces the command
// through /bin/sh -c so the environment applies to the whole pipeline.
func BuildCommand(cmdline string, opts engine.CommandOptions, privilege string) string {
	cmd := cmdline
	if opts.Shell {
		cmd = "/bin/sh -c " + ShellQuote(cmdline)
	}

	if len(opts.Env) > 0 {
		keys := make([]string, 0, len(opts.Env))
		for k := range opts.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		b.WriteString("env")
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(ShellQuote(opts.Env[k]))
		}
		cmd = b.String() + " " + cmd
	}

	if privilege != PrivilegeNone {
		cmd = privilege + " " + cmd
	}

	if opts.Dir != "" {
		cmd = "cd " + ShellQuote(opts.Dir) + " && " + cmd
	}
	return cmd
}

// ShellQuote single-quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@%+,", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// run starts remote in a session, streams stdout lines and waits for the
// exit status or the timeout.
func (c *Client) run(ctx context.Context, remote string, stdin io.Reader, opts engine.CommandOptions) (*engine.CommandResult, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.config.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "session", Err: err, IsTemporary: true}
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}
	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return nil, &TransportError{Op: "session", Err: err}
	}

	c.logger.Debug().Str("command", remote).Msg("Executing command")
	start := time.Now()
	if err := session.Start(remote); err != nil {
		return nil, &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}

	done := make(chan error, 1)
	var stdout strings.Builder
	go func() {
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			stdout.WriteString(line)
			stdout.WriteByte('\n')
			if opts.OnStdoutLine != nil {
				opts.OnStdoutLine(line)
			}
		}
		done <- session.Wait()
	}()

	var waitErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, engine.NewExecutionError(remote, -1, ctx.Err()).
				WithCode(engine.ErrCodeTimeout).
				WithDetail("timeout", timeout.String())
		}
		return nil, ctx.Err()
	case waitErr = <-done:
	}

	result := &engine.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *ssh.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		result.ExitStatus = exitErr.ExitStatus()
	default:
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("%s: %w", remote, waitErr), IsTemporary: true}
	}

	c.logger.Debug().
		Str("command", remote).
		Int("exit_status", result.ExitStatus).
		Dur("duration", result.Duration).
		Msg("Command completed")
	return result, nil
}
