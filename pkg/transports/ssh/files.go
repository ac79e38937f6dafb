package ssh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
)

// tempSuffix names the file written before it replaces the target.
const tempSuffix = ".converge-tmp"

// Exists reports whether path exists on the node.
func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	if c.config.Privilege != PrivilegeNone {
		result, err := c.Run(ctx, "test -e "+ShellQuote(p), engine.CommandOptions{})
		if err != nil {
			return false, err
		}
		return result.ExitStatus == 0, nil
	}

	client, err := c.sftpClient(ctx)
	if err != nil {
		return false, err
	}
	if _, err := client.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return true, nil
}

// ReadLines reads path as lines without trailing newlines.
func (c *Client) ReadLines(ctx context.Context, p string) ([]string, error) {
	if c.config.Privilege != PrivilegeNone {
		result, err := engine.Execute(ctx, c, "cat "+ShellQuote(p), engine.CommandOptions{})
		if err != nil {
			return nil, err
		}
		return result.Lines(), nil
	}

	client, err := c.sftpClient(ctx)
	if err != nil {
		return nil, err
	}
	f, err := client.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return lines, nil
}

// WriteLines replaces path with lines, keeping the file mode of the
// existing file. The content is written next to the target and renamed
// over it.
func (c *Client) WriteLines(ctx context.Context, p string, lines []string) error {
	content := renderLines(lines)
	tmp := p + tempSuffix

	if c.config.Privilege != PrivilegeNone {
		script := fmt.Sprintf("cat > %[1]s && { chmod $(stat -f %%Lp %[2]s 2>/dev/null || stat -c %%a %[2]s 2>/dev/null || echo 644) %[1]s; } && mv %[1]s %[2]s",
			ShellQuote(tmp), ShellQuote(p))
		remote := c.config.Privilege + " /bin/sh -c " + ShellQuote(script)
		result, err := c.run(ctx, remote, strings.NewReader(content), engine.CommandOptions{})
		if err != nil {
			return err
		}
		if result.ExitStatus != 0 {
			return engine.NewExecutionError(remote, result.ExitStatus, nil).WithDetail("stderr", result.Stderr)
		}
		return nil
	}

	client, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}

	mode := os.FileMode(0o644)
	if info, err := client.Stat(p); err == nil {
		mode = info.Mode().Perm()
	}

	f, err := client.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		_ = f.Close()
		_ = client.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = client.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := client.Chmod(tmp, mode); err != nil {
		_ = client.Remove(tmp)
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}

	if err := client.PosixRename(tmp, p); err != nil {
		// Servers without the posix-rename extension refuse to overwrite
		_ = client.Remove(p)
		if err := client.Rename(tmp, p); err != nil {
			return fmt.Errorf("rename %s: %w", path.Base(tmp), err)
		}
	}
	c.logger.Debug().Str("path", p).Int("lines", len(lines)).Msg("File replaced")
	return nil
}

func renderLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
