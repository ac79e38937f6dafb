package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

func newTransport(config Config) *Transport {
	return New(config, zerolog.Nop())
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name    string
		cmdline string
		shell   bool
		envs    []string
		argv    []string
	}{
		{"plain", "pkg_info zsh", false, nil, []string{"pkg_info", "zsh"}},
		{"quoted", `pkg_add 'screen-4.0.3p1 static'`, false, nil, []string{"pkg_add", "screen-4.0.3p1 static"}},
		{"leading env", "PKG_PATH=ftp://ftp.example.com/packages/ pkg_info zsh", false,
			[]string{"PKG_PATH=ftp://ftp.example.com/packages/"}, []string{"pkg_info", "zsh"}},
		{"pipeline", "ps -ax | grep ntpd", false, nil, []string{Shell, "-c", "ps -ax | grep ntpd"}},
		{"expansion", "echo $HOME", false, nil, []string{Shell, "-c", "echo $HOME"}},
		{"forced shell", "true", true, nil, []string{Shell, "-c", "true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs, argv, err := Split(tt.cmdline, tt.shell)
			if err != nil {
				t.Fatalf("Split failed: %v", err)
			}
			if strings.Join(envs, "|") != strings.Join(tt.envs, "|") {
				t.Errorf("envs = %q, want %q", envs, tt.envs)
			}
			if strings.Join(argv, "|") != strings.Join(tt.argv, "|") {
				t.Errorf("argv = %q, want %q", argv, tt.argv)
			}
		})
	}
}

func TestTransport_Run(t *testing.T) {
	tests := []struct {
		name       string
		cmdline    string
		opts       engine.CommandOptions
		exitStatus int
		stdout     string
	}{
		{"echo", "echo hello", engine.CommandOptions{}, 0, "hello\n"},
		{"exit status", `sh -c "exit 3"`, engine.CommandOptions{}, 3, ""},
		{"missing executable", "no-such-command-here --version", engine.CommandOptions{}, 127, ""},
		{"missing in shell", "no-such-command-here >/dev/null", engine.CommandOptions{}, 127, ""},
		{"environment", "echo $GREETING", engine.CommandOptions{Shell: true, Env: map[string]string{"GREETING": "hello"}}, 0, "hello\n"},
		{"leading assignment", "GREETING=hi printenv GREETING", engine.CommandOptions{}, 0, "hi\n"},
	}

	tr := newTransport(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tr.Run(context.Background(), tt.cmdline, tt.opts)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if result.ExitStatus != tt.exitStatus {
				t.Errorf("exit status = %d, want %d (stderr %q)", result.ExitStatus, tt.exitStatus, result.Stderr)
			}
			if result.Stdout != tt.stdout {
				t.Errorf("stdout = %q, want %q", result.Stdout, tt.stdout)
			}
		})
	}
}

func TestTransport_RunDir(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	result, err := newTransport(DefaultConfig()).Run(context.Background(), "pwd", engine.CommandOptions{Dir: dir})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != dir {
		t.Errorf("pwd = %q, want %q", got, dir)
	}
}

func TestTransport_RunStreamsLines(t *testing.T) {
	var lines []string
	opts := engine.CommandOptions{OnStdoutLine: func(line string) { lines = append(lines, line) }}

	result, err := newTransport(DefaultConfig()).Run(context.Background(), `printf 'a\nb\nc'`, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.Join(lines, ",") != "a,b,c" {
		t.Errorf("streamed lines = %q", lines)
	}
	if result.Stdout != "a\nb\nc" {
		t.Errorf("stdout = %q", result.Stdout)
	}
}

func TestTransport_RunTimeout(t *testing.T) {
	tr := newTransport(Config{CommandTimeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := tr.Run(context.Background(), "sleep 5", engine.CommandOptions{})
	if time.Since(start) > 3*time.Second {
		t.Errorf("command was not interrupted")
	}

	e, ok := engine.AsEngineError(err)
	if !ok || e.Class != engine.ErrorClassExecution || e.Code != engine.ErrCodeTimeout {
		t.Fatalf("expected timeout execution error, got %v", err)
	}
}

func TestTransport_RunEmpty(t *testing.T) {
	_, err := newTransport(DefaultConfig()).Run(context.Background(), "   ", engine.CommandOptions{})
	if !engine.IsArgument(err) {
		t.Fatalf("expected argument error, got %v", err)
	}
}

func TestTransport_StateFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "rc.conf.local")
	tr := newTransport(Config{Backup: true})

	exists, err := tr.Exists(ctx, path)
	if err != nil || exists {
		t.Fatalf("Exists() = %v, %v before create", exists, err)
	}

	if err := os.WriteFile(path, []byte("ntpd_flags=NO\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if exists, _ := tr.Exists(ctx, path); !exists {
		t.Fatal("Exists() = false after create")
	}

	want := []string{"sshd_flags=", `ntpd_flags="-s"`}
	if err := tr.WriteLines(ctx, path, want); err != nil {
		t.Fatalf("WriteLines failed: %v", err)
	}

	got, err := tr.ReadLines(ctx, path)
	if err != nil {
		t.Fatalf("ReadLines failed: %v", err)
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("ReadLines() = %q, want %q", got, want)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 600", info.Mode().Perm())
	}

	backup, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(backup) != "ntpd_flags=NO\n" {
		t.Errorf("backup = %q", backup)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected the file and its backup only, got %d entries", len(entries))
	}
}

func TestTransport_WriteLinesNewFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "new.conf")
	tr := newTransport(DefaultConfig())

	if err := tr.WriteLines(ctx, path, nil); err != nil {
		t.Fatalf("WriteLines failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 || info.Mode().Perm() != 0o644 {
		t.Errorf("size = %d, mode = %o", info.Size(), info.Mode().Perm())
	}
	if _, err := tr.ReadLines(ctx, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("ReadLines on a missing file should fail")
	}
}
