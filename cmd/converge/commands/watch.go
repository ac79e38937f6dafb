package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// watchDelay collapses bursts of file events into one pass.
const watchDelay = 500 * time.Millisecond

func newWatchCommand() *cobra.Command {
	var noop bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Converge whenever the declarations change",
		Long: `Converge once, then converge again every time a declaration file is
written, created, removed or renamed. Bursts of changes within half a
second trigger a single pass. Passes never overlap.`,
		Example: `  converge watch -f ./declarations
  converge watch -f site.cue --noop`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadAgentConfig()
			if err != nil {
				return err
			}
			if len(cfg.Declarations) == 0 {
				return errors.New("no declarations: pass --file or set declarations in the agent config")
			}

			a, err := newAgent(ctx, cfg, agentOptions{Store: true, Policy: true})
			if err != nil {
				return err
			}
			defer a.shutdown()

			out := cmd.OutOrStdout()
			return runWatch(ctx, a, func(ctx context.Context) {
				// Failures are logged by converge; the next change retries.
				report, _ := a.converge(ctx, noop)
				if report != nil {
					if err := printReport(out, report); err != nil {
						a.logger.Warn().Err(err).Msg("Failed to print report")
					}
				}
			})
		},
	}

	cmd.Flags().BoolVarP(&noop, "noop", "n", false, "report actions without running them")

	return cmd
}

// declarationWatch decides which file events concern the declarations.
type declarationWatch struct {
	files map[string]bool
	dirs  map[string]bool
}

// newDeclarationWatch registers the declaration files and directories
// with watcher. Files are watched through their parent directory so
// editors that replace files on save keep triggering events.
func newDeclarationWatch(watcher *fsnotify.Watcher, paths []string) (*declarationWatch, error) {
	dw := &declarationWatch{files: make(map[string]bool), dirs: make(map[string]bool)}

	for _, p := range paths {
		p = filepath.Clean(p)
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}

		if !info.IsDir() {
			dw.files[p] = true
			if err := watcher.Add(filepath.Dir(p)); err != nil {
				return nil, fmt.Errorf("failed to watch %s: %w", p, err)
			}
			continue
		}

		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				dw.dirs[path] = true
				return watcher.Add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", p, err)
		}
	}
	return dw, nil
}

// relevant reports whether event changes a declaration.
func (dw *declarationWatch) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	if dw.files[name] {
		return true
	}
	return strings.HasSuffix(name, ".cue") && dw.dirs[filepath.Dir(name)]
}

// runWatch calls pass once and again after every relevant change until
// ctx is done. Passes run one at a time.
func runWatch(ctx context.Context, a *agent, pass func(context.Context)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dw, err := newDeclarationWatch(watcher, a.cfg.Declarations)
	if err != nil {
		return err
	}
	if err := a.watchPolicies(ctx); err != nil {
		return err
	}

	trigger := make(chan struct{}, 1)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pass(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-trigger:
				pass(ctx)
			}
		}
	})

	g.Go(func() error {
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if !dw.relevant(event) {
					continue
				}
				a.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Declaration changed")

				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDelay, func() {
					select {
					case trigger <- struct{}{}:
					default:
					}
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				a.logger.Error().Err(err).Msg("Watcher error")
			}
		}
	})

	a.logger.Info().Strs("paths", a.cfg.Declarations).Msg("Watching declarations")
	return g.Wait()
}
