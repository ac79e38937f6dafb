package commands

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newDaemonCommand() *cobra.Command {
	var (
		schedule    string
		splay       time.Duration
		metricsAddr string
		noop        bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Converge the node on a schedule",
		Long: `Run convergence passes on a cron schedule until interrupted.

A pass runs at startup and then on every schedule tick, each tick delayed
by a random splay. A tick is skipped while the previous pass is still
running. Declarations are reloaded for every pass. Prometheus metrics are
served on the metrics address.`,
		Example: `  # Converge every 30 minutes
  converge daemon -f /etc/converge/site.cue --schedule "@every 30m"

  # Cron expression, no splay, metrics on localhost
  converge daemon --schedule "0 */2 * * *" --splay 0 --metrics-address 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadAgentConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("schedule") {
				cfg.Daemon.Schedule = schedule
			}
			if cmd.Flags().Changed("splay") {
				cfg.Daemon.Splay = splay
			}
			if cmd.Flags().Changed("metrics-address") {
				cfg.Daemon.MetricsAddress = metricsAddr
			}

			a, err := newAgent(ctx, cfg, agentOptions{Store: true, Policy: true})
			if err != nil {
				return err
			}
			defer a.shutdown()

			return runDaemon(ctx, a, noop)
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression or descriptor (default from agent config, @every 30m)")
	cmd.Flags().DurationVar(&splay, "splay", 0, "maximum random delay before each scheduled pass")
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", "", "address to serve metrics on; empty disables")
	cmd.Flags().BoolVarP(&noop, "noop", "n", false, "report actions without running them")

	return cmd
}

// runDaemon runs the scheduler and the metrics server until ctx is done
// or one of them fails.
func runDaemon(ctx context.Context, a *agent, noop bool) error {
	log := a.logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: log}

	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	g, ctx := errgroup.WithContext(ctx)

	if _, err := c.AddFunc(a.cfg.Daemon.Schedule, func() {
		if err := sleepSplay(ctx, a.cfg.Daemon.Splay); err != nil {
			return
		}
		a.scheduledPass(ctx, noop)
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", a.cfg.Daemon.Schedule, err)
	}

	if err := a.watchPolicies(ctx); err != nil {
		return err
	}

	g.Go(func() error {
		a.scheduledPass(ctx, noop)

		c.Start()
		log.Info().Str("schedule", a.cfg.Daemon.Schedule).Dur("splay", a.cfg.Daemon.Splay).Msg("Scheduler started")

		<-ctx.Done()
		<-c.Stop().Done()
		log.Info().Msg("Scheduler stopped")
		return nil
	})

	if addr := a.cfg.Daemon.MetricsAddress; addr != "" {
		g.Go(func() error {
			return a.serveMetrics(ctx, addr)
		})
	}

	return g.Wait()
}

// scheduledPass runs one pass. Failures are logged by converge and do not
// stop the daemon.
func (a *agent) scheduledPass(ctx context.Context, noop bool) {
	if ctx.Err() != nil {
		return
	}
	report, err := a.converge(ctx, noop)
	if err != nil {
		return
	}
	a.logger.Info().
		Str("run_id", report.RunID).
		Int("updated", report.Summary.Updated).
		Dur("duration", report.Duration).
		Msg("Scheduled convergence finished")
}

// serveMetrics serves the metrics endpoint and a health check until ctx
// is done.
func (a *agent) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(a.tel.Metrics.Path(), a.tel.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if a.store != nil {
			if err := a.store.HealthCheck(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	a.logger.Info().Str("addr", addr).Str("path", a.tel.Metrics.Path()).Msg("Serving metrics")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// sleepSplay waits a random duration up to splay.
func sleepSplay(ctx context.Context, splay time.Duration) error {
	if splay <= 0 {
		return nil
	}
	t := time.NewTimer(rand.N(splay))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
