package main

import (
	"fmt"
	"strconv"

	"roster-sync/internal/config"
	"roster-sync/internal/logging"
	"roster-sync/internal/pipeline"
	"roster-sync/internal/source"
	"roster-sync/internal/status"
	"roster-sync/internal/supervisor"
	"roster-sync/internal/ws"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Supervised workers always run on a schedule; this one applies when
// SCRAPE_SCHEDULE is empty.
const defaultSupervisedSchedule = "@every 15m"

var (
	superviseWorkers     int
	superviseSkipMigrate bool
)

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run and restart a pool of worker processes",
	Long: `Applies pending migrations, then keeps min(NumCPU, MAX_WORKER_PROCESSES)
worker processes running, restarting any that exit with a jittered
exponential backoff. Reports readiness to systemd when run under it.`,
	RunE: runSupervise,
}

func init() {
	f := superviseCmd.Flags()
	f.IntVar(&superviseWorkers, "workers", 0, "Worker processes (overrides the MAX_WORKER_PROCESSES bound)")
	f.BoolVar(&superviseSkipMigrate, "skip-migrate", false, "Do not apply migrations before starting workers")
	rootCmd.AddCommand(superviseCmd)
}

func runSupervise(_ *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	// fail fast on a bad catalog instead of crash-looping every worker
	if _, err := source.LoadFile(cfg.App.SourcesFile); err != nil {
		return err
	}
	schedule := cfg.App.Schedule
	if schedule == "" {
		schedule = defaultSupervisedSchedule
	}
	if _, err := pipeline.ParseSchedule(schedule); err != nil {
		return fmt.Errorf("%w: SCRAPE_SCHEDULE: %v", config.ErrInvalidEnv, err)
	}

	ctx, stop := signalContext()
	defer stop()

	if !superviseSkipMigrate {
		if err := migrate(ctx, cfg.Database, log); err != nil {
			return err
		}
	}

	n := superviseWorkers
	if n <= 0 {
		n = supervisor.WorkerCount(cfg.App.MaxWorkerProcesses)
	}

	launcher, err := supervisor.SelfLauncher(
		"--workers="+strconv.Itoa(n),
		"--schedule="+schedule,
		// the supervisor owns STATUS_ADDR
		"--status-addr=",
	)
	if err != nil {
		return err
	}

	hub := ws.NewHub(logging.Component(log, "ws"))
	go hub.Run(ctx)

	sv, err := supervisor.New(launcher, supervisor.Options{
		Workers:  n,
		Notifier: supervisor.Systemd{Log: logging.Component(log, "systemd")},
		Events:   hub,
		Log:      logging.Component(log, "supervisor"),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.App.StatusAddr != "" {
		srv := status.New(status.Options{
			Addr:    cfg.App.StatusAddr,
			Workers: sv,
			Hub:     hub,
			Log:     logging.Component(log, "status"),
		})
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error { return sv.Run(gctx) })
	return g.Wait()
}
