package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

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

var (
	workerID         int
	workerCount      int
	workerSchedule   string
	workerStatusAddr string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one worker process",
	Long: `Runs one worker with its own queue, cache and connection pool.

Without a schedule the worker makes a single pass and exits. With one it
runs a pass immediately and then on every tick, reloading the sources file
when it changes.`,
	RunE: runWorker,
}

func init() {
	f := workerCmd.Flags()
	f.IntVar(&workerID, "id", -1, "Worker id (defaults to "+supervisor.WorkerIDEnv+" or 0)")
	f.IntVar(&workerCount, "workers", 1, "Number of sibling workers, used to shard sources")
	f.StringVar(&workerSchedule, "schedule", "", "Cron schedule (overrides SCRAPE_SCHEDULE)")
	f.StringVar(&workerStatusAddr, "status-addr", "", "Status server address (overrides STATUS_ADDR, empty disables)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	id, err := resolveWorkerID(workerID)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("schedule") {
		cfg.App.Schedule = workerSchedule
	}
	if cmd.Flags().Changed("status-addr") {
		cfg.App.StatusAddr = workerStatusAddr
	}
	if cfg.App.Schedule != "" {
		if _, err := pipeline.ParseSchedule(cfg.App.Schedule); err != nil {
			return fmt.Errorf("%w: SCRAPE_SCHEDULE: %v", config.ErrInvalidEnv, err)
		}
	}
	log = log.With().Int("worker", id).Logger()

	catalog, err := source.NewCatalog(cfg.App.SourcesFile, logging.Component(log, "catalog"))
	if err != nil {
		return err
	}
	sources := catalog.Snapshot
	if cfg.App.ShardSources && workerCount > 1 {
		n := workerCount
		sources = func() []source.Source { return source.Shard(catalog.Snapshot(), id, n) }
	}

	ctx, stop := signalContext()
	defer stop()

	hub := ws.NewHub(logging.Component(log, "ws"))
	go hub.Run(ctx)

	p, err := pipeline.Build(cfg, id, sources, hub, log)
	if err != nil {
		return err
	}
	p.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.App.StatusAddr != "" {
		srv := status.New(status.Options{
			Addr:     cfg.App.StatusAddr,
			Pipeline: p,
			Hub:      hub,
			Log:      logging.Component(log, "status"),
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	if cfg.App.Schedule == "" {
		if _, err := p.RunOnce(ctx); err != nil {
			log.Warn().Err(err).Msg("run interrupted")
		}
		stop()
	} else {
		g.Go(func() error {
			if err := catalog.Watch(gctx); err != nil {
				log.Warn().Err(err).Msg("source watch stopped")
			}
			return nil
		})
		g.Go(func() error { return p.Serve(gctx, cfg.App.Schedule) })
	}

	werr := g.Wait()

	cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Close(cctx); err != nil {
		log.Warn().Err(err).Msg("close pipeline")
	}
	log.Info().Msg("worker exiting")
	return werr
}

// resolveWorkerID prefers the flag, then the supervisor's environment.
func resolveWorkerID(flag int) (int, error) {
	if flag >= 0 {
		return flag, nil
	}
	raw := strings.TrimSpace(os.Getenv(supervisor.WorkerIDEnv))
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: %s=%q", config.ErrInvalidEnv, supervisor.WorkerIDEnv, raw)
	}
	return id, nil
}
