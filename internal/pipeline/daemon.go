package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron spec ("*/15 * * * *", "@every 15m", ...).
func ParseSchedule(spec string) (cron.Schedule, error) {
	s, err := specParser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

// Serve runs one pass immediately and then one on every schedule tick until
// ctx is done. A tick that fires while a pass is still running is skipped.
func (p *Pipeline) Serve(ctx context.Context, spec string) error {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return err
	}

	clog := cronLogger{log: p.log}
	c := cron.New(
		cron.WithParser(specParser),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	pass := cron.FuncJob(func() {
		if _, err := p.RunOnce(ctx); err != nil {
			p.log.Warn().Err(err).Msg("scheduled run ended early")
		}
	})
	id := c.Schedule(sched, pass)

	c.Start()
	p.log.Info().Str("schedule", spec).Msg("daemon started")

	// first pass goes through the same chain so a tick cannot overlap it
	first := make(chan struct{})
	go func() {
		defer close(first)
		c.Entry(id).WrappedJob.Run()
	}()

	<-ctx.Done()
	<-c.Stop().Done()
	<-first
	p.log.Info().Msg("daemon stopped")
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug().Fields(kv).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error().Err(err).Fields(kv).Msg("cron: " + msg)
}
