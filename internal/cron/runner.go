// Package cronrunner drives the engine's periodic jobs on cron specs.
package cronrunner

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// Runner runs named jobs on cron specs. A job still running when its next
// tick arrives is skipped, so scheduler cycles never overlap.
type Runner struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	baseCtx context.Context
}

func New(baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	logger := log.With().Str("component", "cron").Logger()
	adapter := cronLogger{logger: logger}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add registers job under name. Specs accept a seconds field or an
// @every descriptor.
func (r *Runner) Add(name, spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		start := time.Now()
		job(r.baseCtx)
		r.logger.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("cron job finished")
	})
}

func (r *Runner) Start() {
	r.logger.Info().Int("jobs", len(r.cron.Entries())).Msg("cron started")
	r.cron.Start()
}

// Stop waits for running jobs to return
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info().Msg("cron stopped")
}
