package approval

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor periodically returns lapsed claims to the pending queue so a
// crashed or absent operator cannot hold an approval forever
type Processor struct {
	service  *Service
	interval time.Duration
}

func NewProcessor(service *Service, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Processor{
		service:  service,
		interval: interval,
	}
}

// Start runs the sweep loop until ctx is cancelled
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "approval_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting approval processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down approval processor")
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep releases every expired claim once
func (p *Processor) Sweep(ctx context.Context) {
	logger := log.With().Str("component", "approval_processor").Logger()
	released, err := p.service.ReleaseExpired(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to release expired claims")
		return
	}
	if released > 0 {
		logger.Info().Int64("released", released).Msg("released expired claims")
	}
}
