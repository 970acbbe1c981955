package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const DefaultPollInterval = time.Second

// Poller runs a full scan at a fixed interval.
type Poller struct {
	interval time.Duration
	clock    clockwork.Clock
	scan     func(ctx context.Context) error
}

func NewPoller(interval time.Duration, clock clockwork.Clock, scan func(ctx context.Context) error) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{
		interval: interval,
		clock:    clock,
		scan:     scan,
	}
}

// Run scans on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Debug("poller start", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("poller stop")
			return nil
		case <-ticker.Chan():
			start := p.clock.Now()
			if err := p.scan(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("poller scan", "error", err)
			}
			if took := p.clock.Since(start); took > p.interval {
				slog.Debug("poller scan slower than interval", "took", took, "interval", p.interval)
			}
		}
	}
}
