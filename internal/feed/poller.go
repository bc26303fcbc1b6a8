package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"arcline/internal/domain"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultPollBatch    = 100
)

// Poller follows change_outbox with a watermark cursor. Only rows committed
// after Start are delivered. Ids skipped over are re-read until they appear
// or GapTimeout passes, so a row whose transaction commits late is still
// delivered once.
type Poller struct {
	Changes    ChangeReader
	Interval   time.Duration
	Batch      int
	GapTimeout time.Duration
	Log        zerolog.Logger
}

func (p *Poller) Name() string { return "outbox-poll" }

func (p *Poller) Start(ctx context.Context, emit func(domain.Change)) error {
	cursor, err := p.Changes.LatestChangeID(ctx)
	if err != nil {
		return fmt.Errorf("read outbox watermark: %w", err)
	}
	interval := p.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	go p.run(ctx, newTracker(cursor, p.GapTimeout), interval, emit)
	return nil
}

func (p *Poller) run(ctx context.Context, t *tracker, interval time.Duration, emit func(domain.Change)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx, t, emit)
		}
	}
}

// drain emits every unseen row from the lowest open gap onwards.
func (p *Poller) drain(ctx context.Context, t *tracker, emit func(domain.Change)) {
	batch := p.Batch
	if batch <= 0 {
		batch = defaultPollBatch
	}
	from := t.low()
	for {
		changes, err := p.Changes.ChangesAfter(ctx, from, batch)
		if err != nil {
			if ctx.Err() == nil {
				p.Log.Warn().Err(err).Int64("cursor", from).Msg("poll outbox")
			}
			return
		}
		now := time.Now()
		for _, c := range changes {
			if t.accept(c.ID, now) {
				emit(c)
			}
			from = c.ID
		}
		if len(changes) < batch {
			t.expire(now)
			return
		}
	}
}
