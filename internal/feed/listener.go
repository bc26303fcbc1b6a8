package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"arcline/internal/domain"
)

// Channel is the NOTIFY channel the outbox trigger publishes on.
const Channel = "arc_changes"

const maxReconnectBackoff = 30 * time.Second

// Listener receives changes through Postgres LISTEN/NOTIFY on a dedicated
// connection. Notifications without a row are completed from the outbox, and
// rows missed while reconnecting are replayed from it. Notifications arrive in
// commit order, which need not be id order; see tracker.
type Listener struct {
	URL        string
	Changes    ChangeReader
	GapTimeout time.Duration
	Log        zerolog.Logger
}

type notification struct {
	ID     int64           `json:"id"`
	Source string          `json:"source"`
	Op     string          `json:"op"`
	Row    json.RawMessage `json:"row"`
}

func (l *Listener) Name() string { return "pg-listen" }

func (l *Listener) Start(ctx context.Context, emit func(domain.Change)) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return err
	}
	cursor, err := l.Changes.LatestChangeID(ctx)
	if err != nil {
		conn.Close(context.Background())
		return fmt.Errorf("read outbox watermark: %w", err)
	}
	go l.run(ctx, conn, newTracker(cursor, l.GapTimeout), emit)
	return nil
}

func (l *Listener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.URL)
	if err != nil {
		return nil, fmt.Errorf("connect for listen: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", Channel, err)
	}
	return conn, nil
}

func (l *Listener) run(ctx context.Context, conn *pgx.Conn, t *tracker, emit func(domain.Change)) {
	backoff := time.Second
	for {
		err := l.consume(ctx, conn, t, emit)
		conn.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		l.Log.Warn().Err(err).Msg("listen connection lost; reconnecting")
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			conn, err = l.connect(ctx)
			if err == nil {
				backoff = time.Second
				break
			}
			l.Log.Warn().Err(err).Dur("backoff", backoff).Msg("reconnect listen")
			backoff = min(backoff*2, maxReconnectBackoff)
		}
		l.replay(ctx, t, emit)
	}
}

func (l *Listener) consume(ctx context.Context, conn *pgx.Conn, t *tracker, emit func(domain.Change)) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.handle(ctx, n, t, emit)
	}
}

// handle emits the change behind one notification unless it was seen
// already. Notifications sent without the row are completed from the outbox.
func (l *Listener) handle(ctx context.Context, n *pgconn.Notification, t *tracker, emit func(domain.Change)) {
	var msg notification
	if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
		l.Log.Warn().Err(err).Str("payload", n.Payload).Msg("decode notification")
		return
	}
	now := time.Now()
	t.expire(now)
	if !t.accept(msg.ID, now) {
		return
	}
	change := domain.Change{ID: msg.ID, Source: msg.Source, Op: msg.Op, Row: msg.Row}
	if len(msg.Row) == 0 || string(msg.Row) == "null" {
		full, err := l.Changes.GetChange(ctx, msg.ID)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				l.Log.Warn().Err(err).Int64("id", msg.ID).Msg("load oversized change")
			}
			return
		}
		change = full
	}
	emit(change)
}

// replay emits outbox rows committed while no connection was listening,
// starting below the lowest open gap.
func (l *Listener) replay(ctx context.Context, t *tracker, emit func(domain.Change)) {
	from := t.low()
	for {
		changes, err := l.Changes.ChangesAfter(ctx, from, defaultPollBatch)
		if err != nil {
			l.Log.Warn().Err(err).Int64("cursor", from).Msg("replay outbox")
			return
		}
		now := time.Now()
		for _, c := range changes {
			if t.accept(c.ID, now) {
				emit(c)
			}
			from = c.ID
		}
		if len(changes) < defaultPollBatch {
			return
		}
	}
}
