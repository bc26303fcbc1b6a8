package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"arcline/internal/domain"
	"arcline/internal/repo"
)

// memOutbox holds committed outbox rows; commit may happen out of id order.
type memOutbox struct {
	mu   sync.Mutex
	rows map[int64]domain.Change
	gets int
}

func newMemOutbox() *memOutbox { return &memOutbox{rows: map[int64]domain.Change{}} }

func (m *memOutbox) commit(id int64, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id] = domain.Change{ID: id, Source: source, Op: "INSERT", Row: json.RawMessage(fmt.Sprintf(`{"id":%d}`, id))}
}

func (m *memOutbox) LatestChangeID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest int64
	for id := range m.rows {
		latest = max(latest, id)
	}
	return latest, nil
}

func (m *memOutbox) ChangesAfter(_ context.Context, cursor int64, limit int) ([]domain.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Change
	for id, c := range m.rows {
		if id > cursor {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memOutbox) GetChange(_ context.Context, id int64) (domain.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	c, ok := m.rows[id]
	if !ok {
		return domain.Change{}, repo.ErrNotFound
	}
	return c, nil
}

func ids(changes []domain.Change) []int64 {
	out := make([]int64, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.ID)
	}
	return out
}

func TestTrackerAcceptsLateLowerID(t *testing.T) {
	now := time.Now()
	tr := newTracker(4, time.Minute)
	if !tr.accept(6, now) {
		t.Fatalf("6 should be new")
	}
	if tr.low() != 4 {
		t.Fatalf("expected low 4 while 5 is open, got %d", tr.low())
	}
	if !tr.accept(5, now) {
		t.Fatalf("late 5 should be accepted")
	}
	if tr.accept(5, now) || tr.accept(6, now) || tr.accept(3, now) {
		t.Fatalf("seen or pre-start ids must not be accepted twice")
	}
	if tr.low() != 6 {
		t.Fatalf("expected low 6 once gaps closed, got %d", tr.low())
	}
}

func TestTrackerExpiresAbandonedGap(t *testing.T) {
	start := time.Now()
	tr := newTracker(0, time.Second)
	tr.accept(3, start)
	tr.expire(start.Add(2 * time.Second))
	if tr.low() != 3 {
		t.Fatalf("expired gaps should not hold the read position, got %d", tr.low())
	}
	if tr.accept(1, start.Add(3*time.Second)) {
		t.Fatalf("expired gap should no longer be accepted")
	}
}

func TestPollerDeliversOutOfOrderCommit(t *testing.T) {
	out := newMemOutbox()
	out.commit(4, "tasks")
	p := &Poller{Changes: out, Batch: 2, Log: zerolog.Nop()}
	tr := newTracker(4, time.Minute)

	var got []domain.Change
	emit := func(c domain.Change) { got = append(got, c) }

	// id 5 is taken by a transaction that commits after id 6.
	out.commit(6, "tasks")
	p.drain(context.Background(), tr, emit)
	out.commit(5, "anomalies")
	out.commit(7, "tasks")
	p.drain(context.Background(), tr, emit)
	p.drain(context.Background(), tr, emit)

	want := []int64{6, 5, 7}
	if fmt.Sprint(ids(got)) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, ids(got))
	}
}

func TestListenerHandleDedupesAndLoadsOversizedRows(t *testing.T) {
	out := newMemOutbox()
	l := &Listener{Changes: out, Log: zerolog.Nop()}
	tr := newTracker(4, time.Minute)
	var got []domain.Change
	emit := func(c domain.Change) { got = append(got, c) }
	notify := func(payload string) {
		l.handle(context.Background(), &pgconn.Notification{Channel: Channel, Payload: payload}, tr, emit)
	}

	notify(`{"id":6,"source":"tasks","op":"INSERT","row":{"id":"t6"}}`)
	out.commit(5, "scenarios")
	notify(`{"id":5,"source":"scenarios","op":"UPDATE"}`)
	notify(`{"id":6,"source":"tasks","op":"INSERT","row":{"id":"t6"}}`)
	notify(`{"id":3,"source":"tasks","op":"INSERT","row":{}}`)
	notify(`not json`)

	if fmt.Sprint(ids(got)) != "[6 5]" {
		t.Fatalf("expected [6 5], got %v", ids(got))
	}
	if string(got[0].Row) != `{"id":"t6"}` {
		t.Fatalf("inline row not used: %s", got[0].Row)
	}
	if out.gets != 1 || got[1].Source != "scenarios" || string(got[1].Row) != `{"id":5}` {
		t.Fatalf("oversized row not loaded from outbox: %+v gets=%d", got[1], out.gets)
	}
}

func TestListenerReplayFillsGaps(t *testing.T) {
	out := newMemOutbox()
	l := &Listener{Changes: out, Log: zerolog.Nop()}
	tr := newTracker(0, time.Minute)
	var got []domain.Change
	emit := func(c domain.Change) { got = append(got, c) }

	l.handle(context.Background(), &pgconn.Notification{Payload: `{"id":3,"source":"tasks","op":"INSERT","row":{}}`}, tr, emit)
	out.commit(1, "tasks")
	out.commit(2, "tasks")
	out.commit(3, "tasks")
	out.commit(4, "tasks")
	l.replay(context.Background(), tr, emit)

	if fmt.Sprint(ids(got)) != "[3 1 2 4]" {
		t.Fatalf("expected [3 1 2 4], got %v", ids(got))
	}
}
