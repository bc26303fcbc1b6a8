package arclinesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"arcline/internal/app"
	"arcline/internal/config"
)

func newServer(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	cfg := config.Default()
	cfg.Realtime.PollInterval = 20 * time.Millisecond
	a, err := app.Open(t.TempDir(), cfg, app.Env{Secret: "sdk-secret"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	h, err := a.Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(h)
	return srv, func() {
		cancel()
		a.Hub.Stop()
		srv.Close()
		a.Close()
	}
}

func TestClientCausalChain(t *testing.T) {
	srv, cleanup := newServer(t)
	defer cleanup()
	ctx := context.Background()
	c := New(srv.URL, "sdk-secret")

	intentID, err := c.LogIntent(ctx, "agent", "planner", "plan", "rebalance", map[string]any{"zone": "b"})
	if err != nil {
		t.Fatalf("log intent: %v", err)
	}
	actionID, err := c.LogAction(ctx, intentID, "rebalance.run", "zone-b", nil)
	if err != nil {
		t.Fatalf("log action: %v", err)
	}
	if err := c.UpdateActionStatus(ctx, actionID, "success"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if _, err := c.LogResult(ctx, actionID, map[string]any{"moved": 3}, "", 120*time.Millisecond); err != nil {
		t.Fatalf("log result: %v", err)
	}
	score := 0.4
	if _, err := c.LogImpact(ctx, intentID, "balance", &score, nil); err != nil {
		t.Fatalf("log impact: %v", err)
	}

	tl, err := c.Timeline(ctx, 15)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(tl.Items) != 1 || tl.Items[0].ID != intentID {
		t.Fatalf("unexpected timeline %+v", tl)
	}
	act := tl.Items[0].Actions
	if len(act) != 1 || act[0].Status != "success" || len(act[0].Results) != 1 || *act[0].Results[0].LatencyMS != 120 {
		t.Fatalf("unexpected actions %+v", act)
	}
}

func TestClientWrongSecret(t *testing.T) {
	srv, cleanup := newServer(t)
	defer cleanup()
	c := New(srv.URL, "nope")
	_, err := c.LogIntent(context.Background(), "user", "", "chat", "hi", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 api error, got %v", err)
	}
}

func TestClientWatchReceivesBroadcast(t *testing.T) {
	srv, cleanup := newServer(t)
	defer cleanup()
	c := New(srv.URL, "sdk-secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := make(chan Event, 8)
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, "/ws/activity", func(e Event) { events <- e }) }()

	select {
	case e := <-events:
		if e.Type != "connection_established" {
			t.Fatalf("expected greeting, got %+v", e)
		}
	case <-ctx.Done():
		t.Fatal("no greeting")
	}

	out, err := c.Execute(ctx, "record_activity", map[string]any{"id": "a1", "title": "Valve opened"})
	if err != nil || !out.Success || out.IntentID == "" {
		t.Fatalf("execute: %+v %v", out, err)
	}
	select {
	case e := <-events:
		if e.Type != "new_activity" {
			t.Fatalf("expected new_activity, got %+v", e)
		}
	case <-ctx.Done():
		t.Fatal("no broadcast")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("watch should end with ctx error, got %v", err)
	}
}
