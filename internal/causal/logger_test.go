package causal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"arcline/internal/causal"
	"arcline/internal/db"
	"arcline/internal/domain"
	"arcline/internal/migrate"
	"arcline/internal/repo"
)

const secret = "S3cr3t"

func newTestLogger(t *testing.T, opts causal.Options) (*causal.Logger, repo.Repo) {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn, dialect)
	opts.Log = zerolog.Nop()
	return causal.New(r, opts), r
}

func authed(s string) context.Context {
	return causal.WithPresentedSecret(context.Background(), s)
}

func countRows(t *testing.T, r repo.Repo, table string) int {
	t.Helper()
	n, err := r.CountRows(context.Background(), table)
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func helloIntent() causal.IntentInput {
	return causal.IntentInput{
		ActorType:  domain.ActorUser,
		ActorID:    "u1",
		IntentType: "chat",
		IntentText: "hello",
		Context:    json.RawMessage(`{}`),
	}
}

func TestLogIntentWithMatchingSecret(t *testing.T) {
	l, r := newTestLogger(t, causal.Options{Secret: secret})
	id, err := l.LogIntent(authed(secret), helloIntent())
	if err != nil || id == "" {
		t.Fatalf("expected id, got %q %v", id, err)
	}
	in, err := r.GetIntent(context.Background(), id)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if in.ActorType != domain.ActorUser || in.IntentText != "hello" || in.ActorID == nil || *in.ActorID != "u1" {
		t.Fatalf("unexpected row %+v", in)
	}
	if countRows(t, r, "intent_log") != 1 {
		t.Fatalf("expected exactly one intent row")
	}
}

func TestLogIntentWrongSecret(t *testing.T) {
	l, r := newTestLogger(t, causal.Options{Secret: secret})
	id, err := l.LogIntent(authed("wrong"), helloIntent())
	if id != "" || !errors.Is(err, causal.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %q %v", id, err)
	}
	if _, err := l.LogIntent(context.Background(), helloIntent()); !errors.Is(err, causal.ErrUnauthorized) {
		t.Fatalf("missing secret should be unauthorized, got %v", err)
	}
	if countRows(t, r, "intent_log") != 0 {
		t.Fatalf("expected zero rows")
	}
	if l.Stats().Unauthorized != 2 {
		t.Fatalf("expected 2 unauthorized failures, got %+v", l.Stats())
	}
}

func TestUnsetSecretFailsClosed(t *testing.T) {
	l, r := newTestLogger(t, causal.Options{})
	for _, presented := range []string{"", "anything", secret} {
		ctx := authed(presented)
		if id, err := l.LogIntent(ctx, helloIntent()); id != "" || !errors.Is(err, causal.ErrUnauthorized) {
			t.Fatalf("log intent with %q: %q %v", presented, id, err)
		}
		if id, err := l.LogAction(ctx, causal.ActionInput{IntentID: "x", ActionType: "y"}); id != "" || !errors.Is(err, causal.ErrUnauthorized) {
			t.Fatalf("log action with %q: %q %v", presented, id, err)
		}
		inst, err := l.InstrumentRequest(ctx, causal.InstrumentInput{ActorType: domain.ActorUser, IntentType: "chat", ActionType: "reply"})
		if inst.IntentID != "" || inst.ActionID != "" || !errors.Is(err, causal.ErrUnauthorized) {
			t.Fatalf("instrument with %q: %+v %v", presented, inst, err)
		}
	}
	for _, table := range []string{"intent_log", "action_log", "result_log"} {
		if n := countRows(t, r, table); n != 0 {
			t.Fatalf("expected no rows in %s, got %d", table, n)
		}
	}
}

func TestLegacyHeaderIsAccepted(t *testing.T) {
	l, r := newTestLogger(t, causal.Options{Secret: secret})
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("X-KAYAN-SECRET", secret)
	ctx := causal.WithPresentedSecret(context.Background(), causal.SecretFromRequest(req))
	if id, err := l.LogIntent(ctx, helloIntent()); err != nil || id == "" {
		t.Fatalf("legacy header rejected: %v", err)
	}
	req = httptest.NewRequest("POST", "/", nil)
	req.Header.Set("X-ARC-SECRET", secret)
	req.Header.Set(causal.HeaderLegacySecret, "stale")
	if got := causal.SecretFromRequest(req); got != secret {
		t.Fatalf("canonical header should win, got %q", got)
	}
	if countRows(t, r, "intent_log") != 1 {
		t.Fatalf("expected one row")
	}
}

func TestActionThenResult(t *testing.T) {
	l, r := newTestLogger(t, causal.Options{Secret: secret})
	ctx := authed(secret)
	intentID, err := l.LogIntent(ctx, helloIntent())
	if err != nil {
		t.Fatalf("intent: %v", err)
	}
	actionID, err := l.LogAction(ctx, causal.ActionInput{IntentID: intentID, ActionType: "llm.reply", Request: json.RawMessage(`{"q":1}`)})
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	a, err := r.GetAction(context.Background(), actionID)
	if err != nil || a.Status != domain.StatusRunning {
		t.Fatalf("expected running action, got %+v %v", a, err)
	}
	for i := 0; i < 2; i++ {
		if _, err := l.LogResult(context.Background(), causal.ResultInput{ActionID: actionID, Output: json.RawMessage(`{"ok":true}`)}); err != nil {
			t.Fatalf("result %d: %v", i, err)
		}
	}
	results, err := r.ResultsForAction(context.Background(), actionID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 2 || results[0].ActionID != actionID {
		t.Fatalf("expected two results for the action, got %+v", results)
	}
	if countRows(t, r, "action_log") != 1 {
		t.Fatalf("expected exactly one action row")
	}
}

func TestTerminalStatusRegressionIsLogged(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn, dialect)
	var buf bytes.Buffer
	l := causal.New(r, causal.Options{Secret: secret, Log: zerolog.New(&buf)})

	ctx := authed(secret)
	intentID, err := l.LogIntent(ctx, helloIntent())
	if err != nil {
		t.Fatalf("intent: %v", err)
	}
	actionID, err := l.LogAction(ctx, causal.ActionInput{IntentID: intentID, ActionType: "job"})
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	if err := l.UpdateActionStatus(ctx, actionID, domain.StatusSuccess); err != nil {
		t.Fatalf("success: %v", err)
	}
	if strings.Contains(buf.String(), "regressed") {
		t.Fatalf("running -> success is not a regression: %s", buf.String())
	}
	if err := l.UpdateActionStatus(ctx, actionID, domain.StatusRunning); err != nil {
		t.Fatalf("running: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, "action status regressed from terminal state") || !strings.Contains(out, `"from":"success"`) {
		t.Fatalf("expected regression warning, got %s", out)
	}
	a, err := r.GetAction(context.Background(), actionID)
	if err != nil || a.Status != domain.StatusRunning {
		t.Fatalf("regressed status should still be written, got %+v %v", a, err)
	}
}

func TestLogActionUnknownIntentIsInvalid(t *testing.T) {
	l, r := newTestLogger(t, causal.Options{Secret: secret})
	id, err := l.LogAction(authed(secret), causal.ActionInput{IntentID: "missing", ActionType: "x"})
	if id != "" || !errors.Is(err, causal.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %q %v", id, err)
	}
	if countRows(t, r, "action_log") != 0 {
		t.Fatalf("no action row expected")
	}
}

func TestInvalidInputs(t *testing.T) {
	l, _ := newTestLogger(t, causal.Options{Secret: secret})
	ctx := authed(secret)
	bad := helloIntent()
	bad.ActorType = "robot"
	if _, err := l.LogIntent(ctx, bad); !errors.Is(err, causal.ErrInvalidInput) {
		t.Fatalf("bad actor type: %v", err)
	}
	bad = helloIntent()
	bad.Context = json.RawMessage(`{nope`)
	if _, err := l.LogIntent(ctx, bad); !errors.Is(err, causal.ErrInvalidInput) {
		t.Fatalf("bad context: %v", err)
	}
	if err := l.UpdateActionStatus(ctx, "a1", "paused"); !errors.Is(err, causal.ErrInvalidInput) {
		t.Fatalf("bad status: %v", err)
	}
	if err := l.UpdateActionStatus(ctx, "missing", domain.StatusFailed); !errors.Is(err, causal.ErrInvalidInput) {
		t.Fatalf("unknown action: %v", err)
	}
	if got := l.Stats().Invalid; got != 4 {
		t.Fatalf("expected 4 invalid failures, got %d", got)
	}
}

func TestInstrumentAndCompleteSuccess(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l, r := newTestLogger(t, causal.Options{Secret: secret, Now: clock})
	ctx := authed(secret)
	inst, err := l.InstrumentRequest(ctx, causal.InstrumentInput{
		ActorType: domain.ActorAgent, IntentType: "n8n", IntentText: "run workflow",
		ActionType: "workflow.execute", ActionTarget: "wf-1",
	})
	if err != nil || inst.IntentID == "" || inst.ActionID == "" {
		t.Fatalf("instrument: %+v %v", inst, err)
	}
	now = now.Add(250 * time.Millisecond)
	if err := l.CompleteInstrumentation(ctx, inst, causal.Completion{Success: true, Output: json.RawMessage(`{"done":true}`)}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	a, _ := r.GetAction(context.Background(), inst.ActionID)
	if a.Status != domain.StatusSuccess {
		t.Fatalf("expected success, got %s", a.Status)
	}
	results, _ := r.ResultsForAction(context.Background(), inst.ActionID)
	if len(results) != 1 || results[0].Error != nil {
		t.Fatalf("expected one clean result, got %+v", results)
	}
	if results[0].LatencyMS == nil || *results[0].LatencyMS != 250 {
		t.Fatalf("expected measured latency 250ms, got %v", results[0].LatencyMS)
	}
}

func TestInstrumentAndCompleteFailure(t *testing.T) {
	l, r := newTestLogger(t, causal.Options{Secret: secret})
	ctx := authed(secret)
	inst, err := l.InstrumentRequest(ctx, causal.InstrumentInput{ActorType: domain.ActorUser, IntentType: "chat", ActionType: "reply"})
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}
	if err := l.CompleteInstrumentation(ctx, inst, causal.Completion{Success: false, Error: "upstream timeout"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	a, _ := r.GetAction(context.Background(), inst.ActionID)
	if a.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", a.Status)
	}
	results, _ := r.ResultsForAction(context.Background(), inst.ActionID)
	if len(results) != 1 || results[0].Error == nil || *results[0].Error != "upstream timeout" {
		t.Fatalf("expected error text on result, got %+v", results)
	}
}

func TestCompleteWithoutActionIsNoop(t *testing.T) {
	l, r := newTestLogger(t, causal.Options{Secret: secret})
	if err := l.CompleteInstrumentation(context.Background(), causal.Instrumentation{}, causal.Completion{Success: true}); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if countRows(t, r, "result_log") != 0 {
		t.Fatalf("no-op wrote a result")
	}
}

func TestGateAllStages(t *testing.T) {
	l, r := newTestLogger(t, causal.Options{Secret: secret, GateAllStages: true})
	ctx := authed(secret)
	intentID, err := l.LogIntent(ctx, helloIntent())
	if err != nil {
		t.Fatalf("intent: %v", err)
	}
	if _, err := l.LogImpact(context.Background(), causal.ImpactInput{IntentID: intentID, ImpactType: "engagement"}); !errors.Is(err, causal.ErrUnauthorized) {
		t.Fatalf("expected gated impact, got %v", err)
	}
	if _, err := l.LogImpact(ctx, causal.ImpactInput{IntentID: intentID, ImpactType: "engagement"}); err != nil {
		t.Fatalf("authorized impact: %v", err)
	}
	if countRows(t, r, "impact_log") != 1 {
		t.Fatalf("expected one impact row")
	}
}

func TestStorageFailureIsReturnedNotPanicked(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	conn.Close()
	l := causal.New(repo.New(conn, dialect), causal.Options{Secret: secret, Log: zerolog.Nop()})
	id, err := l.LogIntent(authed(secret), helloIntent())
	if id != "" || !errors.Is(err, causal.ErrStorageUnavailable) {
		t.Fatalf("expected storage failure, got %q %v", id, err)
	}
	if l.Stats().Storage != 1 {
		t.Fatalf("expected storage failure counted, got %+v", l.Stats())
	}
}

type panicStore struct{ causal.Store }

func (panicStore) InsertImpact(context.Context, domain.Impact) error { panic("boom") }

func TestPanicIsRecovered(t *testing.T) {
	l := causal.New(panicStore{}, causal.Options{Secret: secret, Log: zerolog.Nop()})
	id, err := l.LogImpact(context.Background(), causal.ImpactInput{IntentID: "i1", ImpactType: "x"})
	if id != "" || !errors.Is(err, causal.ErrStorageUnavailable) {
		t.Fatalf("expected recovered storage failure, got %q %v", id, err)
	}
	if l.Stats().Panics != 1 {
		t.Fatalf("expected panic counted")
	}
}
