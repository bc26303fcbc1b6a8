package causal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"arcline/internal/db"
	"arcline/internal/domain"
	"arcline/internal/repo"
	"arcline/internal/telemetry"
)

var (
	ErrUnauthorized       = errors.New("audit secret missing or invalid")
	ErrStorageUnavailable = errors.New("audit storage unavailable")
	ErrInvalidInput       = errors.New("invalid audit input")
)

// Store is the persistence the logger writes through. repo.Repo satisfies it.
type Store interface {
	InsertIntent(ctx context.Context, in domain.Intent) error
	InsertAction(ctx context.Context, a domain.Action) error
	UpdateActionStatus(ctx context.Context, id string, status domain.ActionStatus) error
	InsertResult(ctx context.Context, res domain.Result) error
	InsertImpact(ctx context.Context, im domain.Impact) error
}

type Options struct {
	// Secret is the configured shared secret. Empty means every gated call is refused.
	Secret string
	// GateAllStages extends the secret check to status, result and impact writes.
	GateAllStages bool
	Log           zerolog.Logger
	Now           func() time.Time
}

// Logger records Intent, Action, Result and Impact rows. Every method is best
// effort: failures come back as wrapped sentinel errors which callers may
// ignore, and no method panics.
type Logger struct {
	store    Store
	secret   string
	gateAll  bool
	log      zerolog.Logger
	now      func() time.Time
	newID    func() string
	failures metric.Int64Counter

	unauthorized atomic.Int64
	storage      atomic.Int64
	invalid      atomic.Int64
	panics       atomic.Int64
}

func New(store Store, opts Options) *Logger {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Logger{
		store:    store,
		secret:   opts.Secret,
		gateAll:  opts.GateAllStages,
		log:      opts.Log.With().Str("component", "causal").Logger(),
		now:      now,
		newID:    uuid.NewString,
		failures: telemetry.Counter("arcline.causal.failures", "Audit writes that were refused or failed"),
	}
}

// Stats counts failed audit writes by reason since the logger was created.
type Stats struct {
	Unauthorized int64 `json:"unauthorized"`
	Storage      int64 `json:"storage"`
	Invalid      int64 `json:"invalid"`
	Panics       int64 `json:"panics"`
}

func (l *Logger) Stats() Stats {
	return Stats{
		Unauthorized: l.unauthorized.Load(),
		Storage:      l.storage.Load(),
		Invalid:      l.invalid.Load(),
		Panics:       l.panics.Load(),
	}
}

type IntentInput struct {
	ActorType  domain.ActorType
	ActorID    string
	IntentType string
	IntentText string
	Context    json.RawMessage
}

type ActionInput struct {
	IntentID     string
	ActionType   string
	ActionTarget string
	Request      json.RawMessage
	CostUSD      *float64
}

type ResultInput struct {
	ActionID  string
	Output    json.RawMessage
	Error     *string
	LatencyMS *int64
}

type ImpactInput struct {
	IntentID    string
	ImpactType  string
	ImpactScore *float64
	Impact      json.RawMessage
}

// LogIntent records why something is about to happen.
func (l *Logger) LogIntent(ctx context.Context, in IntentInput) (id string, err error) {
	defer l.guard("log_intent", &id, &err)
	if !l.Authorized(ctx) {
		return "", l.fail("log_intent", ErrUnauthorized)
	}
	return l.writeIntent(ctx, in)
}

func (l *Logger) writeIntent(ctx context.Context, in IntentInput) (string, error) {
	if !in.ActorType.Valid() {
		return "", l.fail("log_intent", fmt.Errorf("%w: actor_type %q", ErrInvalidInput, in.ActorType))
	}
	if strings.TrimSpace(in.IntentType) == "" {
		return "", l.fail("log_intent", fmt.Errorf("%w: intent_type required", ErrInvalidInput))
	}
	if err := checkJSON("context", in.Context); err != nil {
		return "", l.fail("log_intent", err)
	}
	row := domain.Intent{
		ID:         l.newID(),
		ActorType:  in.ActorType,
		ActorID:    optional(in.ActorID),
		IntentType: in.IntentType,
		IntentText: in.IntentText,
		Context:    in.Context,
		CreatedAt:  db.FormatTime(l.now()),
	}
	if err := l.store.InsertIntent(ctx, row); err != nil {
		return "", l.fail("log_intent", storageErr(err))
	}
	return row.ID, nil
}

// LogAction records one step taken for an intent. The row starts running.
func (l *Logger) LogAction(ctx context.Context, in ActionInput) (id string, err error) {
	defer l.guard("log_action", &id, &err)
	if !l.Authorized(ctx) {
		return "", l.fail("log_action", ErrUnauthorized)
	}
	return l.writeAction(ctx, in)
}

func (l *Logger) writeAction(ctx context.Context, in ActionInput) (string, error) {
	if strings.TrimSpace(in.IntentID) == "" || strings.TrimSpace(in.ActionType) == "" {
		return "", l.fail("log_action", fmt.Errorf("%w: intent_id and action_type required", ErrInvalidInput))
	}
	if err := checkJSON("request", in.Request); err != nil {
		return "", l.fail("log_action", err)
	}
	row := domain.Action{
		ID:           l.newID(),
		IntentID:     in.IntentID,
		ActionType:   in.ActionType,
		ActionTarget: optional(in.ActionTarget),
		Request:      in.Request,
		CostUSD:      in.CostUSD,
		Status:       domain.StatusRunning,
		CreatedAt:    db.FormatTime(l.now()),
	}
	if err := l.store.InsertAction(ctx, row); err != nil {
		return "", l.fail("log_action", storageErr(err))
	}
	return row.ID, nil
}

// UpdateActionStatus overwrites an action's status. Repeating a call is harmless.
func (l *Logger) UpdateActionStatus(ctx context.Context, actionID string, status domain.ActionStatus) (err error) {
	var discard string
	defer l.guard("update_action_status", &discard, &err)
	if l.gateAll && !l.Authorized(ctx) {
		return l.fail("update_action_status", ErrUnauthorized)
	}
	if strings.TrimSpace(actionID) == "" || !status.Valid() {
		return l.fail("update_action_status", fmt.Errorf("%w: action_id and a valid status required", ErrInvalidInput))
	}
	l.warnRegression(ctx, actionID, status)
	if err := l.store.UpdateActionStatus(ctx, actionID, status); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return l.fail("update_action_status", fmt.Errorf("%w: unknown action %s", ErrInvalidInput, actionID))
		}
		return l.fail("update_action_status", storageErr(err))
	}
	return nil
}

type actionReader interface {
	GetAction(ctx context.Context, id string) (domain.Action, error)
}

// warnRegression logs when a finished action is moved back to an open state.
// The write still goes through.
func (l *Logger) warnRegression(ctx context.Context, actionID string, status domain.ActionStatus) {
	if status.Terminal() {
		return
	}
	r, ok := l.store.(actionReader)
	if !ok {
		return
	}
	prev, err := r.GetAction(ctx, actionID)
	if err != nil || !prev.Status.Terminal() {
		return
	}
	l.log.Warn().
		Str("action_id", actionID).
		Str("from", string(prev.Status)).
		Str("to", string(status)).
		Msg("action status regressed from terminal state")
}

// LogResult records the outcome of an action. One result per action is
// expected but not enforced.
func (l *Logger) LogResult(ctx context.Context, in ResultInput) (id string, err error) {
	defer l.guard("log_result", &id, &err)
	if l.gateAll && !l.Authorized(ctx) {
		return "", l.fail("log_result", ErrUnauthorized)
	}
	if strings.TrimSpace(in.ActionID) == "" {
		return "", l.fail("log_result", fmt.Errorf("%w: action_id required", ErrInvalidInput))
	}
	if in.LatencyMS != nil && *in.LatencyMS < 0 {
		return "", l.fail("log_result", fmt.Errorf("%w: latency_ms must not be negative", ErrInvalidInput))
	}
	if err := checkJSON("output", in.Output); err != nil {
		return "", l.fail("log_result", err)
	}
	row := domain.Result{
		ID:        l.newID(),
		ActionID:  in.ActionID,
		Output:    in.Output,
		Error:     in.Error,
		LatencyMS: in.LatencyMS,
		CreatedAt: db.FormatTime(l.now()),
	}
	if err := l.store.InsertResult(ctx, row); err != nil {
		return "", l.fail("log_result", storageErr(err))
	}
	return row.ID, nil
}

// LogImpact records a downstream effect of an intent, possibly long after it.
func (l *Logger) LogImpact(ctx context.Context, in ImpactInput) (id string, err error) {
	defer l.guard("log_impact", &id, &err)
	if l.gateAll && !l.Authorized(ctx) {
		return "", l.fail("log_impact", ErrUnauthorized)
	}
	if strings.TrimSpace(in.IntentID) == "" || strings.TrimSpace(in.ImpactType) == "" {
		return "", l.fail("log_impact", fmt.Errorf("%w: intent_id and impact_type required", ErrInvalidInput))
	}
	if err := checkJSON("impact", in.Impact); err != nil {
		return "", l.fail("log_impact", err)
	}
	row := domain.Impact{
		ID:          l.newID(),
		IntentID:    in.IntentID,
		ImpactType:  in.ImpactType,
		ImpactScore: in.ImpactScore,
		Impact:      in.Impact,
		CreatedAt:   db.FormatTime(l.now()),
	}
	if err := l.store.InsertImpact(ctx, row); err != nil {
		return "", l.fail("log_impact", storageErr(err))
	}
	return row.ID, nil
}

// Authorized reports whether ctx carries the configured shared secret.
func (l *Logger) Authorized(ctx context.Context) bool {
	presented, _ := PresentedSecret(ctx)
	return secretMatches(l.secret, presented)
}

// fail counts err and returns it unchanged.
func (l *Logger) fail(op string, err error) error {
	reason := "storage"
	switch {
	case errors.Is(err, ErrUnauthorized):
		reason = "unauthorized"
		l.unauthorized.Add(1)
		l.log.Debug().Str("op", op).Msg("audit write refused")
	case errors.Is(err, ErrInvalidInput):
		reason = "invalid"
		l.invalid.Add(1)
		l.log.Warn().Str("op", op).Err(err).Msg("audit write rejected")
	default:
		l.storage.Add(1)
		l.log.Warn().Str("op", op).Err(err).Msg("audit write failed")
	}
	l.failures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("reason", reason),
	))
	return err
}

// guard converts a panic below the logger into a storage failure.
func (l *Logger) guard(op string, id *string, err *error) {
	rec := recover()
	if rec == nil {
		return
	}
	l.panics.Add(1)
	l.log.Error().Str("op", op).Interface("panic", rec).Msg("audit write panicked")
	*id = ""
	*err = l.fail(op, fmt.Errorf("%w: panic: %v", ErrStorageUnavailable, rec))
}

func storageErr(err error) error {
	if db.IsConstraintViolation(err) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

func checkJSON(field string, raw json.RawMessage) error {
	if len(raw) == 0 || json.Valid(raw) {
		return nil
	}
	return fmt.Errorf("%w: %s is not valid json", ErrInvalidInput, field)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
