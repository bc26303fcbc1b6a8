package causal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"arcline/internal/domain"
)

// Instrumentation correlates the intent and action written for one request.
// Either id is empty when its write failed.
type Instrumentation struct {
	IntentID string `json:"intent_id,omitempty"`
	ActionID string `json:"action_id,omitempty"`

	started time.Time
}

type InstrumentInput struct {
	ActorType    domain.ActorType
	ActorID      string
	IntentType   string
	IntentText   string
	Context      json.RawMessage
	ActionType   string
	ActionTarget string
	Request      json.RawMessage
	CostUSD      *float64
}

// Completion describes how an instrumented request ended.
type Completion struct {
	Success bool
	Output  json.RawMessage
	Error   string
	// LatencyMS defaults to the time elapsed since InstrumentRequest.
	LatencyMS *int64
}

// InstrumentRequest writes an intent and then an action for it. The caller
// should proceed with its primary work whatever the outcome.
func (l *Logger) InstrumentRequest(ctx context.Context, in InstrumentInput) (inst Instrumentation, err error) {
	var discard string
	defer l.guard("instrument_request", &discard, &err)
	inst.started = l.now()
	if !l.Authorized(ctx) {
		return inst, l.fail("instrument_request", ErrUnauthorized)
	}
	inst.IntentID, err = l.writeIntent(ctx, IntentInput{
		ActorType:  in.ActorType,
		ActorID:    in.ActorID,
		IntentType: in.IntentType,
		IntentText: in.IntentText,
		Context:    in.Context,
	})
	if err != nil {
		return inst, err
	}
	inst.ActionID, err = l.writeAction(ctx, ActionInput{
		IntentID:     inst.IntentID,
		ActionType:   in.ActionType,
		ActionTarget: in.ActionTarget,
		Request:      in.Request,
		CostUSD:      in.CostUSD,
	})
	return inst, err
}

// CompleteInstrumentation marks the action success or failed and records its
// result. It does nothing when the action was never written.
func (l *Logger) CompleteInstrumentation(ctx context.Context, inst Instrumentation, c Completion) error {
	if inst.ActionID == "" {
		return nil
	}
	status := domain.StatusSuccess
	if !c.Success {
		status = domain.StatusFailed
	}
	statusErr := l.UpdateActionStatus(ctx, inst.ActionID, status)

	latency := c.LatencyMS
	if latency == nil && !inst.started.IsZero() {
		ms := l.now().Sub(inst.started).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		latency = &ms
	}
	var errText *string
	if !c.Success && c.Error != "" {
		e := c.Error
		errText = &e
	}
	_, resultErr := l.LogResult(ctx, ResultInput{
		ActionID:  inst.ActionID,
		Output:    c.Output,
		Error:     errText,
		LatencyMS: latency,
	})
	return errors.Join(statusErr, resultErr)
}
