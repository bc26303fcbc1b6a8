package server

import (
	"encoding/json"

	"arcline/internal/domain"
)

// Request payloads

type CreateIntentRequest struct {
	ActorType  string         `json:"actor_type" enum:"user,agent,system,external"`
	ActorID    string         `json:"actor_id,omitempty"`
	IntentType string         `json:"intent_type" minLength:"1"`
	IntentText string         `json:"intent_text"`
	Context    map[string]any `json:"context,omitempty"`
}

type CreateActionRequest struct {
	ActionType   string         `json:"action_type" minLength:"1"`
	ActionTarget string         `json:"action_target,omitempty"`
	Request      map[string]any `json:"request,omitempty"`
	CostUSD      *float64       `json:"cost_usd,omitempty" minimum:"0"`
}

type UpdateActionStatusRequest struct {
	Status string `json:"status" enum:"queued,running,success,failed"`
}

type CreateResultRequest struct {
	Output    any     `json:"output,omitempty"`
	Error     *string `json:"error,omitempty"`
	LatencyMS *int64  `json:"latency_ms,omitempty" minimum:"0"`
}

type CreateImpactRequest struct {
	ImpactType  string         `json:"impact_type" minLength:"1"`
	ImpactScore *float64       `json:"impact_score,omitempty"`
	Impact      map[string]any `json:"impact,omitempty"`
}

type ExecuteRequest struct {
	Command string         `json:"command" minLength:"1"`
	Payload map[string]any `json:"payload,omitempty"`
	ActorID string         `json:"actor_id,omitempty"`
}

// Response payloads

type IDResponse struct {
	ID string `json:"id"`
}

type ActionStatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type TimelineResponse struct {
	WindowMinutes int                    `json:"window_minutes"`
	Since         string                 `json:"since"`
	Items         []domain.TimelineEntry `json:"items"`
}

type ExecuteResult struct {
	Status  string `json:"status" enum:"success,ignored,failed"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

type ExecuteResponse struct {
	Success   bool          `json:"success"`
	Timestamp string        `json:"timestamp"`
	Result    ExecuteResult `json:"result"`
	IntentID  string        `json:"intent_id,omitempty"`
	ActionID  string        `json:"action_id,omitempty"`
}

// marshalOptional turns an optional decoded body field back into raw JSON.
func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
