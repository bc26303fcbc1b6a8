package domain

import "encoding/json"

// ActorType classifies who expressed an intent.
type ActorType string

const (
	ActorUser     ActorType = "user"
	ActorAgent    ActorType = "agent"
	ActorSystem   ActorType = "system"
	ActorExternal ActorType = "external"
)

func (a ActorType) Valid() bool {
	switch a {
	case ActorUser, ActorAgent, ActorSystem, ActorExternal:
		return true
	}
	return false
}

// ActionStatus is the lifecycle of an action row. Rows are created running.
type ActionStatus string

const (
	StatusQueued  ActionStatus = "queued"
	StatusRunning ActionStatus = "running"
	StatusSuccess ActionStatus = "success"
	StatusFailed  ActionStatus = "failed"
)

func (s ActionStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

func (s ActionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type Intent struct {
	ID         string          `json:"id"`
	ActorType  ActorType       `json:"actor_type" enum:"user,agent,system,external"`
	ActorID    *string         `json:"actor_id,omitempty"`
	IntentType string          `json:"intent_type"`
	IntentText string          `json:"intent_text"`
	Context    json.RawMessage `json:"context,omitempty"`
	CreatedAt  string          `json:"created_at" format:"date-time"`
}

type Action struct {
	ID           string          `json:"id"`
	IntentID     string          `json:"intent_id"`
	ActionType   string          `json:"action_type"`
	ActionTarget *string         `json:"action_target,omitempty"`
	Request      json.RawMessage `json:"request,omitempty"`
	CostUSD      *float64        `json:"cost_usd,omitempty"`
	Status       ActionStatus    `json:"status" enum:"queued,running,success,failed"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
}

type Result struct {
	ID        string          `json:"id"`
	ActionID  string          `json:"action_id"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     *string         `json:"error,omitempty"`
	LatencyMS *int64          `json:"latency_ms,omitempty"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

type Impact struct {
	ID          string          `json:"id"`
	IntentID    string          `json:"intent_id"`
	ImpactType  string          `json:"impact_type"`
	ImpactScore *float64        `json:"impact_score,omitempty"`
	Impact      json.RawMessage `json:"impact,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
}

// ActionTrace is an action with the results recorded against it.
type ActionTrace struct {
	Action
	Results []Result `json:"results"`
}

// TimelineEntry is one reconstructed causal tree rooted at an intent.
type TimelineEntry struct {
	Intent
	Actions []ActionTrace `json:"actions"`
	Impacts []Impact      `json:"impacts"`
}

// Change is one committed row observed on a source table.
type Change struct {
	ID        int64           `json:"id"`
	Source    string          `json:"source"`
	Op        string          `json:"op"`
	Row       json.RawMessage `json:"row"`
	CreatedAt string          `json:"created_at,omitempty"`
}

type Activity struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Anomaly struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Severity    string   `json:"severity" enum:"low,medium,high,critical"`
	Description string   `json:"description,omitempty"`
	Score       *float64 `json:"score,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type Task struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Assignee  string `json:"assignee,omitempty"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Scenario struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}
