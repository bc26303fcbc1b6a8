package arclinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a minimal arcline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	Secret      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, secret string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Secret:   secret,
		Timeout:  10 * time.Second,
	}
}

type Intent struct {
	ID         string          `json:"id"`
	ActorType  string          `json:"actor_type"`
	ActorID    *string         `json:"actor_id,omitempty"`
	IntentType string          `json:"intent_type"`
	IntentText string          `json:"intent_text"`
	Context    json.RawMessage `json:"context,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

type Result struct {
	ID        string          `json:"id"`
	ActionID  string          `json:"action_id"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     *string         `json:"error,omitempty"`
	LatencyMS *int64          `json:"latency_ms,omitempty"`
	CreatedAt string          `json:"created_at"`
}

type Action struct {
	ID           string          `json:"id"`
	IntentID     string          `json:"intent_id"`
	ActionType   string          `json:"action_type"`
	ActionTarget *string         `json:"action_target,omitempty"`
	Request      json.RawMessage `json:"request,omitempty"`
	CostUSD      *float64        `json:"cost_usd,omitempty"`
	Status       string          `json:"status"`
	CreatedAt    string          `json:"created_at"`
	Results      []Result        `json:"results"`
}

type Impact struct {
	ID          string          `json:"id"`
	IntentID    string          `json:"intent_id"`
	ImpactType  string          `json:"impact_type"`
	ImpactScore *float64        `json:"impact_score,omitempty"`
	Impact      json.RawMessage `json:"impact,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

// TimelineEntry is an intent with its actions, results and impacts.
type TimelineEntry struct {
	Intent
	Actions []Action `json:"actions"`
	Impacts []Impact `json:"impacts"`
}

type Timeline struct {
	WindowMinutes int             `json:"window_minutes"`
	Since         string          `json:"since"`
	Items         []TimelineEntry `json:"items"`
}

type ExecuteResponse struct {
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
	Result    struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		ID      string `json:"id,omitempty"`
	} `json:"result"`
	IntentID string `json:"intent_id,omitempty"`
	ActionID string `json:"action_id,omitempty"`
}

// Event is one message pushed on the realtime socket.
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type idResponse struct {
	ID string `json:"id"`
}

// LogIntent records an intent and returns its id.
func (c *Client) LogIntent(ctx context.Context, actorType, actorID, intentType, text string, intentContext map[string]any) (string, error) {
	body := map[string]any{
		"actor_type":  actorType,
		"intent_type": intentType,
		"intent_text": text,
	}
	if actorID != "" {
		body["actor_id"] = actorID
	}
	if intentContext != nil {
		body["context"] = intentContext
	}
	var resp idResponse
	err := c.do(ctx, http.MethodPost, "causal/intents", body, &resp)
	return resp.ID, err
}

// LogAction records an action for an intent.
func (c *Client) LogAction(ctx context.Context, intentID, actionType, target string, request map[string]any) (string, error) {
	body := map[string]any{"action_type": actionType}
	if target != "" {
		body["action_target"] = target
	}
	if request != nil {
		body["request"] = request
	}
	var resp idResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("causal/intents/%s/actions", url.PathEscape(intentID)), body, &resp)
	return resp.ID, err
}

// UpdateActionStatus moves an action to queued, running, success or failed.
func (c *Client) UpdateActionStatus(ctx context.Context, actionID, status string) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("causal/actions/%s/status", url.PathEscape(actionID)), map[string]any{"status": status}, nil)
}

// LogResult records the outcome of an action. errText is omitted when empty.
func (c *Client) LogResult(ctx context.Context, actionID string, output any, errText string, latency time.Duration) (string, error) {
	body := map[string]any{"latency_ms": latency.Milliseconds()}
	if output != nil {
		body["output"] = output
	}
	if errText != "" {
		body["error"] = errText
	}
	var resp idResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("causal/actions/%s/results", url.PathEscape(actionID)), body, &resp)
	return resp.ID, err
}

// LogImpact records a consequence of an intent.
func (c *Client) LogImpact(ctx context.Context, intentID, impactType string, score *float64, impact map[string]any) (string, error) {
	body := map[string]any{"impact_type": impactType}
	if score != nil {
		body["impact_score"] = *score
	}
	if impact != nil {
		body["impact"] = impact
	}
	var resp idResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("causal/intents/%s/impacts", url.PathEscape(intentID)), body, &resp)
	return resp.ID, err
}

// Timeline returns intents from the last minutes.
func (c *Client) Timeline(ctx context.Context, minutes int) (Timeline, error) {
	endpoint := "causal/timeline"
	if minutes > 0 {
		endpoint = fmt.Sprintf("%s?minutes=%d", endpoint, minutes)
	}
	var resp Timeline
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Execute runs a bridge command.
func (c *Client) Execute(ctx context.Context, command string, payload map[string]any) (ExecuteResponse, error) {
	body := map[string]any{"command": command}
	if payload != nil {
		body["payload"] = payload
	}
	var resp ExecuteResponse
	err := c.do(ctx, http.MethodPost, "execute", body, &resp)
	return resp, err
}

// Watch connects to the realtime socket at path and calls fn for each event
// until ctx is done or the connection fails.
func (c *Client) Watch(ctx context.Context, path string, fn func(Event)) error {
	u, err := url.Parse(c.base())
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/" + strings.TrimLeft(path, "/")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	for {
		var evt Event
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(evt)
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + c.apiPath(endpoint)
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Secret != "" {
		req.Header.Set("X-Arc-Secret", c.Secret)
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	base := "/" + strings.Trim(c.BasePath, "/")
	if base == "/" {
		base = ""
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
