package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"arcline/internal/causal"
	"arcline/internal/db"
	"arcline/internal/domain"
	"arcline/internal/repo"
)

const (
	CommandRecordActivity = "record_activity"
	CommandReportAnomaly  = "report_anomaly"
	CommandUpdateTask     = "update_task"
	CommandUpdateScenario = "update_scenario"
)

// registerExecute exposes the automation bridge. Every call is instrumented;
// audit failures never change the response.
func registerExecute(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "execute",
		Method:      http.MethodPost,
		Path:        "/execute",
		Summary:     "Run a bridge command",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ExecuteRequest `json:"body"`
	}) (*struct {
		Body ExecuteResponse `json:"body"`
	}, error) {
		req := input.Body
		request, _ := marshalOptional(req.Payload)
		inst, auditErr := cfg.Causal.InstrumentRequest(ctx, causal.InstrumentInput{
			ActorType:  domain.ActorExternal,
			ActorID:    req.ActorID,
			IntentType: "bridge.execute",
			IntentText: req.Command,
			ActionType: "execute." + req.Command,
			Request:    request,
		})
		if auditErr != nil {
			cfg.Log.Debug().Err(auditErr).Str("command", req.Command).Msg("execute not instrumented")
		}

		result, err := runCommand(ctx, cfg.Repo, req)
		completion := causal.Completion{Success: err == nil}
		if err != nil {
			completion.Error = err.Error()
		} else {
			completion.Output, _ = json.Marshal(result)
		}
		if auditErr := cfg.Causal.CompleteInstrumentation(ctx, inst, completion); auditErr != nil {
			cfg.Log.Debug().Err(auditErr).Str("command", req.Command).Msg("execute completion not recorded")
		}
		if err != nil {
			cfg.Log.Warn().Err(err).Str("command", req.Command).Msg("bridge command failed")
			return nil, handleError(err)
		}
		return &struct {
			Body ExecuteResponse `json:"body"`
		}{Body: ExecuteResponse{
			Success:   true,
			Timestamp: db.FormatTime(time.Now()),
			Result:    result,
			IntentID:  inst.IntentID,
			ActionID:  inst.ActionID,
		}}, nil
	})
}

func runCommand(ctx context.Context, r repo.Repo, req ExecuteRequest) (ExecuteResult, error) {
	switch req.Command {
	case CommandRecordActivity:
		var a domain.Activity
		if err := decodePayload(req.Payload, &a); err != nil {
			return ExecuteResult{}, err
		}
		a.ID = idOrNew(a.ID)
		a.CreatedAt = ""
		if err := r.InsertActivity(ctx, a); err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{Status: "success", Message: "activity recorded", ID: a.ID}, nil

	case CommandReportAnomaly:
		var a domain.Anomaly
		if err := decodePayload(req.Payload, &a); err != nil {
			return ExecuteResult{}, err
		}
		a.ID = idOrNew(a.ID)
		a.CreatedAt = ""
		if err := r.InsertAnomaly(ctx, a); err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{Status: "success", Message: "anomaly reported", ID: a.ID}, nil

	case CommandUpdateTask:
		var t domain.Task
		if err := decodePayload(req.Payload, &t); err != nil {
			return ExecuteResult{}, err
		}
		t.UpdatedAt = ""
		if err := r.UpsertTask(ctx, t); err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{Status: "success", Message: "task updated", ID: t.ID}, nil

	case CommandUpdateScenario:
		var s domain.Scenario
		if err := decodePayload(req.Payload, &s); err != nil {
			return ExecuteResult{}, err
		}
		s.ID = idOrNew(s.ID)
		s.UpdatedAt = ""
		if err := r.UpsertScenario(ctx, s); err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{Status: "success", Message: "scenario updated", ID: s.ID}, nil

	default:
		return ExecuteResult{Status: "ignored", Message: "No logic defined for this command"}, nil
	}
}

func decodePayload(payload map[string]any, dst any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func idOrNew(id string) string {
	if strings.TrimSpace(id) == "" {
		return uuid.NewString()
	}
	return id
}
