package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"arcline/internal/causal"
	"arcline/internal/db"
	"arcline/internal/domain"
)

const defaultTimelineLimit = 500

func registerCausal(api huma.API, cfg Config) {
	logger := cfg.Causal

	huma.Register(api, huma.Operation{
		OperationID:   "log-intent",
		Method:        http.MethodPost,
		Path:          "/causal/intents",
		Summary:       "Record an intent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateIntentRequest `json:"body"`
	}) (*struct {
		Body IDResponse `json:"body"`
	}, error) {
		raw, err := marshalOptional(input.Body.Context)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid context", nil)
		}
		id, err := logger.LogIntent(ctx, causal.IntentInput{
			ActorType:  domain.ActorType(input.Body.ActorType),
			ActorID:    input.Body.ActorID,
			IntentType: input.Body.IntentType,
			IntentText: input.Body.IntentText,
			Context:    raw,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IDResponse `json:"body"`
		}{Body: IDResponse{ID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "log-action",
		Method:        http.MethodPost,
		Path:          "/causal/intents/{intent_id}/actions",
		Summary:       "Record an action taken for an intent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		IntentID string              `path:"intent_id"`
		Body     CreateActionRequest `json:"body"`
	}) (*struct {
		Body IDResponse `json:"body"`
	}, error) {
		raw, err := marshalOptional(input.Body.Request)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid request payload", nil)
		}
		id, err := logger.LogAction(ctx, causal.ActionInput{
			IntentID:     input.IntentID,
			ActionType:   input.Body.ActionType,
			ActionTarget: input.Body.ActionTarget,
			Request:      raw,
			CostUSD:      input.Body.CostUSD,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IDResponse `json:"body"`
		}{Body: IDResponse{ID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-action-status",
		Method:      http.MethodPatch,
		Path:        "/causal/actions/{action_id}/status",
		Summary:     "Set the status of an action",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ActionID string                    `path:"action_id"`
		Body     UpdateActionStatusRequest `json:"body"`
	}) (*struct {
		Body ActionStatusResponse `json:"body"`
	}, error) {
		if err := logger.UpdateActionStatus(ctx, input.ActionID, domain.ActionStatus(input.Body.Status)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionStatusResponse `json:"body"`
		}{Body: ActionStatusResponse{ID: input.ActionID, Status: input.Body.Status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "log-result",
		Method:        http.MethodPost,
		Path:          "/causal/actions/{action_id}/results",
		Summary:       "Record the result of an action",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ActionID string              `path:"action_id"`
		Body     CreateResultRequest `json:"body"`
	}) (*struct {
		Body IDResponse `json:"body"`
	}, error) {
		raw, err := marshalOptional(input.Body.Output)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid output", nil)
		}
		id, err := logger.LogResult(ctx, causal.ResultInput{
			ActionID:  input.ActionID,
			Output:    raw,
			Error:     input.Body.Error,
			LatencyMS: input.Body.LatencyMS,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IDResponse `json:"body"`
		}{Body: IDResponse{ID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "log-impact",
		Method:        http.MethodPost,
		Path:          "/causal/intents/{intent_id}/impacts",
		Summary:       "Record an impact of an intent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		IntentID string              `path:"intent_id"`
		Body     CreateImpactRequest `json:"body"`
	}) (*struct {
		Body IDResponse `json:"body"`
	}, error) {
		raw, err := marshalOptional(input.Body.Impact)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid impact", nil)
		}
		id, err := logger.LogImpact(ctx, causal.ImpactInput{
			IntentID:    input.IntentID,
			ImpactType:  input.Body.ImpactType,
			ImpactScore: input.Body.ImpactScore,
			Impact:      raw,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IDResponse `json:"body"`
		}{Body: IDResponse{ID: id}}, nil
	})
}

func registerTimeline(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "causal-timeline",
		Method:      http.MethodGet,
		Path:        "/causal/timeline",
		Summary:     "Intents in a time window with their actions, results and impacts",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Minutes int `query:"minutes" default:"60" minimum:"1" maximum:"10080"`
	}) (*struct {
		Body TimelineResponse `json:"body"`
	}, error) {
		if err := requireTimelineAccess(ctx, cfg.Causal); err != nil {
			return nil, err
		}
		since := db.FormatTime(time.Now().Add(-time.Duration(input.Minutes) * time.Minute))
		items, err := cfg.Repo.Timeline(ctx, since, defaultTimelineLimit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.TimelineEntry{}
		}
		return &struct {
			Body TimelineResponse `json:"body"`
		}{Body: TimelineResponse{WindowMinutes: input.Minutes, Since: since, Items: items}}, nil
	})
}
