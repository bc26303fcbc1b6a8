package repo

import (
	"context"
	"strings"

	"arcline/internal/domain"
)

const maxTimelineIntents = 500

// Timeline reconstructs the causal tree of every intent created at or after
// since, newest first. Child rows are loaded with one query per table and
// joined in memory on their foreign keys.
func (r Repo) Timeline(ctx context.Context, since string, limit int) ([]domain.TimelineEntry, error) {
	if limit <= 0 || limit > maxTimelineIntents {
		limit = maxTimelineIntents
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,actor_type,actor_id,intent_type,intent_text,context,created_at
FROM intent_log WHERE created_at >= ? ORDER BY created_at DESC, id DESC LIMIT ?`), since, limit)
	if err != nil {
		return nil, err
	}
	var entries []domain.TimelineEntry
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, domain.TimelineEntry{Intent: in, Actions: []domain.ActionTrace{}, Impacts: []domain.Impact{}})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(entries) == 0 {
		return []domain.TimelineEntry{}, nil
	}

	intentIDs := make([]any, 0, len(entries))
	byIntent := make(map[string]int, len(entries))
	for i, e := range entries {
		intentIDs = append(intentIDs, e.ID)
		byIntent[e.ID] = i
	}

	actions, err := r.actionsForIntents(ctx, intentIDs)
	if err != nil {
		return nil, err
	}
	actionIDs := make([]any, 0, len(actions))
	for _, a := range actions {
		actionIDs = append(actionIDs, a.ID)
	}
	results, err := r.resultsForActions(ctx, actionIDs)
	if err != nil {
		return nil, err
	}
	resultsByAction := make(map[string][]domain.Result)
	for _, res := range results {
		resultsByAction[res.ActionID] = append(resultsByAction[res.ActionID], res)
	}
	for _, a := range actions {
		idx, ok := byIntent[a.IntentID]
		if !ok {
			continue
		}
		trace := domain.ActionTrace{Action: a, Results: resultsByAction[a.ID]}
		if trace.Results == nil {
			trace.Results = []domain.Result{}
		}
		entries[idx].Actions = append(entries[idx].Actions, trace)
	}

	impacts, err := r.impactsForIntents(ctx, intentIDs)
	if err != nil {
		return nil, err
	}
	for _, im := range impacts {
		if idx, ok := byIntent[im.IntentID]; ok {
			entries[idx].Impacts = append(entries[idx].Impacts, im)
		}
	}
	return entries, nil
}

func (r Repo) actionsForIntents(ctx context.Context, ids []any) ([]domain.Action, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,intent_id,action_type,action_target,request,cost_usd,status,created_at
FROM action_log WHERE intent_id IN (`+placeholders(len(ids))+`) ORDER BY created_at, id`), ids...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) resultsForActions(ctx context.Context, ids []any) ([]domain.Result, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,action_id,output,error,latency_ms,created_at
FROM result_log WHERE action_id IN (`+placeholders(len(ids))+`) ORDER BY created_at, id`), ids...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Result
	for rows.Next() {
		item, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func (r Repo) impactsForIntents(ctx context.Context, ids []any) ([]domain.Impact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,intent_id,impact_type,impact_score,impact,created_at
FROM impact_log WHERE intent_id IN (`+placeholders(len(ids))+`) ORDER BY created_at, id`), ids...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Impact
	for rows.Next() {
		im, err := scanImpact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, im)
	}
	return res, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
