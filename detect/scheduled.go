/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/riftwire/siemcore/ingest/log"
	"github.com/riftwire/siemcore/store"
)

const (
	defaultScheduleEvery    = 5 * time.Minute
	defaultWindowLookback   = time.Hour
	defaultRuleConcurrency  = 4
)

// ScheduledEngine runs one goroutine per enabled scheduled rule,
// each on its own ticker, executing the rule's
// allow-listed query template and mapping result rows 1:1 to alerts.
type ScheduledEngine struct {
	catalog   *Catalog
	query     QueryStore
	alerts    AlertStore
	throttle  *StoreThrottle
	lg        *log.Logger
}

func NewScheduledEngine(catalog *Catalog, query QueryStore, alerts AlertStore, lg *log.Logger) *ScheduledEngine {
	return &ScheduledEngine{
		catalog:  catalog,
		query:    query,
		alerts:   alerts,
		throttle: NewStoreThrottle(query),
		lg:       lg,
	}
}

// Run starts one ticker-driven goroutine per enabled scheduled rule
// and blocks until ctx is cancelled. A rule whose engine_type is not
// scheduled is logged and skipped; the two engines never process each
// other's rules.
func (e *ScheduledEngine) Run(ctx context.Context) error {
	grp, gctx := errgroup.WithContext(ctx)

	for _, r := range e.catalog.All() {
		rule := r
		if rule.EngineType != EngineScheduled {
			e.lg.Warn("scheduled engine skipping non-scheduled rule", log.Kv("rule_id", rule.RuleID), log.Kv("engine_type", rule.EngineType))
			continue
		}
		if !rule.Enabled {
			continue
		}
		if rule.ScheduleEvery <= 0 {
			rule.ScheduleEvery = defaultScheduleEvery
		}
		if rule.WindowLookback <= 0 {
			rule.WindowLookback = defaultWindowLookback
		}
		if rule.Concurrency <= 0 {
			rule.Concurrency = defaultRuleConcurrency
		}
		grp.Go(func() error {
			return e.runRule(gctx, rule)
		})
	}
	return grp.Wait()
}

// runRule drives one rule's cadence. A slow query does not stall the
// cadence: each tick evaluates in its own goroutine, bounded by the
// rule's own concurrency cap so one pathological rule can hold at
// most Concurrency store queries open at a time.
func (e *ScheduledEngine) runRule(ctx context.Context, rule Rule) error {
	ticker := time.NewTicker(rule.ScheduleEvery)
	defer ticker.Stop()
	sem := make(chan struct{}, rule.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if err := e.evaluateOnce(ctx, rule); err != nil {
					e.lg.Error("scheduled rule evaluation failed", log.Kv("rule_id", rule.RuleID), log.Kv("error", err))
				}
			}()
		}
	}
}

// evaluateOnce executes rule.Query (an allow-listed template name)
// against the store and maps each result row 1:1 to an Alert.
// Result rows are expected to carry source_ip/event_ids-shaped
// columns; a row missing the fields alert_key_expr references simply
// dedups to an empty key rather than erroring the whole cycle.
func (e *ScheduledEngine) evaluateOnce(ctx context.Context, rule Rule) error {
	now := time.Now().UTC()
	since := now.Add(-rule.WindowLookback).Unix()

	params := map[string]any{
		"tenant_id": rule.TenantID,
		"since":     since,
	}
	for k, v := range rule.QueryParams {
		// tenant_id and since are always the engine's values; a rule
		// cannot rebind them to read outside its own tenant or window.
		if _, reserved := params[k]; !reserved {
			params[k] = v
		}
	}

	res, err := e.query.Query(ctx, rule.Query, params, store.DefaultLimits())
	if err != nil {
		return fmt.Errorf("detect: scheduled query %s: %w", rule.Query, err)
	}

	var toStore []store.Alert
	for _, row := range res.Rows {
		fields := fieldsFromRow(row)
		dedupKey, err := EvalAlertKeyExpr(rule.AlertKeyExpr, fields)
		if err != nil {
			e.lg.Error("failed to evaluate alert_key_expr for scheduled rule", log.Kv("rule_id", rule.RuleID), log.Kv("error", err))
			continue
		}
		allowed, err := e.throttle.Allow(ctx, rule.TenantID, rule.RuleID, dedupKey, rule.ThrottleS, now)
		if err != nil {
			e.lg.Error("throttle check failed for scheduled rule", log.Kv("rule_id", rule.RuleID), log.Kv("error", err))
			continue
		}
		if !allowed {
			continue
		}
		toStore = append(toStore, store.Alert{
			AlertID:  uuid.NewString(),
			TenantID: rule.TenantID,
			RuleID:   rule.RuleID,
			RuleName: rule.Name,
			Severity: rule.Severity,
			Status:   "open",
			AlertTS:  now.Unix(),
			EventIDs: eventIDsFromRow(row),
			DedupKey: dedupKey,
			Context:  map[string]string{"engine": "scheduled"},
		})
	}

	if len(toStore) == 0 {
		return nil
	}
	return e.alerts.InsertAlerts(ctx, toStore)
}

func fieldsFromRow(row map[string]any) Fields {
	f := make(Fields, len(row))
	for k, v := range row {
		f[k] = fmt.Sprintf("%v", v)
	}
	return f
}

// eventIDsFromRow extracts the event_ids column, accepting either a []string (ClickHouse groupArray result) or a
// single event_id string for single-row query shapes.
func eventIDsFromRow(row map[string]any) []string {
	if raw, ok := row["event_ids"]; ok {
		if ids, ok := raw.([]string); ok {
			return ids
		}
	}
	if id, ok := row["event_id"]; ok {
		return []string{fmt.Sprintf("%v", id)}
	}
	return nil
}
