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
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftwire/siemcore/broker"
	"github.com/riftwire/siemcore/ingest/entry"
	"github.com/riftwire/siemcore/ingest/log"
	"github.com/riftwire/siemcore/store"
)

type fakeAlertStore struct {
	mtx    sync.Mutex
	alerts []store.Alert
}

func (f *fakeAlertStore) InsertAlerts(_ context.Context, alerts []store.Alert) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.alerts = append(f.alerts, alerts...)
	return nil
}

func (f *fakeAlertStore) snapshot() []store.Alert {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]store.Alert(nil), f.alerts...)
}

func TestCompilePredicateContains(t *testing.T) {
	p, err := CompilePredicate(`raw_event CONTAINS "failed"`)
	require.NoError(t, err)
	assert.True(t, p.Match(Fields{"raw_event": "login FAILED for alice"}))
	assert.False(t, p.Match(Fields{"raw_event": "login ok"}))
}

func TestCompilePredicateAndOrParens(t *testing.T) {
	p, err := CompilePredicate(`(severity = "high" OR severity = "critical") AND is_threat = "true"`)
	require.NoError(t, err)
	assert.True(t, p.Match(Fields{"severity": "high", "is_threat": "true"}))
	assert.False(t, p.Match(Fields{"severity": "low", "is_threat": "true"}))
}

func TestCompilePredicateNumericRange(t *testing.T) {
	p, err := CompilePredicate(`threat_score >= 6`)
	require.NoError(t, err)
	assert.True(t, p.Match(Fields{"threat_score": "7"}))
	assert.False(t, p.Match(Fields{"threat_score": "5"}))
}

func TestEvalAlertKeyExprCoalesce(t *testing.T) {
	key, err := EvalAlertKeyExpr(`coalesce(dest_ip, source_ip)`, Fields{"source_ip": "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", key)
}

func newParsedEventMsg(t *testing.T, ev entry.CanonicalEvent) broker.ConsumedMessage {
	t.Helper()
	buf, err := json.Marshal(ev)
	require.NoError(t, err)
	return broker.ConsumedMessage{
		Message: broker.Message{Topic: broker.TopicEventsParsed, Key: ev.TenantID, Value: buf},
		Commit:  func(context.Context) error { return nil },
	}
}

func TestStreamingEngineStatefulBruteForce(t *testing.T) {
	// Scenario S2: threshold=3 within window_s=300 fires exactly once;
	// a 4th match within throttle_s=300 fires nothing.
	rules := []Rule{{
		RuleID: "R-brute", TenantID: "tenantA", EngineType: EngineStreaming, Enabled: true,
		Query:        `raw_event CONTAINS "failed"`,
		IsStateful:   true,
		Stateful:     &StatefulConfig{AggregateOn: []string{"source_ip"}, Threshold: 3, WindowS: 300},
		ThrottleS:    300,
		AlertKeyExpr: "source_ip",
		Severity:     "high",
	}}
	cat := NewCatalog(rules)
	as := &fakeAlertStore{}
	engine := NewStreamingEngine(cat, as, broker.NewMemoryBroker(), log.NewDiscard(), "test-streaming")

	for i := 0; i < 5; i++ {
		ev := entry.NewCanonicalEvent("tenantA", "192.168.1.100", "syslog", "login failed for bob", 0, 0)
		require.NoError(t, engine.handle(context.Background(), newParsedEventMsg(t, ev)))
	}
	assert.Len(t, as.snapshot(), 1, "five matches within one window fire exactly one alert")

	ev := entry.NewCanonicalEvent("tenantA", "192.168.1.100", "syslog", "login failed again", 0, 0)
	require.NoError(t, engine.handle(context.Background(), newParsedEventMsg(t, ev)))
	assert.Len(t, as.snapshot(), 1, "a 6th match inside throttle_s must not fire a second alert")
}

func TestStreamingEngineStatelessRuleEmitsImmediately(t *testing.T) {
	rules := []Rule{{
		RuleID: "R-single", TenantID: "tenantA", EngineType: EngineStreaming, Enabled: true,
		Query: `threat_risk_level = "High"`, ThrottleS: 60, AlertKeyExpr: "source_ip", Severity: "high",
	}}
	as := &fakeAlertStore{}
	engine := NewStreamingEngine(NewCatalog(rules), as, broker.NewMemoryBroker(), log.NewDiscard(), "test-streaming")

	ev := entry.NewCanonicalEvent("tenantA", "185.220.100.240", "json", `{}`, 0, 0)
	ev.ThreatRiskLevel = entry.RiskHigh
	require.NoError(t, engine.handle(context.Background(), newParsedEventMsg(t, ev)))
	assert.Len(t, as.snapshot(), 1)
}

func TestStreamingEngineIgnoresOtherTenantRules(t *testing.T) {
	rules := []Rule{{
		RuleID: "R1", TenantID: "tenantB", EngineType: EngineStreaming, Enabled: true,
		Query: `raw_event CONTAINS "anything"`, ThrottleS: 60, AlertKeyExpr: "source_ip",
	}}
	as := &fakeAlertStore{}
	engine := NewStreamingEngine(NewCatalog(rules), as, broker.NewMemoryBroker(), log.NewDiscard(), "test-streaming")

	ev := entry.NewCanonicalEvent("tenantA", "10.0.0.1", "json", "anything goes here", 0, 0)
	require.NoError(t, engine.handle(context.Background(), newParsedEventMsg(t, ev)))
	assert.Empty(t, as.snapshot(), "tenantA events must never trigger tenantB's rules")
}

func TestStreamingEngineSkipsScheduledRules(t *testing.T) {
	rules := []Rule{{RuleID: "R-sched", TenantID: "tenantA", EngineType: EngineScheduled, Enabled: true, Query: "events_since"}}
	as := &fakeAlertStore{}
	engine := NewStreamingEngine(NewCatalog(rules), as, broker.NewMemoryBroker(), log.NewDiscard(), "test-streaming")
	assert.Empty(t, engine.rulesByTenant, "a scheduled rule must never be loaded into the streaming engine's rule set")
}

type fakeQueryStore struct {
	result store.Result
	calls  int
}

// Query enforces the same named-parameter contract the real adapter
// does: a call missing any parameter its template declares is
// rejected, so an engine that under-binds a template fails here too.
func (f *fakeQueryStore) Query(_ context.Context, templateName string, params map[string]any, _ store.Limits) (store.Result, error) {
	if tmpl, ok := store.LookupTemplate(templateName); ok {
		for _, p := range tmpl.Params {
			if _, present := params[p]; !present {
				return store.Result{}, fmt.Errorf("missing required param %q for template %s", p, templateName)
			}
		}
	}
	if templateName == "alerts_recent_by_dedup" {
		// throttle lookups see no prior alerts
		return store.Result{}, nil
	}
	f.calls++
	return f.result, nil
}

func TestScheduledEngineMapsRowsToAlerts(t *testing.T) {
	qs := &fakeQueryStore{result: store.Result{Rows: []map[string]any{
		{"source_ip": "10.10.10.10", "event_ids": []string{"e1", "e2", "e3", "e4"}},
	}}}
	as := &fakeAlertStore{}
	rule := Rule{
		RuleID: "R1", TenantID: "tenantA", EngineType: EngineScheduled, Enabled: true,
		Query: "events_by_category_outcome", AlertKeyExpr: "source_ip", ThrottleS: 600, Severity: "medium",
		QueryParams: map[string]any{
			"event_category": "Authentication",
			"event_outcome":  "Failure",
			"min_count":      3,
		},
	}
	engine := NewScheduledEngine(NewCatalog([]Rule{rule}), qs, as, log.NewDiscard())

	require.NoError(t, engine.evaluateOnce(context.Background(), rule))
	alerts := as.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, "10.10.10.10", alerts[0].DedupKey)
	assert.Len(t, alerts[0].EventIDs, 4)
}

func TestScheduledEngineRejectsUnderBoundRule(t *testing.T) {
	// a rule that never bound its template's extra params must surface
	// an error for the cycle instead of silently querying with holes
	qs := &fakeQueryStore{}
	as := &fakeAlertStore{}
	rule := Rule{
		RuleID: "R2", TenantID: "tenantA", EngineType: EngineScheduled, Enabled: true,
		Query: "events_by_category_outcome", AlertKeyExpr: "source_ip",
	}
	engine := NewScheduledEngine(NewCatalog([]Rule{rule}), qs, as, log.NewDiscard())

	require.Error(t, engine.evaluateOnce(context.Background(), rule))
	assert.Empty(t, as.snapshot())
}

func TestScheduledEngineRunSkipsStreamingRules(t *testing.T) {
	rules := []Rule{{RuleID: "R-stream", TenantID: "tenantA", EngineType: EngineStreaming, Enabled: true, Query: `x = "y"`}}
	qs := &fakeQueryStore{}
	as := &fakeAlertStore{}
	engine := NewScheduledEngine(NewCatalog(rules), qs, as, log.NewDiscard())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = engine.Run(ctx)
	assert.Zero(t, qs.calls, "a scheduled engine must never execute a streaming rule's query")
}

func TestWindowStoreIncrementAndExpire(t *testing.T) {
	ws := NewWindowStore()
	now := time.Unix(1000, 0)
	assert.Equal(t, 1, ws.Increment("R1", "10.0.0.1", 300, now))
	assert.Equal(t, 2, ws.Increment("R1", "10.0.0.1", 300, now.Add(10*time.Second)))

	later := now.Add(400 * time.Second)
	assert.Equal(t, 1, ws.Increment("R1", "10.0.0.1", 300, later), "window must reset once it has expired")
}

func TestMemThrottleAllowsOncePerWindow(t *testing.T) {
	th := NewMemThrottle()
	now := time.Unix(1000, 0)
	assert.True(t, th.Allow("R1", "10.0.0.1", 300, now))
	assert.False(t, th.Allow("R1", "10.0.0.1", 300, now.Add(10*time.Second)))
	assert.True(t, th.Allow("R1", "10.0.0.1", 300, now.Add(301*time.Second)))
}
