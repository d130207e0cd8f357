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
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/riftwire/siemcore/broker"
	"github.com/riftwire/siemcore/ingest/entry"
	"github.com/riftwire/siemcore/ingest/log"
	"github.com/riftwire/siemcore/store"
)

// AlertStore is the subset of store.Adapter the streaming and
// scheduled engines need to persist detection output.
type AlertStore interface {
	InsertAlerts(ctx context.Context, alerts []store.Alert) error
}

// compiledRule pairs a Rule with its pre-parsed predicate so the
// streaming engine never re-lexes a rule's expression per event.
type compiledRule struct {
	Rule
	pred *Predicate
}

// StreamingEngine evaluates live events: one instance runs per
// events.parsed partition, evaluating every enabled streaming rule for
// the event's tenant in catalog order (serial, to keep ordering
// semantics simple), publishing to the alerts topic and storing via
// AlertStore.
type StreamingEngine struct {
	catalog  *Catalog
	windows  *WindowStore
	throttle *MemThrottle
	alerts   AlertStore
	pub      broker.Publisher
	lg       *log.Logger
	groupID  string

	rulesByTenant map[string][]compiledRule
}

// NewStreamingEngine compiles every enabled streaming rule's predicate
// once at construction. A rule whose predicate fails to compile is
// logged and excluded rather than crashing engine startup.
func NewStreamingEngine(catalog *Catalog, alerts AlertStore, pub broker.Publisher, lg *log.Logger, groupID string) *StreamingEngine {
	e := &StreamingEngine{
		catalog:       catalog,
		windows:       NewWindowStore(),
		throttle:      NewMemThrottle(),
		alerts:        alerts,
		pub:           pub,
		lg:            lg,
		groupID:       groupID,
		rulesByTenant: make(map[string][]compiledRule),
	}
	for _, r := range catalog.All() {
		if r.EngineType != EngineStreaming {
			// Rule isolation: a streaming engine never evaluates a
			// scheduled rule, just logs and skips it.
			e.lg.Warn("streaming engine skipping non-streaming rule", log.Kv("rule_id", r.RuleID), log.Kv("engine_type", r.EngineType))
			continue
		}
		if !r.Enabled {
			continue
		}
		pred, err := CompilePredicate(r.Query)
		if err != nil {
			e.lg.Error("failed to compile streaming rule predicate, skipping rule", log.Kv("rule_id", r.RuleID), log.Kv("error", err))
			continue
		}
		e.rulesByTenant[r.TenantID] = append(e.rulesByTenant[r.TenantID], compiledRule{Rule: r, pred: pred})
	}
	return e
}

// Run subscribes to events.parsed and evaluates every incoming event
// against its tenant's streaming rules.
func (e *StreamingEngine) Run(ctx context.Context, sub broker.Subscriber) error {
	return sub.Run(ctx, e.groupID, []string{broker.TopicEventsParsed}, e.handle)
}

func (e *StreamingEngine) handle(ctx context.Context, msg broker.ConsumedMessage) error {
	var ev entry.CanonicalEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		e.lg.Error("failed to decode parsed event, skipping", log.Kv("error", err))
		return msg.Commit(ctx)
	}

	fields := fieldsFromEvent(&ev)
	now := time.Now().UTC()
	var fired []store.Alert

	for _, rule := range e.rulesByTenant[ev.TenantID] {
		if !rule.pred.Match(fields) {
			continue
		}
		if rule.IsStateful {
			al, ok := e.evaluateStateful(rule, fields, ev, now)
			if ok {
				fired = append(fired, al)
			}
			continue
		}
		al, ok := e.emit(rule.Rule, fields, []string{ev.EventID.String()}, now)
		if ok {
			fired = append(fired, al)
		}
	}

	if len(fired) > 0 {
		if err := e.alerts.InsertAlerts(ctx, fired); err != nil {
			e.lg.Error("failed to store streaming alerts", log.Kv("error", err))
			return err
		}
		e.publishAlerts(ctx, fired)
	}
	return msg.Commit(ctx)
}

// evaluateStateful implements the stateful rule: increment the
// aggregate_on window, and on count >= threshold emit (subject to
// throttling). The counter is never reset after emission — only the
// throttle map suppresses further alerts within throttle_s.
func (e *StreamingEngine) evaluateStateful(rule compiledRule, fields Fields, ev entry.CanonicalEvent, now time.Time) (store.Alert, bool) {
	if rule.Stateful == nil {
		e.lg.Error("stateful rule missing stateful_config, skipping", log.Kv("rule_id", rule.RuleID))
		return store.Alert{}, false
	}
	aggKey := aggregateKey(rule.Stateful.AggregateOn, fields)
	count := e.windows.Increment(rule.RuleID, aggKey, rule.Stateful.WindowS, now)
	if count < rule.Stateful.Threshold {
		return store.Alert{}, false
	}
	return e.emit(rule.Rule, fields, []string{ev.EventID.String()}, now)
}

// emit computes the dedup key, applies throttling, and builds the
// Alert record if the rule is allowed to fire.
func (e *StreamingEngine) emit(rule Rule, fields Fields, eventIDs []string, now time.Time) (store.Alert, bool) {
	dedupKey, err := EvalAlertKeyExpr(rule.AlertKeyExpr, fields)
	if err != nil {
		e.lg.Error("failed to evaluate alert_key_expr, skipping", log.Kv("rule_id", rule.RuleID), log.Kv("error", err))
		return store.Alert{}, false
	}
	if !e.throttle.Allow(rule.RuleID, dedupKey, rule.ThrottleS, now) {
		return store.Alert{}, false
	}
	return store.Alert{
		AlertID:  uuid.NewString(),
		TenantID: rule.TenantID,
		RuleID:   rule.RuleID,
		RuleName: rule.Name,
		Severity: rule.Severity,
		Status:   "open",
		AlertTS:  now.Unix(),
		EventIDs: eventIDs,
		DedupKey: dedupKey,
		Context:  map[string]string{"engine": "streaming"},
	}, true
}

func (e *StreamingEngine) publishAlerts(ctx context.Context, alerts []store.Alert) {
	for _, al := range alerts {
		payload, err := json.Marshal(al)
		if err != nil {
			e.lg.Warn("failed to encode alert for publish", log.Kv("alert_id", al.AlertID), log.Kv("error", err))
			continue
		}
		msg := broker.Message{Topic: broker.TopicAlerts, Key: al.TenantID, Value: payload}
		if err := e.pub.Publish(ctx, msg); err != nil {
			e.lg.Warn("failed to publish alert", log.Kv("alert_id", al.AlertID), log.Kv("error", err))
		}
	}
}

// aggregateKey concatenates the configured aggregate_on field values.
func aggregateKey(aggregateOn []string, fields Fields) string {
	parts := make([]string, len(aggregateOn))
	for i, f := range aggregateOn {
		parts[i] = fields[f]
	}
	return strings.Join(parts, "|")
}

// fieldsFromEvent flattens a CanonicalEvent into the string map
// predicates and alert_key_expr evaluate against.
func fieldsFromEvent(ev *entry.CanonicalEvent) Fields {
	f := Fields{
		"tenant_id":         ev.TenantID,
		"source_ip":         ev.SourceIP,
		"source_type":       ev.SourceType,
		"raw_event":         ev.RawEvent,
		"parsing_status":    string(ev.ParsingStatus),
		"event_category":    ev.EventCategory,
		"event_outcome":     ev.EventOutcome,
		"event_action":      ev.EventAction,
		"threat_risk_level": string(ev.ThreatRiskLevel),
		"threat_score":      strconv.FormatFloat(float64(ev.ThreatScore), 'f', -1, 32),
		"is_threat":         fmt.Sprintf("%v", ev.IsThreat),
		"dest_ip":           ev.Network.DestIP,
		"protocol":          ev.Network.Protocol,
		"hostname":          ev.Host.Hostname,
		"username":          ev.Auth.Username,
		"url":               ev.Web.URL,
		"file_hash":         ev.File.FileHash,
		"process_name":      ev.Process.ProcessName,
	}
	for k, v := range ev.AdditionalFields {
		if _, exists := f[k]; !exists {
			f[k] = v
		}
	}
	return f
}
