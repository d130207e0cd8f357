/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Alert is one detection-output row bound for the alerts table.
type Alert struct {
	AlertID  string
	TenantID string
	RuleID   string
	RuleName string
	Severity string
	Status   string
	AlertTS  int64
	EventIDs []string
	DedupKey string
	Context  map[string]string
}

const insertAlertsSQL = `INSERT INTO alerts (
	alert_id, tenant_id, rule_id, rule_name, severity, status,
	alert_ts, event_ids, dedup_key, context
) VALUES`

// InsertAlerts batch-writes detection output. Both engines call this
// after an alert is deduplicated/throttled; it shares InsertEvents'
// atomic-per-batch and retry behavior.
func (a *Adapter) InsertAlerts(ctx context.Context, alerts []Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	if a.rw == nil {
		return fmt.Errorf("store: no write connection configured")
	}
	op := func() error {
		batch, err := a.rw.PrepareBatch(ctx, insertAlertsSQL)
		if err != nil {
			return fmt.Errorf("%w: prepare alert batch: %v", ErrTransient, err)
		}
		for _, al := range alerts {
			ctxJSON, err := json.Marshal(al.Context)
			if err != nil {
				return fmt.Errorf("store: marshal alert context: %w", err)
			}
			if err := batch.Append(
				al.AlertID, al.TenantID, al.RuleID, al.RuleName, al.Severity,
				al.Status, uint32(al.AlertTS), al.EventIDs, al.DedupKey, string(ctxJSON),
			); err != nil {
				return fmt.Errorf("store: append alert %s: %w", al.AlertID, err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("%w: send alert batch: %v", ErrTransient, err)
		}
		return nil
	}
	return a.retryTransient(op)
}
