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

	"github.com/riftwire/siemcore/store"
)

// MemThrottle is the streaming engine's in-memory last_fired[rule_id]
// [dedup_key] table, sharded to avoid one lock protecting
// every rule's throttle state.
type MemThrottle struct {
	shards []throttleShard
}

type throttleShard struct {
	mtx  sync.Mutex
	last map[string]time.Time // key = rule_id + "|" + dedup_key
}

const throttleShardCount = 32

func NewMemThrottle() *MemThrottle {
	t := &MemThrottle{shards: make([]throttleShard, throttleShardCount)}
	for i := range t.shards {
		t.shards[i].last = make(map[string]time.Time)
	}
	return t
}

func (t *MemThrottle) shardFor(key string) *throttleShard {
	h := fnv32(key)
	return &t.shards[h%uint32(len(t.shards))]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// Allow implements the throttle check: true if now-last >= throttleS
// (or this is the first fire), recording now as the new last_fired.
func (t *MemThrottle) Allow(ruleID, dedupKey string, throttleS int, now time.Time) bool {
	key := ruleID + "|" + dedupKey
	shard := t.shardFor(key)
	shard.mtx.Lock()
	defer shard.mtx.Unlock()
	last, ok := shard.last[key]
	if ok && now.Sub(last) < time.Duration(throttleS)*time.Second {
		return false
	}
	shard.last[key] = now
	return true
}

// StoreThrottle implements the scheduled engine's restart-surviving
// throttle, backed by the alerts_recent_by_dedup query
// template rather than a separate cache, since the alerts table
// already records everything needed to answer "was this dedup_key
// fired inside throttle_s."
type StoreThrottle struct {
	query QueryStore
}

// QueryStore is the subset of store.Adapter the scheduled engine and
// StoreThrottle need, declared here so tests can substitute a fake
// without a live ClickHouse connection.
type QueryStore interface {
	Query(ctx context.Context, templateName string, params map[string]any, limits store.Limits) (store.Result, error)
}

func NewStoreThrottle(q QueryStore) *StoreThrottle {
	return &StoreThrottle{query: q}
}

func (st *StoreThrottle) Allow(ctx context.Context, tenantID, ruleID, dedupKey string, throttleS int, now time.Time) (bool, error) {
	since := now.Add(-time.Duration(throttleS) * time.Second).Unix()
	res, err := st.query.Query(ctx, "alerts_recent_by_dedup", map[string]any{
		"tenant_id": tenantID,
		"rule_id":   ruleID,
		"dedup_key": dedupKey,
		"since":     since,
	}, store.DefaultLimits())
	if err != nil {
		return false, fmt.Errorf("detect: throttle query: %w", err)
	}
	return len(res.Rows) == 0, nil
}
