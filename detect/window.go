/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package detect

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// window is one stateful rule's sliding aggregate for a single
// aggregate_key: a count that increments on every match
// and an expiry timestamp refreshed on every increment.
type window struct {
	count     int
	expiresAt time.Time
}

// WindowStore holds every stateful rule's LRU-bounded window set,
// keyed by (rule_id, aggregate_key); an entry expires window_s after
// its last increment. A StreamingEngine owns one WindowStore shared by
// all of its partition handlers, so every access goes through mtx.
type WindowStore struct {
	mtx    sync.Mutex
	cache  *lru.Cache[string, *window]
}

const defaultWindowCapacity = 100_000

func NewWindowStore() *WindowStore {
	c, _ := lru.New[string, *window](defaultWindowCapacity)
	return &WindowStore{cache: c}
}

// Increment bumps the (ruleID, aggregateKey) window's counter, resets
// its expiry to windowS from now, and returns the new count. A key
// that has aged out (its prior expiresAt is in the past) starts over
// at 1 rather than carrying a stale count forward.
func (ws *WindowStore) Increment(ruleID, aggregateKey string, windowS int, now time.Time) int {
	key := ruleID + "|" + aggregateKey
	ws.mtx.Lock()
	defer ws.mtx.Unlock()

	w, ok := ws.cache.Get(key)
	if !ok || now.After(w.expiresAt) {
		w = &window{count: 0}
	}
	w.count++
	w.expiresAt = now.Add(time.Duration(windowS) * time.Second)
	ws.cache.Add(key, w)
	return w.count
}

// EvictExpired drops every window whose expiry has passed. It runs only
// when its owner calls it; nothing in this repository calls it on a
// ticker, and Increment restarts an expired window at 1 either way.
func (ws *WindowStore) EvictExpired(now time.Time) {
	ws.mtx.Lock()
	defer ws.mtx.Unlock()
	for _, key := range ws.cache.Keys() {
		w, ok := ws.cache.Peek(key)
		if ok && now.After(w.expiresAt) {
			ws.cache.Remove(key)
		}
	}
}
