/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ratelimit provides a sharded, per-tenant token-bucket limiter
// for the ingestion gateway. Idle tenants are evicted so the map does
// not grow unbounded across a long-lived node's lifetime.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const numShards = 32

// Config controls the token-bucket parameters applied to every tenant.
type Config struct {
	RefillPerSec float64
	Burst        int
	IdleTTL      time.Duration
}

// DefaultConfig: refill 2/s, burst 10, 5 minute idle TTL.
func DefaultConfig() Config {
	return Config{RefillPerSec: 2, Burst: 10, IdleTTL: 5 * time.Minute}
}

type entry struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

type shard struct {
	mtx sync.Mutex
	m   map[string]*entry
}

// TenantLimiter is a lock-striped map[tenantID]*rate.Limiter. Striping
// across shards keeps lock contention low under many concurrently
// ingesting tenants, the same tradeoff the srcrouter CIDR
// tree makes by sharding on the lookup key's hash.
type TenantLimiter struct {
	cfg    Config
	shards [numShards]*shard
}

func New(cfg Config) *TenantLimiter {
	tl := &TenantLimiter{cfg: cfg}
	for i := range tl.shards {
		tl.shards[i] = &shard{m: make(map[string]*entry)}
	}
	return tl
}

func (tl *TenantLimiter) shardFor(tenant string) *shard {
	var h uint32
	for i := 0; i < len(tenant); i++ {
		h = h*31 + uint32(tenant[i])
	}
	return tl.shards[h%numShards]
}

func (tl *TenantLimiter) limiterFor(tenant string) *rate.Limiter {
	sh := tl.shardFor(tenant)
	now := time.Now()

	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	e, ok := sh.m[tenant]
	if !ok {
		e = &entry{lim: rate.NewLimiter(rate.Limit(tl.cfg.RefillPerSec), tl.cfg.Burst)}
		sh.m[tenant] = e
	}
	e.lastUsed = now
	return e.lim
}

// Allow reports whether an event for tenant may proceed immediately.
func (tl *TenantLimiter) Allow(tenant string) bool {
	return tl.limiterFor(tenant).Allow()
}

// Reserve returns the delay the caller should wait (e.g. for a
// Retry-After header) before the next token is available for tenant.
func (tl *TenantLimiter) Reserve(tenant string) time.Duration {
	r := tl.limiterFor(tenant).Reserve()
	if !r.OK() {
		return tl.cfg.IdleTTL
	}
	d := r.Delay()
	r.Cancel()
	return d
}

// EvictIdle removes tenant entries that have not been touched within
// the configured IdleTTL. Callers run this on a ticker; it is safe to
// call concurrently with Allow/Reserve.
func (tl *TenantLimiter) EvictIdle() (evicted int) {
	cutoff := time.Now().Add(-tl.cfg.IdleTTL)
	for _, sh := range tl.shards {
		sh.mtx.Lock()
		for k, e := range sh.m {
			if e.lastUsed.Before(cutoff) {
				delete(sh.m, k)
				evicted++
			}
		}
		sh.mtx.Unlock()
	}
	return
}

// Len returns the total number of tracked tenants, across all shards.
func (tl *TenantLimiter) Len() int {
	n := 0
	for _, sh := range tl.shards {
		sh.mtx.Lock()
		n += len(sh.m)
		sh.mtx.Unlock()
	}
	return n
}
