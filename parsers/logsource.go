/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package parsers

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/asergeyev/nradix"
)

// LogSource is the (tenant_id, source_ip)
// pair that lets a consumer pick a parser without brute-forcing the
// chain.
type LogSource struct {
	SourceID   string
	TenantID   string
	Name       string
	SourceType Type
	SourceIP   string // single IP or CIDR
}

// LogSourceIndex resolves a source address to both a tenant (used by
// gateway.TenantResolver for syslog transports) and a parser Type
// (used by the consumer pipeline), backed by one nradix tree per
// tenant plus a negative-result LRU cache for misses (100k entries,
// 5 minute TTL).
type LogSourceIndex struct {
	trees map[string]*nradix.Tree // tenant_id -> CIDR tree of *LogSource
	all   *nradix.Tree            // global tree for ResolveTenant regardless of tenant
	neg   *lru.Cache[string, time.Time]
	negTTL time.Duration
}

const negCacheSize = 100_000

// NewLogSourceIndex builds an index from a flat list of LogSources,
// the way a catalog refresh cycle would rebuild it from the admin API
// every 5 minutes.
func NewLogSourceIndex(sources []LogSource) (*LogSourceIndex, error) {
	idx := &LogSourceIndex{
		trees:  make(map[string]*nradix.Tree),
		all:    nradix.NewTree(32),
		negTTL: 5 * time.Minute,
	}
	cache, err := lru.New[string, time.Time](negCacheSize)
	if err != nil {
		return nil, fmt.Errorf("parsers: allocate negative cache: %w", err)
	}
	idx.neg = cache

	for i := range sources {
		src := sources[i]
		tree, ok := idx.trees[src.TenantID]
		if !ok {
			tree = nradix.NewTree(32)
			idx.trees[src.TenantID] = tree
		}
		if err := tree.AddCIDR(normalizeCIDR(src.SourceIP), &sources[i]); err != nil {
			return nil, fmt.Errorf("parsers: add log source %s: %w", src.SourceIP, err)
		}
		if err := idx.all.AddCIDR(normalizeCIDR(src.SourceIP), src.TenantID); err != nil {
			return nil, fmt.Errorf("parsers: add global source %s: %w", src.SourceIP, err)
		}
	}
	return idx, nil
}

// normalizeCIDR allows a bare IP in SourceIP by widening it to a /32
// (or /128), since nradix.AddCIDR requires CIDR notation.
func normalizeCIDR(ip string) string {
	for _, c := range ip {
		if c == '/' {
			return ip
		}
	}
	if hasColon(ip) {
		return ip + "/128"
	}
	return ip + "/32"
}

func hasColon(s string) bool {
	for _, c := range s {
		if c == ':' {
			return true
		}
	}
	return false
}

// Lookup resolves sourceAddr for tenantID. A hit returns the matching
// LogSource; a miss is recorded in the negative cache so repeated
// misses from the same (unmapped) address don't keep walking every
// tenant's tree.
func (idx *LogSourceIndex) Lookup(tenantID, sourceAddr string) (*LogSource, bool) {
	cacheKey := tenantID + "|" + sourceAddr
	if ts, ok := idx.neg.Get(cacheKey); ok {
		if time.Since(ts) < idx.negTTL {
			return nil, false
		}
		idx.neg.Remove(cacheKey)
	}

	tree, ok := idx.trees[tenantID]
	if !ok {
		idx.neg.Add(cacheKey, time.Now())
		return nil, false
	}
	v, err := tree.FindCIDR(sourceAddr)
	if err != nil || v == nil {
		idx.neg.Add(cacheKey, time.Now())
		return nil, false
	}
	src, ok := v.(*LogSource)
	if !ok {
		idx.neg.Add(cacheKey, time.Now())
		return nil, false
	}
	return src, true
}

// ResolveTenant implements gateway.TenantResolver: it finds whichever
// tenant owns sourceAddr, independent of which tenant's tree it lives
// in, for use by the unauthenticated UDP/TCP syslog transports.
func (idx *LogSourceIndex) ResolveTenant(sourceAddr string) (string, bool) {
	v, err := idx.all.FindCIDR(sourceAddr)
	if err != nil || v == nil {
		return "", false
	}
	tenantID, ok := v.(string)
	return tenantID, ok
}
