/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package enrich implements the threat-intel correlation and scoring
// stage: an in-memory IOC index queried per event
// for source/destination IPs, URL-extracted domains, and file hashes,
// plus a fixed-increment keyword scan of the raw payload.
package enrich

import (
	"strings"
	"sync/atomic"

	"github.com/asergeyev/nradix"
)

// Kind classifies what an IOC indicator is.
type Kind string

const (
	KindIP      Kind = "ip"
	KindDomain  Kind = "domain"
	KindURL     Kind = "url"
	KindHash    Kind = "hash"
	KindKeyword Kind = "keyword"
)

// IOC is one threat-intel indicator of compromise.
type IOC struct {
	Indicator string
	Kind      Kind
	Category  string
	Score     float32
	Source    string
}

// keywordIncrements are the fixed score contributions for a
// raw_event keyword hit, independent of any IOC index match.
var keywordIncrements = map[string]float32{
	"malware":  3.0,
	"exploit":  3.0,
	"phishing": 4.0,
}

// index is the immutable, swappable snapshot of loaded indicators.
type index struct {
	ipTree  *nradix.Tree // IP/CIDR -> *IOC
	domains map[string]*IOC
	hashes  map[string]*IOC
}

// ThreatIndex holds the loaded IOC indicators, refreshed
// periodically. Readers never lock: Refresh swaps an atomic pointer,
// the same catalog-hot-reload pattern parsers.Catalog uses.
type ThreatIndex struct {
	ptr atomic.Pointer[index]
}

// NewThreatIndex builds an index from a flat IOC list.
func NewThreatIndex(iocs []IOC) (*ThreatIndex, error) {
	ti := &ThreatIndex{}
	if err := ti.Refresh(iocs); err != nil {
		return nil, err
	}
	return ti, nil
}

// Refresh atomically replaces the loaded indicator set.
func (ti *ThreatIndex) Refresh(iocs []IOC) error {
	idx := &index{
		ipTree:  nradix.NewTree(32),
		domains: make(map[string]*IOC),
		hashes:  make(map[string]*IOC),
	}
	for i := range iocs {
		ioc := iocs[i]
		switch ioc.Kind {
		case KindIP:
			if err := idx.ipTree.AddCIDR(normalizeCIDR(ioc.Indicator), &iocs[i]); err != nil {
				return err
			}
		case KindDomain, KindURL:
			idx.domains[strings.ToLower(ioc.Indicator)] = &iocs[i]
		case KindHash:
			idx.hashes[strings.ToLower(ioc.Indicator)] = &iocs[i]
		}
	}
	ti.ptr.Store(idx)
	return nil
}

func normalizeCIDR(ip string) string {
	for _, c := range ip {
		if c == '/' {
			return ip
		}
	}
	return ip + "/32"
}

func (ti *ThreatIndex) lookupIP(ip string) (*IOC, bool) {
	if ip == "" {
		return nil, false
	}
	idx := ti.ptr.Load()
	v, err := idx.ipTree.FindCIDR(ip)
	if err != nil || v == nil {
		return nil, false
	}
	ioc, ok := v.(*IOC)
	return ioc, ok
}

func (ti *ThreatIndex) lookupDomain(domain string) (*IOC, bool) {
	idx := ti.ptr.Load()
	ioc, ok := idx.domains[strings.ToLower(domain)]
	return ioc, ok
}

func (ti *ThreatIndex) lookupHash(hash string) (*IOC, bool) {
	idx := ti.ptr.Load()
	ioc, ok := idx.hashes[strings.ToLower(hash)]
	return ioc, ok
}
