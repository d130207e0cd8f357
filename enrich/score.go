/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package enrich

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/riftwire/siemcore/ingest/entry"
)

// Inputs bundles the fields correlated against the IOC index:
// source/destination IP, any URL (its host is extracted as
// a domain), and a file hash.
type Inputs struct {
	SourceIP      string
	DestinationIP string
	URL           string
	FileHash      string
	RawEvent      string
}

// Hit records which indicator contributed to a score, for
// ThreatSummary/ThreatCategory construction.
type Hit struct {
	Indicator string
	Kind      Kind
	Category  string
	Score     float32
}

var keywordPattern = regexp.MustCompile(`(?i)malware|exploit|phishing`)

// Score runs threat enrichment: IOC correlation across source_ip,
// destination_ip, URL-derived domain, and file hash, each
// contributing its configured score, plus a fixed-increment keyword
// scan of raw_event. The total is then bucketed into a RiskLevel.
func (ti *ThreatIndex) Score(in Inputs) (score float32, hits []Hit) {
	if ioc, ok := ti.lookupIP(in.SourceIP); ok {
		score += ioc.Score
		hits = append(hits, Hit{Indicator: ioc.Indicator, Kind: ioc.Kind, Category: ioc.Category, Score: ioc.Score})
	}
	if ioc, ok := ti.lookupIP(in.DestinationIP); ok {
		score += ioc.Score
		hits = append(hits, Hit{Indicator: ioc.Indicator, Kind: ioc.Kind, Category: ioc.Category, Score: ioc.Score})
	}
	if domain := extractDomain(in.URL); domain != "" {
		if ioc, ok := ti.lookupDomain(domain); ok {
			score += ioc.Score
			hits = append(hits, Hit{Indicator: ioc.Indicator, Kind: ioc.Kind, Category: ioc.Category, Score: ioc.Score})
		}
	}
	if in.FileHash != "" {
		if ioc, ok := ti.lookupHash(in.FileHash); ok {
			score += ioc.Score
			hits = append(hits, Hit{Indicator: ioc.Indicator, Kind: ioc.Kind, Category: ioc.Category, Score: ioc.Score})
		}
	}

	seenKw := make(map[string]bool)
	for _, kw := range keywordPattern.FindAllString(in.RawEvent, -1) {
		lower := strings.ToLower(kw)
		if seenKw[lower] {
			continue
		}
		seenKw[lower] = true
		if inc, ok := keywordIncrements[lower]; ok {
			score += inc
			hits = append(hits, Hit{Indicator: lower, Kind: KindKeyword, Category: "keyword", Score: inc})
		}
	}
	return score, hits
}

func extractDomain(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL // caller passed a bare domain, not a full URL
	}
	return u.Hostname()
}

// ApplyTo mutates ev in place with the outcome of Score: is_threat,
// threat_score, threat_risk_level, threat_category, threat_summary.
// It never errors — a lookup miss or empty input simply contributes
// nothing; enrichment problems degrade to defaults rather than
// dropping the event.
func (ti *ThreatIndex) ApplyTo(ev *entry.CanonicalEvent) {
	score, hits := ti.Score(Inputs{
		SourceIP:      ev.SourceIP,
		DestinationIP: ev.Network.DestIP,
		URL:           ev.Web.URL,
		FileHash:      ev.File.FileHash,
		RawEvent:      ev.RawEvent,
	})
	ev.ThreatScore = score
	ev.ThreatRiskLevel = entry.RiskLevelForScore(score)
	ev.IsThreat = score > 0
	if len(hits) > 0 {
		cats := make([]string, 0, len(hits))
		seen := make(map[string]bool)
		for _, h := range hits {
			if !seen[h.Category] {
				seen[h.Category] = true
				cats = append(cats, h.Category)
			}
		}
		ev.ThreatCategory = strings.Join(cats, ",")
		ev.ThreatSummary = summarize(hits)
	}
}

func summarize(hits []Hit) string {
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		parts = append(parts, string(h.Kind)+":"+h.Indicator)
	}
	return strings.Join(parts, "; ")
}
