/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftwire/siemcore/ingest/entry"
)

func TestThreatScoreTorExitNode(t *testing.T) {
	// Scenario S5: Tor exit node IOC scores 7.0 and lands in High.
	ti, err := NewThreatIndex([]IOC{
		{Indicator: "185.220.100.240", Kind: KindIP, Category: "tor_exit", Score: 7.0, Source: "test-feed"},
	})
	require.NoError(t, err)

	ev := entry.NewCanonicalEvent("tenantA", "185.220.100.240", "json", `{"a":1}`, 100, 100)
	ti.ApplyTo(&ev)

	assert.True(t, ev.IsThreat)
	assert.InDelta(t, 7.0, ev.ThreatScore, 0.01)
	assert.Equal(t, entry.RiskHigh, ev.ThreatRiskLevel)
}

func TestThreatScoreNoHitsStaysNone(t *testing.T) {
	ti, err := NewThreatIndex(nil)
	require.NoError(t, err)

	ev := entry.NewCanonicalEvent("tenantA", "8.8.8.8", "json", `{"a":1}`, 100, 100)
	ti.ApplyTo(&ev)

	assert.False(t, ev.IsThreat)
	assert.Equal(t, entry.RiskNone, ev.ThreatRiskLevel)
}

func TestThreatScoreKeywordIncrements(t *testing.T) {
	ti, err := NewThreatIndex(nil)
	require.NoError(t, err)

	score, hits := ti.Score(Inputs{RawEvent: "detected malware and phishing attempt"})
	assert.InDelta(t, 7.0, score, 0.01) // 3.0 malware + 4.0 phishing
	assert.Len(t, hits, 2)
}

func TestThreatScoreCombinesIPAndKeyword(t *testing.T) {
	ti, err := NewThreatIndex([]IOC{
		{Indicator: "1.2.3.4", Kind: KindIP, Category: "botnet", Score: 2.0},
	})
	require.NoError(t, err)
	score, _ := ti.Score(Inputs{SourceIP: "1.2.3.4", RawEvent: "exploit attempt seen"})
	assert.InDelta(t, 5.0, score, 0.01) // 2.0 + 3.0
}

func TestRiskLevelThresholds(t *testing.T) {
	cases := []struct {
		score float32
		want  entry.RiskLevel
	}{
		{0, entry.RiskNone},
		{0.5, entry.RiskLow},
		{3, entry.RiskMedium},
		{6, entry.RiskHigh},
		{8, entry.RiskCritical},
		{10, entry.RiskCritical},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, entry.RiskLevelForScore(c.score))
	}
}

func TestExtractDomainFromURL(t *testing.T) {
	assert.Equal(t, "evil.example.com", extractDomain("https://evil.example.com/path?q=1"))
	assert.Equal(t, "bare-domain.test", extractDomain("bare-domain.test"))
	assert.Equal(t, "", extractDomain(""))
}

func TestThreatIndexRefreshIsAtomic(t *testing.T) {
	ti, err := NewThreatIndex([]IOC{{Indicator: "1.1.1.1", Kind: KindIP, Score: 1}})
	require.NoError(t, err)
	_, ok := ti.lookupIP("1.1.1.1")
	require.True(t, ok)

	require.NoError(t, ti.Refresh([]IOC{{Indicator: "2.2.2.2", Kind: KindIP, Score: 1}}))
	_, ok = ti.lookupIP("1.1.1.1")
	assert.False(t, ok, "old indicator should be gone after refresh")
	_, ok = ti.lookupIP("2.2.2.2")
	assert.True(t, ok)
}
