/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package parsers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONParser(t *testing.T) {
	p := &JSONParser{}
	res := p.Parse([]byte(`{"user":"alice","status":"failed"}`))
	require.NoError(t, res.Err)
	assert.Equal(t, "alice", res.Fields["user"])
	assert.Equal(t, "failed", res.Fields["status"])
	assert.GreaterOrEqual(t, res.Confidence, 3)
}

func TestJSONParserFlattensNested(t *testing.T) {
	p := &JSONParser{}
	res := p.Parse([]byte(`{"net":{"src":"10.0.0.1","ports":[80,443]},"ok":true,"note":null}`))
	require.NoError(t, res.Err)
	assert.Equal(t, "10.0.0.1", res.Fields["net.src"])
	assert.Equal(t, "80", res.Fields["net.ports.0"])
	assert.Equal(t, "443", res.Fields["net.ports.1"])
	assert.Equal(t, "true", res.Fields["ok"])
	assert.Equal(t, "", res.Fields["note"])
}

func TestJSONParserRejectsGarbage(t *testing.T) {
	p := &JSONParser{}
	res := p.Parse([]byte("<@#$%^ unparseable"))
	assert.Error(t, res.Err)
}

func TestKeyValueParser(t *testing.T) {
	p := &KeyValueParser{}
	res := p.Parse([]byte(`src=10.1.1.1 dst=10.2.2.2 action="failed login" user=bob`))
	require.NoError(t, res.Err)
	assert.Equal(t, "10.1.1.1", res.Fields["src"])
	assert.Equal(t, "failed login", res.Fields["action"])
	assert.Equal(t, "bob", res.Fields["user"])
}

func TestApacheParser(t *testing.T) {
	p := &ApacheParser{}
	line := `127.0.0.1 - frank [10/Oct/2000:13:55:36 -0700] "GET /apache_pb.gif HTTP/1.0" 200 2326 "-" "Mozilla/4.08"`
	res := p.Parse([]byte(line))
	require.NoError(t, res.Err)
	assert.Equal(t, "200", res.Fields["status"])
	assert.Equal(t, "GET", res.Fields["method"])
	assert.Equal(t, 5, res.Confidence)
}

func TestRunChainFallsThroughToNextParser(t *testing.T) {
	reg := NewDefaultRegistry()
	ty, res := reg.RunChain(DefaultChain, []byte(`key=value another=thing third="quoted value"`))
	// not valid JSON, not syslog — key_value should eventually win
	assert.Equal(t, TypeKeyValue, ty)
	require.NoError(t, res.Err)
	assert.Equal(t, "value", res.Fields["key"])
}

func TestRunChainAllFail(t *testing.T) {
	reg := NewDefaultRegistry()
	_, res := reg.RunChain([]Type{TypeJSON}, []byte("<@#$%^ unparseable"))
	assert.Error(t, res.Err)
}

func TestGrokCompileAndParse(t *testing.T) {
	p, err := NewGrokParser(`%{IP:src_ip} %{WORD:action} for %{WORD:user}`)
	require.NoError(t, err)
	res := p.Parse([]byte("10.10.10.10 failed for alice"))
	require.NoError(t, res.Err)
	assert.Equal(t, "10.10.10.10", res.Fields["src_ip"])
	assert.Equal(t, "alice", res.Fields["user"])
}

func TestGrokUnknownBuiltin(t *testing.T) {
	_, err := NewGrokParser(`%{NOPE:x}`)
	assert.Error(t, err)
}

func TestAliasResolverPrecedence(t *testing.T) {
	source := map[string][]AliasRule{
		"syslog-host-a": {{Alias: "usr", Field: "username", Priority: 1}},
	}
	parser := map[string][]AliasRule{
		"syslog_rfc3164": {{Alias: "usr", Field: "user_parser_level", Priority: 1}},
	}
	global := []AliasRule{{Alias: "usr", Field: "user_global_level", Priority: 1}}

	r := NewAliasResolver(source, parser, global)

	field, ok := r.Resolve("syslog-host-a", TypeSyslogRFC3164, "USR")
	require.True(t, ok)
	assert.Equal(t, "username", field, "source tier must win over parser and global")

	field, ok = r.Resolve("unknown-source", TypeSyslogRFC3164, "usr")
	require.True(t, ok)
	assert.Equal(t, "user_parser_level", field, "parser tier must win over global")

	field, ok = r.Resolve("unknown-source", TypeJSON, "usr")
	require.True(t, ok)
	assert.Equal(t, "user_global_level", field)
}

func TestAliasResolverPriorityWithinTier(t *testing.T) {
	global := []AliasRule{
		{Alias: "usr", Field: "low", Priority: 1},
		{Alias: "usr", Field: "high", Priority: 10},
	}
	r := NewAliasResolver(nil, nil, global)
	field, ok := r.Resolve("any", TypeJSON, "usr")
	require.True(t, ok)
	assert.Equal(t, "high", field)
}

func TestAliasResolverDeterminism(t *testing.T) {
	global := []AliasRule{{Alias: "Usr", Field: "username", Priority: 1}}
	r := NewAliasResolver(nil, nil, global)

	f1, ok1 := r.Resolve("", TypeJSON, "usr")
	f2, ok2 := r.Resolve("", TypeJSON, "USR")
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, f1, f2)
}

func TestTaxonomyFirstMatchWins(t *testing.T) {
	tax := NewTaxonomy([]TaxonomyMapping{
		{SourceType: TypeSyslogRFC3164, FieldToCheck: "raw_event", ValueToMatch: "failed for",
			EventCategory: "Authentication", EventOutcome: "Failure", EventAction: "Login.Attempt"},
		{SourceType: TypeSyslogRFC3164, FieldToCheck: "raw_event", ValueToMatch: "failed",
			EventCategory: "Other", EventOutcome: "Other", EventAction: "Other"},
	})
	cat, outcome, action, matched := tax.Classify(TypeSyslogRFC3164, map[string]string{
		"raw_event": "su: user login failed for alice",
	})
	require.True(t, matched)
	assert.Equal(t, "Authentication", cat)
	assert.Equal(t, "Failure", outcome)
	assert.Equal(t, "Login.Attempt", action)
}

func TestTaxonomyNoMatchLeavesDefaults(t *testing.T) {
	tax := NewTaxonomy([]TaxonomyMapping{
		{SourceType: TypeSyslogRFC3164, FieldToCheck: "raw_event", ValueToMatch: "nomatch",
			EventCategory: "X", EventOutcome: "Y", EventAction: "Z"},
	})
	_, _, _, matched := tax.Classify(TypeSyslogRFC3164, map[string]string{"raw_event": "unrelated text"})
	assert.False(t, matched)
}

func TestLogSourceIndexHitAndMiss(t *testing.T) {
	idx, err := NewLogSourceIndex([]LogSource{
		{SourceID: "s1", TenantID: "tenantA", Name: "host-a", SourceType: TypeSyslogRFC3164, SourceIP: "10.10.10.10"},
	})
	require.NoError(t, err)

	src, ok := idx.Lookup("tenantA", "10.10.10.10")
	require.True(t, ok)
	assert.Equal(t, "host-a", src.Name)

	_, ok = idx.Lookup("tenantA", "10.10.10.11")
	assert.False(t, ok)

	tenant, ok := idx.ResolveTenant("10.10.10.10")
	require.True(t, ok)
	assert.Equal(t, "tenantA", tenant)

	_, ok = idx.ResolveTenant("192.168.1.1")
	assert.False(t, ok)
}
