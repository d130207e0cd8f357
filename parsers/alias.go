/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package parsers

import "strings"

// AliasRule is one row of the three-tier FieldAliasMap:
// source-specific, parser-specific, or global, each keyed by alias and
// carrying a priority used to break ties within its own tier.
type AliasRule struct {
	Alias    string
	Field    string
	Priority int
}

// AliasResolver implements the three-tier, priority-within-tier,
// case-insensitive resolution: source takes precedence over parser,
// which takes precedence over global.
type AliasResolver struct {
	// sourceTier[sourceName][lower(alias)] -> highest-priority rule
	sourceTier map[string]map[string]AliasRule
	parserTier map[string]map[string]AliasRule
	globalTier map[string]AliasRule
}

// NewAliasResolver indexes rules into their tiers, keeping only the
// highest-priority rule per (tier, key, alias) so lookup is O(1).
func NewAliasResolver(source, parser map[string][]AliasRule, global []AliasRule) *AliasResolver {
	r := &AliasResolver{
		sourceTier: make(map[string]map[string]AliasRule),
		parserTier: make(map[string]map[string]AliasRule),
		globalTier: make(map[string]AliasRule),
	}
	for name, rules := range source {
		r.sourceTier[strings.ToLower(name)] = indexByAlias(rules)
	}
	for name, rules := range parser {
		r.parserTier[strings.ToLower(name)] = indexByAlias(rules)
	}
	r.globalTier = indexByAlias(global)
	return r
}

func indexByAlias(rules []AliasRule) map[string]AliasRule {
	out := make(map[string]AliasRule, len(rules))
	for _, rule := range rules {
		key := strings.ToLower(rule.Alias)
		if existing, ok := out[key]; !ok || rule.Priority > existing.Priority {
			out[key] = rule
		}
	}
	return out
}

// Resolve maps alias to a canonical field name, checking source-tier
// first (keyed by the LogSource's Name), then parser-tier (keyed by
// parser Type), then global. All comparisons are case-insensitive on
// both alias and the tier keys.
func (r *AliasResolver) Resolve(sourceName string, parserType Type, alias string) (string, bool) {
	key := strings.ToLower(alias)
	if tier, ok := r.sourceTier[strings.ToLower(sourceName)]; ok {
		if rule, ok := tier[key]; ok {
			return rule.Field, true
		}
	}
	if tier, ok := r.parserTier[strings.ToLower(string(parserType))]; ok {
		if rule, ok := tier[key]; ok {
			return rule.Field, true
		}
	}
	if rule, ok := r.globalTier[key]; ok {
		return rule.Field, true
	}
	return "", false
}

// Canonicalize resolves every extracted field, routing unmapped keys
// into additional rather than dropping them.
func (r *AliasResolver) Canonicalize(sourceName string, parserType Type, extracted map[string]string) (mapped map[string]string, additional map[string]string) {
	mapped = make(map[string]string)
	additional = make(map[string]string)
	for alias, val := range extracted {
		if field, ok := r.Resolve(sourceName, parserType, alias); ok {
			mapped[field] = val
		} else {
			additional[alias] = val
		}
	}
	return
}
