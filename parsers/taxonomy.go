/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package parsers

import "strings"

// TaxonomyMapping is a substring test against one field that, on a
// hit, sets the three taxonomy attributes.
type TaxonomyMapping struct {
	SourceType    Type
	FieldToCheck  string
	ValueToMatch  string
	EventCategory string
	EventOutcome  string
	EventAction   string
}

// Taxonomy implements first-match-wins substring classification,
// scoped to mappings whose SourceType matches.
type Taxonomy struct {
	bySource map[Type][]TaxonomyMapping
}

func NewTaxonomy(mappings []TaxonomyMapping) *Taxonomy {
	t := &Taxonomy{bySource: make(map[Type][]TaxonomyMapping)}
	for _, m := range mappings {
		t.bySource[m.SourceType] = append(t.bySource[m.SourceType], m)
	}
	return t
}

// Classify checks every mapping for parserType in declared order and
// returns the first match's (category, outcome, action). The field
// lookup is case-insensitive on the mapping's field name; the
// substring test is case-insensitive on the value.
func (t *Taxonomy) Classify(parserType Type, fields map[string]string) (category, outcome, action string, matched bool) {
	lowerFields := make(map[string]string, len(fields))
	for k, v := range fields {
		lowerFields[strings.ToLower(k)] = v
	}
	for _, m := range t.bySource[parserType] {
		val, ok := lowerFields[strings.ToLower(m.FieldToCheck)]
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(val), strings.ToLower(m.ValueToMatch)) {
			return m.EventCategory, m.EventOutcome, m.EventAction, true
		}
	}
	return "", "", "", false
}
