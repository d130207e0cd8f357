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
	"regexp"
)

// RegexParser evaluates a tenant-authored named-capture-group regular
// expression directly (ParserDefinition.type=regex), the simpler
// sibling of GrokParser for tenants that already have a raw regex
// rather than a grok pattern.
type RegexParser struct {
	Pattern string
	re      *regexp.Regexp
}

func NewRegexParser(pattern string) (*RegexParser, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("regex parser: compile: %w", err)
	}
	if len(re.SubexpNames()) <= 1 {
		return nil, fmt.Errorf("regex parser: pattern has no named capture groups")
	}
	return &RegexParser{Pattern: pattern, re: re}, nil
}

func (*RegexParser) Type() Type { return TypeRegex }

func (p *RegexParser) Parse(raw []byte) ParseResult {
	m := p.re.FindSubmatch(raw)
	if m == nil {
		return ParseResult{Err: fmt.Errorf("regex parse: pattern did not match")}
	}
	fields := make(map[string]string)
	for i, name := range p.re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		fields[name] = string(m[i])
	}
	confidence := 2
	if len(fields) > 0 {
		confidence = 4
	}
	return ParseResult{Fields: fields, Confidence: confidence}
}
