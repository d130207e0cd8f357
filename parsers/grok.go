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
	"strings"
)

// namedCapture matches a %{PATTERN:name} grok directive.
var namedCapture = regexp.MustCompile(`%\{([A-Z0-9_]+)(?::([A-Za-z0-9_.]+))?\}`)

// grokBuiltins is a small built-in pattern library, enough to cover
// the common fields TaxonomyMapping and FieldAliasMap reference.
// Tenant-authored grok patterns compose these into named capture
// groups.
var grokBuiltins = map[string]string{
	"IP":        `\d{1,3}(?:\.\d{1,3}){3}`,
	"HOSTNAME":  `[A-Za-z0-9._-]+`,
	"WORD":      `\w+`,
	"NUMBER":    `\d+`,
	"DATA":      `.*?`,
	"GREEDYDATA": `.*`,
	"QUOTEDSTRING": `"[^"]*"`,
}

// CompileGrok translates a grok pattern (a string containing
// %{PATTERN:field} directives over grokBuiltins) into a Go regexp
// with named capture groups: compile once, index capture groups by
// name.
func CompileGrok(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	last := 0
	for _, loc := range namedCapture.FindAllStringSubmatchIndex(pattern, -1) {
		sb.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		builtin := pattern[loc[2]:loc[3]]
		var name string
		if loc[4] != -1 {
			name = pattern[loc[4]:loc[5]]
		}
		sub, ok := grokBuiltins[builtin]
		if !ok {
			return nil, fmt.Errorf("grok: unknown pattern %%{%s}", builtin)
		}
		if name != "" {
			sb.WriteString(fmt.Sprintf("(?P<%s>%s)", name, sub))
		} else {
			sb.WriteString(fmt.Sprintf("(?:%s)", sub))
		}
		last = loc[1]
	}
	sb.WriteString(regexp.QuoteMeta(pattern[last:]))
	return regexp.Compile(sb.String())
}

// GrokParser evaluates a tenant-authored grok pattern, compiled once
// at catalog-load time.
type GrokParser struct {
	Pattern string
	re      *regexp.Regexp
}

// NewGrokParser compiles pattern immediately so a bad tenant pattern
// fails at catalog load rather than at parse time.
func NewGrokParser(pattern string) (*GrokParser, error) {
	re, err := CompileGrok(pattern)
	if err != nil {
		return nil, err
	}
	return &GrokParser{Pattern: pattern, re: re}, nil
}

func (*GrokParser) Type() Type { return TypeGrok }

func (g *GrokParser) Parse(raw []byte) ParseResult {
	m := g.re.FindSubmatch(raw)
	if m == nil {
		return ParseResult{Err: fmt.Errorf("grok parse: pattern did not match")}
	}
	fields := make(map[string]string)
	for i, name := range g.re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		fields[name] = string(m[i])
	}
	confidence := 2
	if len(fields) > 0 {
		confidence = 5
	}
	return ParseResult{Fields: fields, Confidence: confidence}
}
