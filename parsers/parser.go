/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package parsers implements format detection and canonicalization
// stage: a tagged-variant Parser interface with one implementation per
// source type, a LogSource index that picks a parser without brute
// force, field-alias resolution, and taxonomy classification.
package parsers

import "fmt"

// Type identifies a parser family, matching ParserDefinition.type.
type Type string

const (
	TypeJSON           Type = "json"
	TypeSyslogRFC3164   Type = "syslog_rfc3164"
	TypeSyslogRFC5424   Type = "syslog_rfc5424"
	TypeWindows         Type = "windows"
	TypeApache          Type = "apache"
	TypeNginx           Type = "nginx"
	TypeKeyValue        Type = "key_value"
	TypeGrok            Type = "grok"
	TypeRegex           Type = "regex"
)

// DefaultChain is the fallback parser order tried when a LogSource
// lookup misses.
var DefaultChain = []Type{
	TypeJSON, TypeSyslogRFC5424, TypeSyslogRFC3164, TypeKeyValue,
	TypeWindows, TypeApache, TypeNginx,
}

// MinConfidence is the threshold below which a parse result is
// treated as partial and a fallback chain tries the next parser.
const MinConfidence = 3

// ParseResult is what every Parser.Parse implementation returns: the
// extracted alias->value fields, a 1-5 confidence score, and an error
// that (if non-nil) always still carries whatever fields were
// extracted before failure, to keep the caller's zero-rejection
// contract intact.
type ParseResult struct {
	Fields     map[string]string
	Confidence int
	Err        error
}

// Parser is the tagged-variant parsing interface: one
// Parse(bytes) function per format, no dynamic-dispatch class
// hierarchy.
type Parser interface {
	Type() Type
	Parse(raw []byte) ParseResult
}

// Registry maps a Type to its Parser implementation.
type Registry map[Type]Parser

// NewDefaultRegistry wires every built-in parser. GrokParser and
// RegexParser instances come from a tenant's ParserDefinition and are
// added by the caller via WithCustom, since their pattern is
// admin-supplied.
func NewDefaultRegistry() Registry {
	return Registry{
		TypeJSON:         &JSONParser{},
		TypeSyslogRFC3164: &Syslog3164Parser{},
		TypeSyslogRFC5424: &Syslog5424Parser{},
		TypeKeyValue:     &KeyValueParser{},
		TypeWindows:      &WindowsParser{},
		TypeApache:       &ApacheParser{},
		TypeNginx:        &NginxParser{},
	}
}

// Get looks up a parser by type; ok is false for an unknown or
// not-yet-registered (e.g. a tenant grok/regex parser not loaded)
// type.
func (r Registry) Get(t Type) (Parser, bool) {
	p, ok := r[t]
	return p, ok
}

// RunChain tries each type in chain in order, stopping at the first
// result whose confidence meets MinConfidence and did not error. If
// every parser in the chain fails or stays low-confidence, the last
// attempted result is returned so the caller can still mark the event
// parsing_status=failed with a useful parse_error_msg rather than
// silently picking an arbitrary low-confidence guess.
func (r Registry) RunChain(chain []Type, raw []byte) (Type, ParseResult) {
	var last ParseResult
	var lastType Type
	for _, t := range chain {
		p, ok := r.Get(t)
		if !ok {
			continue
		}
		res := p.Parse(raw)
		last, lastType = res, t
		if res.Err == nil && res.Confidence >= MinConfidence {
			return t, res
		}
	}
	if last.Fields == nil {
		last.Err = fmt.Errorf("parsers: no parser in chain of %d produced a usable result", len(chain))
	}
	return lastType, last
}
