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

	"github.com/gravwell/syslogparser/rfc3164"
	"github.com/gravwell/syslogparser/rfc5424"
)

// Syslog5424Parser decodes structured RFC5424 syslog lines into
// canonical fields.
type Syslog5424Parser struct{}

func (*Syslog5424Parser) Type() Type { return TypeSyslogRFC5424 }

func (*Syslog5424Parser) Parse(raw []byte) ParseResult {
	p := rfc5424.NewParser(raw)
	if err := p.Parse(); err != nil {
		return ParseResult{Err: fmt.Errorf("rfc5424 parse: %w", err)}
	}
	dump := p.Dump()
	fields := make(map[string]string, len(dump))
	for k, v := range dump {
		fields[k] = fmt.Sprintf("%v", v)
	}
	confidence := 5
	if fields["hostname"] == "" && fields["app_name"] == "" {
		confidence = 2
	}
	return ParseResult{Fields: fields, Confidence: confidence}
}

// Syslog3164Parser wraps the gravwell/syslogparser fork for
// legacy BSD-style (RFC3164) syslog lines.
type Syslog3164Parser struct{}

func (*Syslog3164Parser) Type() Type { return TypeSyslogRFC3164 }

func (*Syslog3164Parser) Parse(raw []byte) ParseResult {
	p := rfc3164.NewParser(raw)
	if err := p.Parse(); err != nil {
		return ParseResult{Err: fmt.Errorf("rfc3164 parse: %w", err)}
	}
	dump := p.Dump()
	fields := make(map[string]string, len(dump))
	for k, v := range dump {
		fields[k] = fmt.Sprintf("%v", v)
	}
	confidence := 4
	if _, ok := dump["content"]; !ok {
		confidence = 2
	}
	return ParseResult{Fields: fields, Confidence: confidence}
}
