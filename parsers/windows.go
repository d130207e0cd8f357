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

// winEventField matches the "Key: Value" lines XML-rendered and
// plain-text Windows Event Log exports share once flattened to a
// single line by the collection agent's winevent collector.
var winEventField = regexp.MustCompile(`([A-Za-z][A-Za-z0-9 _]*?):\s*([^,]+?)(?:,|$)`)

// WindowsParser handles the flattened text form of a Windows Event Log
// record forwarded by agent.ChannelCollector (XML attributes rendered
// as "Key: Value, Key: Value, ...").
type WindowsParser struct{}

func (*WindowsParser) Type() Type { return TypeWindows }

func (*WindowsParser) Parse(raw []byte) ParseResult {
	matches := winEventField.FindAllSubmatch(raw, -1)
	if len(matches) == 0 {
		return ParseResult{Err: fmt.Errorf("windows parse: no Key: Value fields found")}
	}
	fields := make(map[string]string, len(matches))
	for _, m := range matches {
		fields[string(m[1])] = string(m[2])
	}
	confidence := 2
	if _, ok := fields["EventID"]; ok {
		confidence = 5
	} else if _, ok := fields["Event ID"]; ok {
		confidence = 5
	}
	return ParseResult{Fields: fields, Confidence: confidence}
}
