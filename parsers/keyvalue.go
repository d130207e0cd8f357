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

// kvPattern matches key=value pairs where value is either a quoted
// string or a bare token, the common shape of firewall/NetFlow-style
// log lines.
var kvPattern = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_.-]*)=("([^"]*)"|(\S+))`)

// KeyValueParser extracts key=value pairs from a single line.
type KeyValueParser struct{}

func (*KeyValueParser) Type() Type { return TypeKeyValue }

func (*KeyValueParser) Parse(raw []byte) ParseResult {
	matches := kvPattern.FindAllSubmatch(raw, -1)
	if len(matches) == 0 {
		return ParseResult{Err: fmt.Errorf("key_value parse: no key=value pairs found")}
	}
	fields := make(map[string]string, len(matches))
	for _, m := range matches {
		key := string(m[1])
		val := string(m[3])
		if val == "" {
			val = string(m[4])
		}
		fields[key] = val
	}
	confidence := 3
	if len(matches) >= 4 {
		confidence = 4
	}
	return ParseResult{Fields: fields, Confidence: confidence}
}
