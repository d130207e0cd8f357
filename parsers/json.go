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

	"github.com/gravwell/jsonparser"
)

// JSONParser handles a single flat or nested JSON object per line.
// Nested objects/arrays are flattened with a dotted key path. Built on
// jsonparser's walk callbacks rather than a full unmarshal, so a large
// event is scanned once without materializing an intermediate tree.
type JSONParser struct{}

func (*JSONParser) Type() Type { return TypeJSON }

func (*JSONParser) Parse(raw []byte) ParseResult {
	fields := make(map[string]string)
	if err := flattenJSONObject(raw, "", fields); err != nil {
		return ParseResult{Err: fmt.Errorf("json parse: %w", err)}
	}
	confidence := 5
	if len(fields) == 0 {
		confidence = 1
	}
	return ParseResult{Fields: fields, Confidence: confidence}
}

// flattenJSONObject walks one object's keys, recursing into nested
// objects and arrays with a dotted path prefix. ObjectEach rejects any
// top-level value that is not an object, which is also this parser's
// contract: an event line must be a JSON object.
func flattenJSONObject(data []byte, prefix string, out map[string]string) error {
	return jsonparser.ObjectEach(data, func(key, value []byte, dt jsonparser.ValueType, _ int) error {
		k := string(key)
		if prefix != "" {
			k = prefix + "." + k
		}
		return flattenJSONValue(k, value, dt, out)
	})
}

func flattenJSONValue(key string, value []byte, dt jsonparser.ValueType, out map[string]string) error {
	switch dt {
	case jsonparser.Object:
		return flattenJSONObject(value, key, out)
	case jsonparser.Array:
		var cbErr error
		i := 0
		_, err := jsonparser.ArrayEach(value, func(v []byte, vdt jsonparser.ValueType, _ int, _ error) {
			if cbErr != nil {
				return
			}
			cbErr = flattenJSONValue(fmt.Sprintf("%s.%d", key, i), v, vdt, out)
			i++
		})
		if err != nil {
			return err
		}
		return cbErr
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return err
		}
		out[key] = s
	case jsonparser.Null:
		out[key] = ""
	default:
		// numbers and booleans keep their literal text
		out[key] = string(value)
	}
	return nil
}
