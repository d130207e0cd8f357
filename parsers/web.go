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

// apacheCombined matches the Apache/NCSA "combined" log format:
// host ident authuser [date] "request" status bytes "referer" "agent"
var apacheCombined = regexp.MustCompile(
	`^(\S+) (\S+) (\S+) \[([^\]]+)\] "([A-Z]+) (\S+) (\S+)" (\d{3}) (\S+)(?: "([^"]*)" "([^"]*)")?`)

// ApacheParser parses Apache/NCSA combined-format access log lines.
type ApacheParser struct{}

func (*ApacheParser) Type() Type { return TypeApache }

func (*ApacheParser) Parse(raw []byte) ParseResult {
	m := apacheCombined.FindSubmatch(raw)
	if m == nil {
		return ParseResult{Err: fmt.Errorf("apache parse: line does not match combined log format")}
	}
	fields := map[string]string{
		"client_ip":   string(m[1]),
		"ident":       string(m[2]),
		"auth_user":   string(m[3]),
		"timestamp":   string(m[4]),
		"method":      string(m[5]),
		"url":         string(m[6]),
		"http_version": string(m[7]),
		"status":      string(m[8]),
		"bytes":       string(m[9]),
	}
	if len(m) > 11 {
		fields["referer"] = string(m[10])
		fields["user_agent"] = string(m[11])
	}
	return ParseResult{Fields: fields, Confidence: 5}
}

// nginxCombined is structurally identical to Apache combined format in
// the default nginx access_log configuration; nginx-specific deployments
// that customize log_format would register a custom grok/regex parser
// instead, per ParserDefinition.
var nginxCombined = apacheCombined

// NginxParser parses the default nginx combined access log format.
type NginxParser struct{}

func (*NginxParser) Type() Type { return TypeNginx }

func (*NginxParser) Parse(raw []byte) ParseResult {
	m := nginxCombined.FindSubmatch(raw)
	if m == nil {
		return ParseResult{Err: fmt.Errorf("nginx parse: line does not match combined log format")}
	}
	fields := map[string]string{
		"client_ip":    string(m[1]),
		"ident":        string(m[2]),
		"auth_user":    string(m[3]),
		"timestamp":    string(m[4]),
		"method":       string(m[5]),
		"url":          string(m[6]),
		"http_version": string(m[7]),
		"status":       string(m[8]),
		"bytes":        string(m[9]),
	}
	if len(m) > 11 {
		fields["referer"] = string(m[10])
		fields["user_agent"] = string(m[11])
	}
	return ParseResult{Fields: fields, Confidence: 5}
}
