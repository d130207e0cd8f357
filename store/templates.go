/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package store

// insertEventsSQL is the one and only INSERT statement this package
// ever issues; its column order must track appendEventRow exactly.
const insertEventsSQL = `INSERT INTO events (
	event_id, tenant_id, event_ts, ingest_ts, source_ip, source_type,
	raw_event, parsing_status, parse_error_msg, event_category,
	event_outcome, event_action, is_threat, threat_score,
	threat_risk_level, threat_category, threat_summary,
	src_port, dest_ip, dest_port, protocol, bytes_in, bytes_out,
	hostname, os, asset_id, process_id, process_name, command_line,
	parent_pid, file_path, file_hash, file_size, url,
	http_status_code, user_agent, method, username, auth_type,
	signature_id, rule_name, additional_fields
) VALUES`

// QueryTemplate is one allow-listed, named SQL statement. Rules and UI
// callers never provide SQL text — only a template name plus named
// parameters bound through clickhouse.Named; user-typed SQL never
// reaches execution.
type QueryTemplate struct {
	Name   string
	SQL    string
	Params []string // required named parameters, for validation
}

// templates is the allow-list, seeded with the compiled entries below.
// A rule query is added either here or through RegisterTemplate at
// process start, which validates it first; queries run only by template
// name, never from SQL text passed at query time.
var templates = map[string]QueryTemplate{
	"events_by_category_outcome": {
		Name: "events_by_category_outcome",
		SQL: `SELECT source_ip, count() AS cnt, groupArray(event_id) AS event_ids
		      FROM events
		      WHERE tenant_id = @tenant_id
		        AND event_category = @event_category
		        AND event_outcome = @event_outcome
		        AND event_ts > @since
		      GROUP BY source_ip
		      HAVING cnt > @min_count`,
		Params: []string{"tenant_id", "event_category", "event_outcome", "since", "min_count"},
	},
	"events_since": {
		Name: "events_since",
		SQL: `SELECT event_id, source_ip, raw_event, event_ts
		      FROM events
		      WHERE tenant_id = @tenant_id AND event_ts > @since
		      ORDER BY event_ts`,
		Params: []string{"tenant_id", "since"},
	},
	"alerts_recent_by_dedup": {
		Name: "alerts_recent_by_dedup",
		SQL: `SELECT alert_id, alert_ts
		      FROM alerts
		      WHERE tenant_id = @tenant_id
		        AND rule_id = @rule_id
		        AND dedup_key = @dedup_key
		        AND alert_ts > @since
		      ORDER BY alert_ts DESC
		      LIMIT 1`,
		Params: []string{"tenant_id", "rule_id", "dedup_key", "since"},
	},
}

// LookupTemplate resolves name against the compiled allow-list.
func LookupTemplate(name string) (QueryTemplate, bool) {
	t, ok := templates[name]
	return t, ok
}

// RegisterTemplate adds a scheduled rule's query to the allow-list at
// process start (rules are validated and compiled in, never executed
// as raw ad-hoc SQL at request time). Re-registering an existing name
// overwrites it, so a rule edit followed by a restart picks up the new
// template. The query is run through ValidateTemplateSQL first; a
// rule whose query fails validation is never added to the allow-list.
func RegisterTemplate(t QueryTemplate) error {
	if err := ValidateTemplateSQL(t.SQL); err != nil {
		return err
	}
	templates[t.Name] = t
	return nil
}
