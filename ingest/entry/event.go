/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package entry

import "github.com/google/uuid"

// ParsingStatus records the outcome of the parse stage for an event.
type ParsingStatus string

const (
	ParsingSuccess ParsingStatus = "success"
	ParsingPartial ParsingStatus = "partial"
	ParsingFailed  ParsingStatus = "failed"
)

// RiskLevel is the coarse threat bucket derived from ThreatScore.
type RiskLevel string

const (
	RiskNone     RiskLevel = "None"
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

const unknownTaxonomy = "Unknown"

// NetworkFields holds the open set of network-domain attributes a
// parser may extract. Fields left unset are omitted from columnar
// storage rather than written as zero values.
type NetworkFields struct {
	DestIP     string `json:"dest_ip,omitempty"`
	DestPort   int    `json:"dest_port,omitempty"`
	SrcPort    int    `json:"src_port,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
	BytesIn    int64  `json:"bytes_in,omitempty"`
	BytesOut   int64  `json:"bytes_out,omitempty"`
}

// HostFields holds host/asset-domain attributes.
type HostFields struct {
	Hostname string `json:"hostname,omitempty"`
	OS       string `json:"os,omitempty"`
	AssetID  string `json:"asset_id,omitempty"`
}

// ProcessFields holds process-domain attributes.
type ProcessFields struct {
	ProcessID   int    `json:"process_id,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
	CommandLine string `json:"command_line,omitempty"`
	ParentPID   int    `json:"parent_pid,omitempty"`
}

// FileFields holds file-domain attributes.
type FileFields struct {
	FilePath string `json:"file_path,omitempty"`
	FileHash string `json:"file_hash,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// WebFields holds HTTP/web-domain attributes.
type WebFields struct {
	URL            string `json:"url,omitempty"`
	HTTPStatusCode int    `json:"http_status_code,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	Method         string `json:"method,omitempty"`
}

// AuthFields holds authentication-domain attributes.
type AuthFields struct {
	Username string `json:"username,omitempty"`
	AuthType string `json:"auth_type,omitempty"`
}

// SecurityFields holds security-product-domain attributes.
type SecurityFields struct {
	SignatureID string `json:"signature_id,omitempty"`
	RuleName    string `json:"rule_name,omitempty"`
}

// CanonicalEvent is the authoritative record produced by the parsing
// consumers,
// stored in the columnar store and republished to the events.parsed
// topic for the streaming detection engine.
type CanonicalEvent struct {
	// Identity
	EventID    uuid.UUID `json:"event_id"`
	TenantID   string    `json:"tenant_id"`
	EventTS    int64     `json:"event_ts"`  // unix seconds
	IngestTS   int64     `json:"ingest_ts"` // unix seconds
	SourceIP   string    `json:"source_ip"`
	SourceType string    `json:"source_type"`
	RawEvent   string    `json:"raw_event"`

	// Parsing state
	ParsingStatus ParsingStatus `json:"parsing_status"`
	ParseErrorMsg string        `json:"parse_error_msg,omitempty"`

	// Taxonomy
	EventCategory string `json:"event_category"`
	EventOutcome  string `json:"event_outcome"`
	EventAction   string `json:"event_action"`

	// Threat
	IsThreat         bool      `json:"is_threat"`
	ThreatScore      float32   `json:"threat_score"`
	ThreatRiskLevel  RiskLevel `json:"threat_risk_level"`
	ThreatCategory   string    `json:"threat_category,omitempty"`
	ThreatSummary    string    `json:"threat_summary,omitempty"`

	Network NetworkFields  `json:"network,omitempty"`
	Host    HostFields     `json:"host,omitempty"`
	Process ProcessFields  `json:"process,omitempty"`
	File    FileFields     `json:"file,omitempty"`
	Web     WebFields      `json:"web,omitempty"`
	Auth    AuthFields     `json:"auth,omitempty"`
	Sec     SecurityFields `json:"security,omitempty"`

	AdditionalFields map[string]string `json:"additional_fields,omitempty"`
}

// NewCanonicalEvent builds an event with taxonomy defaults and a fresh
// event_id, preserving the zero-rejection contract: raw is always kept
// verbatim regardless of what happens downstream.
func NewCanonicalEvent(tenantID, sourceIP, sourceType, raw string, eventTS, ingestTS int64) CanonicalEvent {
	return CanonicalEvent{
		EventID:          uuid.New(),
		TenantID:         tenantID,
		EventTS:          eventTS,
		IngestTS:         ingestTS,
		SourceIP:         sourceIP,
		SourceType:       sourceType,
		RawEvent:         raw,
		ParsingStatus:    ParsingSuccess,
		EventCategory:    unknownTaxonomy,
		EventOutcome:     unknownTaxonomy,
		EventAction:      unknownTaxonomy,
		ThreatRiskLevel:  RiskNone,
		AdditionalFields: map[string]string{},
	}
}

// ClampEventTS rejects event timestamps ahead of ingest time by more
// than the clock-skew tolerance, falling back to ingest_ts. Old
// timestamps pass through untouched; late-arriving logs are normal.
func (e *CanonicalEvent) ClampEventTS(skewTolerance int64) {
	if e.EventTS > e.IngestTS+skewTolerance {
		e.EventTS = e.IngestTS
	}
}

// MarkFailed implements the zero-rejection contract: the event is kept
// with the raw payload intact, tagged failed, with a reason attached.
func (e *CanonicalEvent) MarkFailed(reason string) {
	e.ParsingStatus = ParsingFailed
	e.ParseErrorMsg = reason
}

// SetTaxonomy applies a first-match-wins classification; callers only
// invoke this once a TaxonomyMapping has matched.
func (e *CanonicalEvent) SetTaxonomy(category, outcome, action string) {
	e.EventCategory = category
	e.EventOutcome = outcome
	e.EventAction = action
}

// RiskLevelForScore buckets a threat score into its risk level.
func RiskLevelForScore(score float32) RiskLevel {
	switch {
	case score >= 8:
		return RiskCritical
	case score >= 6:
		return RiskHigh
	case score >= 3:
		return RiskMedium
	case score > 0:
		return RiskLow
	default:
		return RiskNone
	}
}
