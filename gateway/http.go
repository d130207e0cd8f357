/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/riftwire/siemcore/broker"
	"github.com/riftwire/siemcore/ingest/entry"
	"github.com/riftwire/siemcore/ingest/log"
	"github.com/riftwire/siemcore/internal/ratelimit"
)

const (
	maxBatchBodyBytes = 10 << 20 // 10 MiB
	maxRawEventBytes  = 1 << 20  // 1 MiB
	maxEventsPerBatch = 10_000

	sendQueueCapacity = 10_000
	sendQueueWait     = 100 * time.Millisecond
)

var (
	ErrPayloadTooLarge = errors.New("gateway: payload exceeds maximum size")
	ErrMalformedBody   = errors.New("gateway: malformed request body")
	ErrTooManyEvents   = errors.New("gateway: batch exceeds max events")
	ErrEventTooLarge   = errors.New("gateway: raw_event exceeds max length")
)

// rawEventJSON is one element of the /v1/events request body.
type rawEventJSON struct {
	SourceIP string `json:"source_ip"`
	RawEvent string `json:"raw_event"`
}

// batchRequest is the full /v1/events request body shape.
type batchRequest struct {
	Events []rawEventJSON `json:"events"`
}

// Config holds the gateway's tunables that are not passed to the
// constructors directly; today that is only the default tenant.
type Config struct {
	DefaultTenant string // tenant bound to syslog sources with no LogSource match
}

// Gateway owns the HTTP mux, the per-tenant rate
// limiter, and the bounded publish path into the broker's raw topic.
type Gateway struct {
	cfg       Config
	auth      *Authenticator
	agentAuth *AgentAuth
	limiter   *ratelimit.TenantLimiter
	publisher broker.Publisher
	resolver  TenantResolver
	lg        *log.Logger
	sendSlots chan struct{}
}

// TenantResolver maps a syslog source address to a tenant via
// LogSource lookup.
// Implemented by parsers.LogSourceIndex; declared here to avoid a
// gateway -> parsers import cycle.
type TenantResolver interface {
	ResolveTenant(sourceAddress string) (tenantID string, ok bool)
}

func New(cfg Config, auth *Authenticator, agentAuth *AgentAuth, limiter *ratelimit.TenantLimiter, pub broker.Publisher, resolver TenantResolver, lg *log.Logger) *Gateway {
	return &Gateway{
		cfg:       cfg,
		auth:      auth,
		agentAuth: agentAuth,
		limiter:   limiter,
		publisher: pub,
		resolver:  resolver,
		lg:        lg,
		sendSlots: make(chan struct{}, sendQueueCapacity),
	}
}

// Handler returns the http.Handler exposing /v1/events and /ingest/raw.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", g.handleEvents)
	mux.HandleFunc("/ingest/raw", g.handleRaw)
	return mux
}

// handleEvents implements POST /v1/events, driving the
// Received->Authenticated->Validated->RateChecked->Enqueued->Acknowledged
// state machine. No partial acceptance: any validation failure
// fails the whole batch.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Authenticated
	principal, err := g.auth.Authenticate(r)
	if err != nil {
		g.lg.Info("ingest auth failed", log.Kv("remote", getRemoteIP(r)), log.Kv("error", err))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := RequireRole(principal, RoleIngest, RoleAdmin); err != nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	body, err := readLimited(r.Body, maxBatchBodyBytes+1)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(body) > maxBatchBodyBytes {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	// Validated
	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		g.lg.Info("malformed ingest body", log.Kv("tenant", principal.TenantID), log.Kv("error", err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(req.Events) > maxEventsPerBatch {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	for _, ev := range req.Events {
		if len(ev.RawEvent) > maxRawEventBytes {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	// RateChecked — per-tenant only; never affects other tenants.
	if !g.limiter.Allow(principal.TenantID) {
		retryAfter := g.limiter.Reserve(principal.TenantID)
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	// Enqueued: build one envelope per event and publish synchronously.
	ingestTS := time.Now().UTC().UnixMilli()
	envelopes := make([]entry.RawEnvelope, 0, len(req.Events))
	for _, ev := range req.Events {
		env, err := entry.NewRawEnvelope(principal.TenantID, ev.SourceIP, entry.TransportHTTPBatch, []byte(ev.RawEvent))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		env.IngestTS = ingestTS
		envelopes = append(envelopes, env)
	}

	if err := g.publishAll(r.Context(), envelopes); err != nil {
		g.lg.Error("broker publish failed", log.Kv("tenant", principal.TenantID), log.Kv("error", err))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	// Acknowledged
	w.WriteHeader(http.StatusAccepted)
}

// handleRaw implements POST /ingest/raw: an opaque body forwarded as a
// single envelope, authenticated by agent key rather than JWT — the
// path agents and unknown producers use.
func (g *Gateway) handleRaw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	assetID, err := g.agentAuth.Authenticate(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if !g.limiter.Allow(assetID) {
		retryAfter := g.limiter.Reserve(assetID)
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	body, err := readLimited(r.Body, maxBatchBodyBytes+1)
	if err != nil || len(body) > maxBatchBodyBytes {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	env, err := entry.NewRawEnvelope(assetID, getRemoteIP(r), entry.TransportHTTPRaw, body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := g.publishAll(r.Context(), []entry.RawEnvelope{env}); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// publishAll hands every envelope to the broker synchronously with
// acks=all semantics (delegated to the Publisher implementation). The
// bounded sendSlots channel is the backpressure valve: a full
// channel blocks up to sendQueueWait then fails the whole batch with
// 503, rather than silently dropping any envelope.
func (g *Gateway) publishAll(ctx context.Context, envelopes []entry.RawEnvelope) error {
	select {
	case g.sendSlots <- struct{}{}:
		defer func() { <-g.sendSlots }()
	case <-time.After(sendQueueWait):
		return broker.ErrBackpressure
	}

	for i := range envelopes {
		buf, err := envelopes[i].Encode()
		if err != nil {
			return fmt.Errorf("gateway: encode envelope: %w", err)
		}
		msg := broker.Message{Topic: broker.TopicEventsRaw, Key: envelopes[i].BrokerKey(), Value: buf}
		if err := g.publisher.Publish(ctx, msg); err != nil {
			return fmt.Errorf("gateway: publish envelope %s: %w", envelopes[i].EnvelopeID, err)
		}
	}
	return nil
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, max))
}

func getRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
