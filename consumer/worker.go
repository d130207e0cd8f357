/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package consumer implements the per-partition parsing worker pool:
// broker fetch -> parser selection -> parse -> canonicalize -> taxonomy
// -> threat enrichment -> batched store write -> republish to
// events.parsed, with a dead-letter fallback on terminal store
// failure. Every stage honors the zero-rejection contract:
// a raw envelope that cannot be parsed is still stored.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/riftwire/siemcore/broker"
	"github.com/riftwire/siemcore/enrich"
	"github.com/riftwire/siemcore/ingest/entry"
	"github.com/riftwire/siemcore/ingest/log"
	"github.com/riftwire/siemcore/internal/dlq"
	"github.com/riftwire/siemcore/parsers"
)

// EventStore is the subset of store.Adapter the consumer needs,
// declared here so tests can substitute a fake.
type EventStore interface {
	InsertEvents(ctx context.Context, rows []entry.CanonicalEvent) error
}

// Config controls batching: flush at 1,000 events or 5s,
// whichever comes first.
type Config struct {
	BatchMax      int
	BatchMaxAge   time.Duration
	ClockSkewTolS int64
	GroupID       string
}

func DefaultConfig() Config {
	return Config{BatchMax: 1000, BatchMaxAge: 5 * time.Second, ClockSkewTolS: 300, GroupID: "parse-consumers"}
}

// Worker drives one consumer-group member's pipeline. A Pool runs one
// Worker per broker partition.
type Worker struct {
	cfg     Config
	catalog *parsers.Catalog
	threat  *enrich.ThreatIndex
	store   EventStore
	pub     broker.Publisher
	dlq     *dlq.Writer
	lg      *log.Logger

	// mtx guards batch/pending/lastFlush: handle (called from the
	// broker's delivery goroutine) and Tick (called from a separate
	// ticker goroutine in runWithTicker) both mutate them.
	mtx       sync.Mutex
	batch     []entry.CanonicalEvent
	pending   []pendingCommit
	lastFlush time.Time
}

type pendingCommit struct {
	commit func(context.Context) error
}

func NewWorker(cfg Config, catalog *parsers.Catalog, threat *enrich.ThreatIndex, store EventStore, pub broker.Publisher, dlqw *dlq.Writer, lg *log.Logger) *Worker {
	return &Worker{
		cfg:       cfg,
		catalog:   catalog,
		threat:    threat,
		store:     store,
		pub:       pub,
		dlq:       dlqw,
		lg:        lg,
		lastFlush: time.Now(),
	}
}

// Run subscribes to events.raw and drives the pipeline until ctx is
// cancelled. sub is typically a broker.Subscriber (Sarama-backed in
// production, broker.MemoryBroker in tests).
func (w *Worker) Run(ctx context.Context, sub broker.Subscriber) error {
	return sub.Run(ctx, w.cfg.GroupID, []string{broker.TopicEventsRaw}, w.handle)
}

// handle implements broker.Handler: decode the envelope, run it
// through the pipeline, and accumulate it into the current batch.
// Offsets only commit once the batch flush (store write or DLQ route)
// completes, "offset commits tied to side effects."
func (w *Worker) handle(ctx context.Context, msg broker.ConsumedMessage) error {
	env, err := entry.DecodeRawEnvelope(msg.Value)
	if err != nil {
		// A broker record that isn't even a valid envelope cannot be
		// attributed to a tenant; log and commit past it rather than
		// wedge the partition — this is the one case where there is
		// no tenant to store a failed event under.
		w.lg.Error("failed to decode envelope, skipping", log.Kv("error", err))
		return msg.Commit(ctx)
	}

	ev := w.process(env)

	w.mtx.Lock()
	w.batch = append(w.batch, ev)
	w.pending = append(w.pending, pendingCommit{commit: msg.Commit})
	shouldFlush := len(w.batch) >= w.cfg.BatchMax || time.Since(w.lastFlush) >= w.cfg.BatchMaxAge
	w.mtx.Unlock()

	if shouldFlush {
		return w.flush(ctx)
	}
	return nil
}

// Tick flushes the current batch if it's aged out, even with no new
// arrivals — callers run this on a ticker alongside handle so a
// partial batch doesn't sit unflushed indefinitely during a lull.
func (w *Worker) Tick(ctx context.Context) error {
	w.mtx.Lock()
	aged := len(w.batch) > 0 && time.Since(w.lastFlush) >= w.cfg.BatchMaxAge
	w.mtx.Unlock()
	if aged {
		return w.flush(ctx)
	}
	return nil
}

// process runs one envelope through parser selection, parsing,
// canonicalization, taxonomy, and enrichment, always returning a
// storable CanonicalEvent — never an error — per the zero-rejection
// contract.
func (w *Worker) process(env entry.RawEnvelope) entry.CanonicalEvent {
	snap := w.catalog.Current()

	ev := entry.NewCanonicalEvent(env.TenantID, env.SourceAddress, "unknown", string(env.Payload), 0, env.IngestTS/1000)
	ev.EventTS = ev.IngestTS

	sourceName, parserType, fields, confidence, parseErr := selectAndParse(snap, env)
	ev.SourceType = string(parserType)

	if parseErr != nil {
		ev.MarkFailed(parseErr.Error())
	} else if confidence < parsers.MinConfidence {
		ev.ParsingStatus = entry.ParsingPartial
	}

	mapped, additional := snap.Alias.Canonicalize(sourceName, parserType, fields)
	applyMappedFields(&ev, mapped)
	ev.AdditionalFields = additional

	taxFields := make(map[string]string, len(mapped)+1)
	for k, v := range mapped {
		taxFields[k] = v
	}
	taxFields["raw_event"] = ev.RawEvent
	if cat, outcome, action, matched := snap.Taxonomy.Classify(parserType, taxFields); matched {
		ev.SetTaxonomy(cat, outcome, action)
	}

	ev.ClampEventTS(w.cfg.ClockSkewTolS)
	w.threat.ApplyTo(&ev)
	return ev
}

// selectAndParse picks the parser for an envelope: a LogSource hit
// uses its associated parser; a miss falls back to parsers.DefaultChain.
// A dedicated parser that fails outright OR parses below MinConfidence
// also falls through to the chain — low confidence permits fallback,
// it does not end the attempt. If the chain then produces nothing
// usable, the dedicated parser's low-confidence result is still kept
// over the chain's failure.
func selectAndParse(snap *parsers.Snapshot, env entry.RawEnvelope) (sourceName string, parserType parsers.Type, fields map[string]string, confidence int, err error) {
	var dedicated parsers.ParseResult
	var dedicatedType parsers.Type
	if src, ok := snap.LogSource.Lookup(env.TenantID, env.SourceAddress); ok {
		sourceName = src.Name
		if p, ok := snap.Registry.Get(src.SourceType); ok {
			res := p.Parse(env.Payload)
			if res.Err == nil && res.Confidence >= parsers.MinConfidence {
				return sourceName, src.SourceType, res.Fields, res.Confidence, nil
			}
			if res.Err == nil {
				dedicated, dedicatedType = res, src.SourceType
			}
		}
	}
	parserType, res := snap.Registry.RunChain(parsers.DefaultChain, env.Payload)
	if res.Err != nil && dedicated.Fields != nil {
		return sourceName, dedicatedType, dedicated.Fields, dedicated.Confidence, nil
	}
	return sourceName, parserType, res.Fields, res.Confidence, res.Err
}

func applyMappedFields(ev *entry.CanonicalEvent, mapped map[string]string) {
	if v, ok := mapped["dest_ip"]; ok {
		ev.Network.DestIP = v
	}
	if v, ok := mapped["protocol"]; ok {
		ev.Network.Protocol = v
	}
	if v, ok := mapped["hostname"]; ok {
		ev.Host.Hostname = v
	}
	if v, ok := mapped["username"]; ok {
		ev.Auth.Username = v
	}
	if v, ok := mapped["url"]; ok {
		ev.Web.URL = v
	}
	if v, ok := mapped["file_hash"]; ok {
		ev.File.FileHash = v
	}
	if v, ok := mapped["process_name"]; ok {
		ev.Process.ProcessName = v
	}
}

// flush writes the batch, publishes it to
// events.parsed on success, or dead-letter it on terminal failure.
// Either way offsets commit — data is preserved somewhere, never
// silently dropped.
func (w *Worker) flush(ctx context.Context) error {
	w.mtx.Lock()
	batch := w.batch
	pending := w.pending
	w.batch = nil
	w.pending = nil
	w.lastFlush = time.Now()
	w.mtx.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := w.store.InsertEvents(ctx, batch)
	if err != nil {
		if dlqErr := w.deadLetter(batch, err); dlqErr != nil {
			// Could not store AND could not dead-letter: this is the
			// one case where we must not commit, so a redelivery can
			// retry the whole batch from the broker.
			w.lg.Error("dead-letter write failed, not committing", log.Kv("error", dlqErr))
			return dlqErr
		}
	} else {
		w.republish(ctx, batch)
	}

	for _, p := range pending {
		if cerr := p.commit(ctx); cerr != nil {
			w.lg.Error("offset commit failed", log.Kv("error", cerr))
			return cerr
		}
	}
	return nil
}

func (w *Worker) republish(ctx context.Context, batch []entry.CanonicalEvent) {
	for i := range batch {
		payload, err := encodeParsed(&batch[i])
		if err != nil {
			w.lg.Warn("failed to encode parsed event for republish", log.Kv("event_id", batch[i].EventID), log.Kv("error", err))
			continue
		}
		msg := broker.Message{Topic: broker.TopicEventsParsed, Key: batch[i].TenantID, Value: payload}
		if err := w.pub.Publish(ctx, msg); err != nil {
			w.lg.Warn("failed to republish parsed event", log.Kv("event_id", batch[i].EventID), log.Kv("error", err))
		}
	}
}

// encodeParsed serializes a CanonicalEvent for the events.parsed topic,
// where the streaming detection engine consumes it.
func encodeParsed(ev *entry.CanonicalEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func (w *Worker) deadLetter(batch []entry.CanonicalEvent, cause error) error {
	for i := range batch {
		rec := dlq.Record{
			TenantID: batch[i].TenantID,
			Stage:    "store_write",
			Reason:   cause.Error(),
			Payload:  []byte(batch[i].RawEvent),
		}
		if err := w.dlq.Write(rec); err != nil {
			return fmt.Errorf("consumer: dead-letter write: %w", err)
		}
	}
	return nil
}
