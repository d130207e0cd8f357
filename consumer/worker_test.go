/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftwire/siemcore/broker"
	"github.com/riftwire/siemcore/enrich"
	"github.com/riftwire/siemcore/ingest/entry"
	"github.com/riftwire/siemcore/ingest/log"
	"github.com/riftwire/siemcore/internal/dlq"
	"github.com/riftwire/siemcore/parsers"
)

type fakeStore struct {
	mtx    sync.Mutex
	rows   []entry.CanonicalEvent
	failOn func([]entry.CanonicalEvent) error
}

func (f *fakeStore) InsertEvents(_ context.Context, rows []entry.CanonicalEvent) error {
	if f.failOn != nil {
		if err := f.failOn(rows); err != nil {
			return err
		}
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeStore) snapshot() []entry.CanonicalEvent {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]entry.CanonicalEvent(nil), f.rows...)
}

func testCatalog(t *testing.T) *parsers.Catalog {
	t.Helper()
	snap := parsers.Snapshot{
		Registry: parsers.NewDefaultRegistry(),
		Taxonomy: parsers.NewTaxonomy([]parsers.TaxonomyMapping{
			{SourceType: parsers.TypeJSON, FieldToCheck: "raw_event", ValueToMatch: "failed",
				EventCategory: "Authentication", EventOutcome: "Failure", EventAction: "Login.Attempt"},
		}),
		Alias: parsers.NewAliasResolver(nil, nil, []parsers.AliasRule{
			{Alias: "user", Field: "username", Priority: 1},
			{Alias: "dst", Field: "dest_ip", Priority: 1},
		}),
	}
	idx, err := parsers.NewLogSourceIndex(nil)
	require.NoError(t, err)
	snap.LogSource = idx

	cat, err := parsers.NewCatalog(context.Background(), func(context.Context) (parsers.Snapshot, error) {
		return snap, nil
	}, log.NewDiscard())
	require.NoError(t, err)
	return cat
}

func testThreatIndex(t *testing.T) *enrich.ThreatIndex {
	t.Helper()
	ti, err := enrich.NewThreatIndex(nil)
	require.NoError(t, err)
	return ti
}

func testDLQ(t *testing.T) *dlq.Writer {
	t.Helper()
	w, err := dlq.NewWriter(filepath.Join(t.TempDir(), "dlq"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func envelopeMsg(t *testing.T, tenant, addr, payload string) broker.ConsumedMessage {
	t.Helper()
	env, err := entry.NewRawEnvelope(tenant, addr, entry.TransportHTTPRaw, []byte(payload))
	require.NoError(t, err)
	buf, err := env.Encode()
	require.NoError(t, err)
	committed := false
	return broker.ConsumedMessage{
		Message: broker.Message{Topic: broker.TopicEventsRaw, Key: tenant, Value: buf},
		Commit: func(context.Context) error {
			committed = true
			_ = committed
			return nil
		},
	}
}

func TestWorkerProcessZeroRejection(t *testing.T) {
	w := NewWorker(DefaultConfig(), testCatalog(t), testThreatIndex(t), &fakeStore{}, nil, testDLQ(t), log.NewDiscard())
	env, err := entry.NewRawEnvelope("tenantA", "10.0.0.1", entry.TransportHTTPRaw, []byte("<@#$ garbage not any format"))
	require.NoError(t, err)

	ev := w.process(env)
	assert.Equal(t, entry.ParsingFailed, ev.ParsingStatus)
	assert.NotEmpty(t, ev.ParseErrorMsg)
	assert.Equal(t, "<@#$ garbage not any format", ev.RawEvent, "raw payload is always preserved")
}

func TestWorkerProcessAppliesAliasAndTaxonomy(t *testing.T) {
	w := NewWorker(DefaultConfig(), testCatalog(t), testThreatIndex(t), &fakeStore{}, nil, testDLQ(t), log.NewDiscard())
	env, err := entry.NewRawEnvelope("tenantA", "10.0.0.1", entry.TransportHTTPRaw,
		[]byte(`{"user":"alice","dst":"10.0.0.5","status":"login failed"}`))
	require.NoError(t, err)

	ev := w.process(env)
	assert.Equal(t, entry.ParsingSuccess, ev.ParsingStatus)
	assert.Equal(t, "alice", ev.Auth.Username)
	assert.Equal(t, "10.0.0.5", ev.Network.DestIP)
	assert.Equal(t, "Authentication", ev.EventCategory)
	assert.Equal(t, "status", firstKeyContaining(ev.AdditionalFields, "status"))
}

func firstKeyContaining(m map[string]string, substr string) string {
	for k := range m {
		if k == substr {
			return k
		}
	}
	return ""
}

func TestWorkerFlushOnBatchSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchMax = 3
	cfg.BatchMaxAge = time.Hour

	mb := broker.NewMemoryBroker()
	fs := &fakeStore{}
	w := NewWorker(cfg, testCatalog(t), testThreatIndex(t), fs, mb, testDLQ(t), log.NewDiscard())

	ctx := context.Background()
	flushed := false
	for i := 0; i < 3; i++ {
		msg := envelopeMsg(t, "tenantA", "10.0.0.1", `{"user":"alice"}`)
		err := w.handle(ctx, msg)
		require.NoError(t, err)
		if i == 2 {
			flushed = true
		}
	}
	assert.True(t, flushed)
	assert.Len(t, fs.snapshot(), 3, "batch of 3 should flush once BatchMax is reached")
}

func TestWorkerTickFlushesAgedBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchMax = 1000
	cfg.BatchMaxAge = 10 * time.Millisecond

	mb := broker.NewMemoryBroker()
	fs := &fakeStore{}
	w := NewWorker(cfg, testCatalog(t), testThreatIndex(t), fs, mb, testDLQ(t), log.NewDiscard())

	ctx := context.Background()
	msg := envelopeMsg(t, "tenantA", "10.0.0.1", `{"user":"alice"}`)
	require.NoError(t, w.handle(ctx, msg))
	assert.Empty(t, fs.snapshot(), "batch should not flush before it ages out")

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, w.Tick(ctx))
	assert.Len(t, fs.snapshot(), 1)
}

func TestWorkerRepublishesToEventsParsed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchMax = 1

	mb := broker.NewMemoryBroker()
	recv := make(chan broker.ConsumedMessage, 1)
	go func() {
		_ = mb.Run(context.Background(), "test-detect", []string{broker.TopicEventsParsed}, func(_ context.Context, msg broker.ConsumedMessage) error {
			recv <- msg
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	w := NewWorker(cfg, testCatalog(t), testThreatIndex(t), &fakeStore{}, mb, testDLQ(t), log.NewDiscard())
	msg := envelopeMsg(t, "tenantA", "10.0.0.1", `{"user":"alice"}`)
	require.NoError(t, w.handle(context.Background(), msg))

	select {
	case out := <-recv:
		var ev entry.CanonicalEvent
		require.NoError(t, json.Unmarshal(out.Value, &ev))
		assert.Equal(t, "alice", ev.Auth.Username)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for republish to events.parsed")
	}
}

func TestWorkerDeadLettersOnTerminalStoreFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchMax = 1

	dlqDir := t.TempDir()
	w, err := dlq.NewWriter(dlqDir)
	require.NoError(t, err)

	mb := broker.NewMemoryBroker()
	fs := &fakeStore{failOn: func([]entry.CanonicalEvent) error { return errors.New("store unavailable") }}
	worker := NewWorker(cfg, testCatalog(t), testThreatIndex(t), fs, mb, w, log.NewDiscard())

	msg := envelopeMsg(t, "tenantA", "10.0.0.1", `{"user":"alice"}`)
	require.NoError(t, worker.handle(context.Background(), msg))
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dlqDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "a failed store write must still land somewhere, never dropped")
}
