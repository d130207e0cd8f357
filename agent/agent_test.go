/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package agent

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftwire/siemcore/ingest/log"
)

func TestStorePositionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	off, err := s.GetPosition(42, "/var/log/app.log")
	require.NoError(t, err)
	assert.EqualValues(t, 0, off)

	require.NoError(t, s.SetPosition(42, "/var/log/app.log", 128))
	off, err = s.GetPosition(42, "/var/log/app.log")
	require.NoError(t, err)
	assert.EqualValues(t, 128, off)
}

func TestStoreBufferFIFOAndAck(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue(Record{Source: "f", Type: "file", TS: time.Now(), Bytes: []byte{byte(i)}}))
	}
	depth, err := s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 5, depth)

	batch, err := s.Peek(3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, b := range batch {
		assert.Equal(t, byte(i), b.Record.Bytes[0])
	}

	keys := make([][]byte, len(batch))
	for i, b := range batch {
		keys[i] = b.Key
	}
	require.NoError(t, s.Ack(keys))

	depth, err = s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

// TestTailerResumeAfterRestart: lines written
// before a simulated restart must not be re-forwarded, and lines
// written after must still be collected, in order, exactly once.
func TestTailerResumeAfterRestart(t *testing.T) {
	dataDir := t.TempDir()
	logDir := t.TempDir()
	logPath := filepath.Join(logDir, "app.log")

	require.NoError(t, os.WriteFile(logPath, []byte("line1\nline2\nline3\n"), 0644))

	lg := log.NewDiscard()
	s, err := Open(dataDir)
	require.NoError(t, err)

	tailer, err := NewTailer(s, lg, func() bool { return false })
	require.NoError(t, err)
	require.NoError(t, tailer.SetFiles([]FileConfig{{Path: filepath.Join(logDir, "*.log"), Type: "app"}}))

	stop := make(chan struct{})
	go tailer.Run(stop)
	time.Sleep(200 * time.Millisecond)
	close(stop)
	tailer.Close()
	s.Close()

	// "restart": append more lines, then reopen store and tailer fresh
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("line4\nline5\nline6\nline7\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := Open(dataDir)
	require.NoError(t, err)
	defer s2.Close()

	tailer2, err := NewTailer(s2, lg, func() bool { return false })
	require.NoError(t, err)
	require.NoError(t, tailer2.SetFiles([]FileConfig{{Path: filepath.Join(logDir, "*.log"), Type: "app"}}))

	stop2 := make(chan struct{})
	go tailer2.Run(stop2)
	time.Sleep(300 * time.Millisecond)
	close(stop2)
	tailer2.Close()

	batch, err := s2.Peek(100)
	require.NoError(t, err)
	require.Len(t, batch, 7)
	for i, b := range batch {
		expected := "line" + string(rune('1'+i))
		assert.Equal(t, expected, string(b.Record.Bytes))
	}
}

func TestForwarderDeliversAndAcksOn2xx(t *testing.T) {
	var mu sync.Mutex
	var received []wireRecord

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-Agent-Key"))
		assert.Equal(t, "asset-1", r.Header.Get("X-Asset-ID"))
		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		body, err := io.ReadAll(zr)
		require.NoError(t, err)
		var recs []wireRecord
		require.NoError(t, json.Unmarshal(body, &recs))
		mu.Lock()
		received = append(received, recs...)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Enqueue(Record{Source: "f", Type: "file", TS: time.Now(), Bytes: []byte("line")}))
	}

	cfg := DefaultForwarderConfig(srv.URL, "asset-1", "test-key")
	cfg.BatchSize = 10
	fwd := NewForwarder(cfg, s, log.NewDiscard())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fwd.drainOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 3)

	depth, err := s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestForwarderKeepsBufferOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Enqueue(Record{Source: "f", Type: "file", TS: time.Now(), Bytes: []byte("line")}))

	cfg := DefaultForwarderConfig(srv.URL, "asset-1", "test-key")
	cfg.ShutdownDeadline = 300 * time.Millisecond
	fwd := NewForwarder(cfg, s, log.NewDiscard())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	fwd.drainOnce(ctx)

	depth, err := s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}
