/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"

	"github.com/riftwire/siemcore/ingest/log"
)

// ForwarderConfig defaults: batch_size=50, forward_interval_s=10.
type ForwarderConfig struct {
	IngestorURL      string
	AssetID          string
	AgentKey         string
	BatchSize        int
	ForwardInterval  time.Duration
	ShutdownDeadline time.Duration
}

// DefaultForwarderConfig returns the defaults.
func DefaultForwarderConfig(ingestorURL, assetID, agentKey string) ForwarderConfig {
	return ForwarderConfig{
		IngestorURL:      ingestorURL,
		AssetID:          assetID,
		AgentKey:         agentKey,
		BatchSize:        50,
		ForwardInterval:  10 * time.Second,
		ShutdownDeadline: 10 * time.Second,
	}
}

// Forwarder drains the buffer in Store, gzip-compresses a batch, and
// POSTs it to /ingest/raw, deleting the drained keys only once the
// gateway has 2xx'd the batch.
type Forwarder struct {
	cfg    ForwarderConfig
	store  *Store
	client *http.Client
	lg     *log.Logger
}

func NewForwarder(cfg ForwarderConfig, store *Store, lg *log.Logger) *Forwarder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ForwardInterval <= 0 {
		cfg.ForwardInterval = 10 * time.Second
	}
	return &Forwarder{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: 30 * time.Second},
		lg:     lg,
	}
}

// Run drains and ships batches every ForwardInterval, or sooner when
// the buffer already holds at least BatchSize records.
func (f *Forwarder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.ForwardInterval)
	defer ticker.Stop()
	peek := time.NewTicker(500 * time.Millisecond)
	defer peek.Stop()

	for {
		select {
		case <-ctx.Done():
			shutCtx, cancel := context.WithTimeout(context.Background(), f.cfg.ShutdownDeadline)
			defer cancel()
			f.drainOnce(shutCtx)
			return ctx.Err()
		case <-ticker.C:
			f.drainOnce(ctx)
		case <-peek.C:
			if depth, err := f.store.Depth(); err == nil && depth >= f.cfg.BatchSize {
				f.drainOnce(ctx)
			}
		}
	}
}

// drainOnce ships batches of up to BatchSize records back to back,
// stopping when a batch comes back short of BatchSize (the buffer is
// drained) or a forward attempt fails, so a burst of backlog does not
// wait out the full interval for each batch.
func (f *Forwarder) drainOnce(ctx context.Context) {
	for {
		batch, err := f.store.Peek(f.cfg.BatchSize)
		if err != nil {
			f.lg.Error("failed to peek buffered records", log.KVErr(err))
			return
		}
		if len(batch) == 0 {
			return
		}
		if err := f.forward(ctx, batch); err != nil {
			f.lg.Warn("forward attempt failed, records remain buffered", log.KVErr(err))
			return
		}
		keys := make([][]byte, len(batch))
		for i, b := range batch {
			keys[i] = b.Key
		}
		if err := f.store.Ack(keys); err != nil {
			f.lg.Error("failed to ack forwarded records", log.KVErr(err))
			return
		}
		if len(batch) < f.cfg.BatchSize {
			return
		}
	}
}

// forward gzips and POSTs one batch, retrying with exponential backoff
// (100ms -> 30s, jittered). A non-2xx response or network
// failure is returned as an error so drainOnce leaves the batch in
// place for the next cycle.
func (f *Forwarder) forward(ctx context.Context, batch []BufferedBatch) error {
	payload, err := encodeBatch(batch)
	if err != nil {
		return fmt.Errorf("agent: encode batch: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = f.cfg.ShutdownDeadline
	boCtx := backoff.WithContext(bo, ctx)

	return backoff.Retry(func() error {
		return f.postOnce(ctx, payload)
	}, boCtx)
}

func (f *Forwarder) postOnce(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.IngestorURL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("X-Agent-Key", f.cfg.AgentKey)
	req.Header.Set("X-Asset-ID", f.cfg.AssetID)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("agent: ingest gateway returned %d", resp.StatusCode)
	}
	return backoff.Permanent(fmt.Errorf("agent: ingest gateway returned %d", resp.StatusCode))
}

// wireRecord is the JSON shape POSTed to /ingest/raw: a bulk push of
// collected records. The gateway's handleRaw hands the whole compressed
// body off as a single opaque envelope, so we are free to choose this
// internal batch encoding as long as the parsing consumer's JSON parser
// can recover individual lines from it.
type wireRecord struct {
	Source string    `json:"source"`
	Type   string    `json:"type"`
	TS     time.Time `json:"ts"`
	Line   string    `json:"line"`
}

func encodeBatch(batch []BufferedBatch) ([]byte, error) {
	recs := make([]wireRecord, len(batch))
	for i, b := range batch {
		recs[i] = wireRecord{Source: b.Record.Source, Type: b.Record.Type, TS: b.Record.TS, Line: string(b.Record.Bytes)}
	}
	body, err := json.Marshal(recs)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
