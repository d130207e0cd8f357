/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package store adapts the pipeline's two storage-side contracts
// onto ClickHouse: a write-scoped batch insert path for the consumer
// pool and a read-only, allow-listed parameterized query path for the
// detection engines. No caller
// may supply SQL directly; every query goes through a named template
// compiled into the binary.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/cenkalti/backoff/v4"

	"github.com/riftwire/siemcore/ingest/entry"
	"github.com/riftwire/siemcore/ingest/log"
)

// Limits bounds a single query's resource usage.
type Limits struct {
	MaxExecutionTimeS int
	MaxResultRows      int
	MaxMemoryBytes     int64
}

// DefaultLimits returns the default query bounds: 8s, 10,000 rows, 1 GiB.
func DefaultLimits() Limits {
	return Limits{MaxExecutionTimeS: 8, MaxResultRows: 10_000, MaxMemoryBytes: 1 << 30}
}

var (
	// ErrTransient marks an insert failure as retryable; terminal
	// failures after the retry budget propagate as-is and the caller
	// routes the batch to the DLQ.
	ErrTransient     = errors.New("store: transient failure")
	ErrUnknownTemplate = errors.New("store: unknown query template")
	ErrLimitExceeded   = errors.New("store: result limit exceeded")
)

// Config holds the two DSNs: a write-scoped user for
// the consumer pool and a read-only user for detection/query.
type Config struct {
	RWDSN string
	RODSN string

	InsertBatchMax  int
	InsertFlushWait time.Duration
	RetryBaseDelay  time.Duration
	RetryMaxAttempts uint64
}

// DefaultConfig: batches up to 1,000 rows or 5s,
// retried with 100ms base backoff capped at 6 attempts.
func DefaultConfig(rwDSN, roDSN string) Config {
	return Config{
		RWDSN:            rwDSN,
		RODSN:            roDSN,
		InsertBatchMax:   1000,
		InsertFlushWait:  5 * time.Second,
		RetryBaseDelay:   100 * time.Millisecond,
		RetryMaxAttempts: 6,
	}
}

// Adapter holds the two ClickHouse pools: one opened with the
// write user, one with the read-only user; a single connection never
// straddles two trust levels.
type Adapter struct {
	cfg Config
	rw  clickhouse.Conn
	ro  clickhouse.Conn
	lg  *log.Logger
}

// Open establishes both connection pools. Callers that only query
// (e.g. a detection engine) may pass an empty RWDSN and only use Query
// / StreamQuery; callers that only write may leave RODSN empty.
func Open(ctx context.Context, cfg Config, lg *log.Logger) (*Adapter, error) {
	a := &Adapter{cfg: cfg, lg: lg}
	if cfg.RWDSN != "" {
		conn, err := openConn(cfg.RWDSN)
		if err != nil {
			return nil, fmt.Errorf("store: open rw: %w", err)
		}
		a.rw = conn
	}
	if cfg.RODSN != "" {
		conn, err := openConn(cfg.RODSN)
		if err != nil {
			return nil, fmt.Errorf("store: open ro: %w", err)
		}
		a.ro = conn
	}
	return a, nil
}

func openConn(dsn string) (clickhouse.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return clickhouse.Open(opts)
}

// Close releases both pools.
func (a *Adapter) Close() error {
	var firstErr error
	if a.rw != nil {
		if err := a.rw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.ro != nil {
		if err := a.ro.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InsertEvents batch-writes rows to the events table, atomic per
// batch: either all rows land or none do. Transient failures are
// retried with exponential backoff (base 100ms, cap 6 attempts,
// jittered); a terminal failure is returned unwrapped for the caller
// to route to the DLQ.
func (a *Adapter) InsertEvents(ctx context.Context, rows []entry.CanonicalEvent) error {
	if len(rows) == 0 {
		return nil
	}
	if a.rw == nil {
		return errors.New("store: no write connection configured")
	}

	op := func() error {
		batch, err := a.rw.PrepareBatch(ctx, insertEventsSQL)
		if err != nil {
			return fmt.Errorf("%w: prepare batch: %v", ErrTransient, err)
		}
		for i := range rows {
			if err := appendEventRow(batch, &rows[i]); err != nil {
				// malformed row data is not going to fix itself on
				// retry — abort the batch and surface as terminal.
				return fmt.Errorf("store: append row %s: %w", rows[i].EventID, err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("%w: send batch: %v", ErrTransient, err)
		}
		return nil
	}

	return a.retryTransient(op)
}

// retryTransient runs op under the configured exponential backoff,
// retrying only ErrTransient-wrapped failures; anything else aborts
// immediately as permanent.
func (a *Adapter) retryTransient(op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.RetryBaseDelay
	bo.RandomizationFactor = 0.25
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // bounded by MaxAttempts below instead

	attempts := a.cfg.RetryMaxAttempts
	if attempts == 0 {
		attempts = 6
	}
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, ErrTransient) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(bo, attempts-1))
}

// ckBatch is the subset of clickhouse-go/v2's driver.Batch this package
// needs, declared locally so tests can substitute a fake without
// pulling in a live ClickHouse connection.
type ckBatch interface {
	Append(v ...any) error
}

// appendEventRow appends one CanonicalEvent in column order matching
// insertEventsSQL. additional_fields and
// the optional domain fields are flattened into the Map(String,String)
// column plus their own typed columns.
func appendEventRow(batch ckBatch, e *entry.CanonicalEvent) error {
	return batch.Append(
		e.EventID.String(),
		e.TenantID,
		uint32(e.EventTS),
		uint32(e.IngestTS),
		e.SourceIP,
		e.SourceType,
		e.RawEvent,
		string(e.ParsingStatus),
		nullableString(e.ParseErrorMsg),
		e.EventCategory,
		e.EventOutcome,
		e.EventAction,
		boolToUint8(e.IsThreat),
		e.ThreatScore,
		string(e.ThreatRiskLevel),
		e.ThreatCategory,
		e.ThreatSummary,
		e.Network.SrcPort,
		e.Network.DestIP,
		e.Network.DestPort,
		e.Network.Protocol,
		e.Network.BytesIn,
		e.Network.BytesOut,
		e.Host.Hostname,
		e.Host.OS,
		e.Host.AssetID,
		e.Process.ProcessID,
		e.Process.ProcessName,
		e.Process.CommandLine,
		e.Process.ParentPID,
		e.File.FilePath,
		e.File.FileHash,
		e.File.FileSize,
		e.Web.URL,
		e.Web.HTTPStatusCode,
		e.Web.UserAgent,
		e.Web.Method,
		e.Auth.Username,
		e.Auth.AuthType,
		e.Sec.SignatureID,
		e.Sec.RuleName,
		flattenAdditional(e.AdditionalFields),
	)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func flattenAdditional(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
