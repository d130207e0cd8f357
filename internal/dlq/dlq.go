/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package dlq implements the dead-letter path that backs the pipeline's
// zero-rejection contract: events that cannot be stored after exhausting
// retries are appended here instead of being dropped, one JSONL file per
// UTC day, rotated daily and replaced atomically on compaction.
package dlq

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio"
)

// Terminal marks an error as non-retryable: the caller should route the
// event straight to the dead-letter queue rather than retrying further.
type Terminal struct {
	Err error
}

func (t *Terminal) Error() string { return fmt.Sprintf("terminal: %v", t.Err) }
func (t *Terminal) Unwrap() error { return t.Err }

// AsTerminal wraps err as a Terminal failure.
func AsTerminal(err error) error {
	if err == nil {
		return nil
	}
	return &Terminal{Err: err}
}

// IsTerminal reports whether err (or something it wraps) is a Terminal.
func IsTerminal(err error) bool {
	var t *Terminal
	return errors.As(err, &t)
}

// Record is one dead-lettered item: the raw payload plus why it failed.
type Record struct {
	TenantID  string    `json:"tenant_id"`
	Stage     string    `json:"stage"`
	Reason    string    `json:"reason"`
	Payload   []byte    `json:"payload"`
	FailedAt  time.Time `json:"failed_at"`
}

// Writer appends Records to one JSONL file per UTC day under Dir. Safe
// for concurrent use; writes are serialized through mtx. Rotation opens
// the new day's file for append; only Compact replaces a file, through
// renameio.
type Writer struct {
	mtx     sync.Mutex
	dir     string
	day     string
	fh      *os.File
}

func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	return &Writer{dir: dir}, nil
}

func (w *Writer) pathFor(day string) string {
	return filepath.Join(w.dir, fmt.Sprintf("dlq-%s.jsonl", day))
}

func (w *Writer) rollIfNeeded(day string) error {
	if w.day == day && w.fh != nil {
		return nil
	}
	if w.fh != nil {
		w.fh.Close()
	}
	fh, err := os.OpenFile(w.pathFor(day), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	w.fh = fh
	w.day = day
	return nil
}

// Write appends rec to today's (UTC) DLQ file.
func (w *Writer) Write(rec Record) error {
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now().UTC()
	}
	day := rec.FailedAt.Format("2006-01-02")

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dlq record: %w", err)
	}
	line = append(line, '\n')

	w.mtx.Lock()
	defer w.mtx.Unlock()
	if err := w.rollIfNeeded(day); err != nil {
		return fmt.Errorf("roll dlq file: %w", err)
	}
	if _, err := w.fh.Write(line); err != nil {
		return fmt.Errorf("write dlq record: %w", err)
	}
	return nil
}

// Close flushes and closes the currently open file, if any.
func (w *Writer) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.fh == nil {
		return nil
	}
	err := w.fh.Close()
	w.fh = nil
	return err
}

// Compact atomically rewrites the file for day, keeping only records
// for which keep returns true. Used by operator tooling to prune a DLQ
// file after a reprocessing pass; the replace is atomic via renameio
// so a crash mid-compaction never leaves a truncated file visible.
func (w *Writer) Compact(day string, keep func(Record) bool) error {
	path := w.pathFor(day)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var out []byte
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			break
		}
		if keep(rec) {
			b, _ := json.Marshal(rec)
			out = append(out, b...)
			out = append(out, '\n')
		}
	}
	return renameio.WriteFile(path, out, 0640)
}
