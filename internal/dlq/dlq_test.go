/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package dlq

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteCreatesDailyFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	ts := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	require.NoError(t, w.Write(Record{TenantID: "acme", Stage: "store", Reason: "timeout", Payload: []byte("x"), FailedAt: ts}))

	path := filepath.Join(dir, "dlq-2026-07-29.jsonl")
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestIsTerminalUnwraps(t *testing.T) {
	base := errors.New("boom")
	wrapped := AsTerminal(base)
	require.True(t, IsTerminal(wrapped))
	require.False(t, IsTerminal(base))
	require.ErrorIs(t, wrapped, base)
}

func TestCompactKeepsFilteredRecords(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	ts := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	require.NoError(t, w.Write(Record{TenantID: "acme", Stage: "store", FailedAt: ts}))
	require.NoError(t, w.Write(Record{TenantID: "globex", Stage: "store", FailedAt: ts}))
	require.NoError(t, w.Close())

	require.NoError(t, w.Compact("2026-07-29", func(r Record) bool { return r.TenantID == "acme" }))

	data, err := os.ReadFile(filepath.Join(dir, "dlq-2026-07-29.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(data), "acme")
	require.NotContains(t, string(data), "globex")
}
