//go:build windows

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Windows Event Log collection, adapted from the
// winevent/wineventlog package idiom (subscription handle + bookmark
// persisted across restarts) onto a simpler polling collector: instead
// of the native EvtSubscribe API this shells out to wevtutil, which
// keeps the cross-compiled core free of cgo while still honoring the
// XPath filter + bookmark-resume contract.
package agent

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/riftwire/siemcore/ingest/log"
)

func init() {
	NewChannelCollector = newWinEventCollector
}

var bucketChannelBookmarks = []byte("channel_bookmarks")

type winEventCollector struct {
	cfg      ChannelConfig
	lg       *log.Logger
	store    *Store
	lastSeen uint64
}

func newWinEventCollector(cfg ChannelConfig, lg *log.Logger) ChannelCollector {
	return &winEventCollector{cfg: cfg, lg: lg}
}

// Open seeks to the persisted bookmark (the last-seen Windows event
// RecordId) for this channel. With no bookmark it starts from RecordId
// 0, so the first poll enqueues every event the query returns.
func (w *winEventCollector) Open(store *Store) error {
	w.store = store
	v, err := store.getMeta(bookmarkKey(w.cfg.Channel))
	if err != nil {
		return fmt.Errorf("agent: load channel bookmark: %w", err)
	}
	if len(v) == 8 {
		w.lastSeen = binary.BigEndian.Uint64(v)
	}
	return nil
}

func bookmarkKey(channel string) []byte { return []byte("winevent|" + channel) }

// Run polls the channel every 5s via wevtutil, applying the configured
// XPath filter and only emitting records newer than the bookmark.
func (w *winEventCollector) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *winEventCollector) poll(ctx context.Context) {
	query := w.cfg.XPath
	if query == "" {
		query = "*"
	}
	args := []string{"qe", w.cfg.Channel, "/q:" + query, "/f:text", "/rd:true"}
	cmd := exec.CommandContext(ctx, "wevtutil", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		w.lg.Error("wevtutil query failed", log.Kv("channel", w.cfg.Channel), log.KVErr(err))
		return
	}
	records := splitWevtutilRecords(out.String())
	var newest uint64
	for _, rec := range records {
		id := recordIDOf(rec)
		if id != 0 && id <= w.lastSeen {
			continue
		}
		if id > newest {
			newest = id
		}
		body := &Record{Source: w.cfg.Channel, Type: firstNonEmpty(w.cfg.Type, "winevent"), TS: time.Now().UTC(), Bytes: []byte(rec)}
		if err := w.store.Enqueue(*body); err != nil {
			w.lg.Error("failed to enqueue windows event record", log.KVErr(err))
		}
	}
	if newest > w.lastSeen {
		w.lastSeen = newest
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, newest)
		if err := w.store.putMeta(bookmarkKey(w.cfg.Channel), buf); err != nil {
			w.lg.Error("failed to persist channel bookmark", log.KVErr(err))
		}
	}
}

func (w *winEventCollector) Close() error { return nil }

// splitWevtutilRecords splits wevtutil's "/f:text" output on its
// blank-line record separator.
func splitWevtutilRecords(out string) []string {
	parts := strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n\n")
	recs := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			recs = append(recs, p)
		}
	}
	return recs
}

// recordIDOf pulls the "Record Number:" field out of one record's text
// block, returning 0 if absent or unparseable.
func recordIDOf(rec string) uint64 {
	const marker = "Record Number:"
	idx := strings.Index(rec, marker)
	if idx < 0 {
		return 0
	}
	rest := strings.TrimSpace(rec[idx+len(marker):])
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	n, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
