/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package agent

import (
	"context"
	"sync"

	"github.com/riftwire/siemcore/ingest/log"
)

// ChannelConfig is one entry of the remote policy's
// windows_event_channels list.
type ChannelConfig struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	XPath   string `json:"xpath"`
}

// ChannelCollector subscribes to one OS event channel (the Windows
// Event Log family) with an XPath filter and persists a bookmark so a
// restart resumes exactly where it left off. Non-Windows builds never
// construct a real implementation; ChannelRegistry simply holds zero
// collectors there.
type ChannelCollector interface {
	// Open subscribes to the channel, seeking to the persisted bookmark.
	Open(store *Store) error
	// Run blocks delivering collected records to store's buffer until
	// stop is closed or ctx is cancelled.
	Run(ctx context.Context, stop <-chan struct{})
	// Close releases the subscription handle.
	Close() error
}

// NewChannelCollector is set per-platform: channel_windows.go's init
// installs a wevtutil-backed collector; on other platforms it stays
// nil and the registry is a no-op.
var NewChannelCollector func(cfg ChannelConfig, lg *log.Logger) ChannelCollector

// ChannelRegistry owns the live set of ChannelCollectors, swapped
// wholesale when ConfigFetcher applies a new policy — mirroring the
// Tailer's "apply on next cycle, never mid-batch" rule.
type ChannelRegistry struct {
	store *Store
	lg    *log.Logger

	mtx    sync.Mutex
	active map[string]collectorHandle
}

type collectorHandle struct {
	collector ChannelCollector
	cancel    context.CancelFunc
	stop      chan struct{}
}

func NewChannelRegistry(store *Store, lg *log.Logger) *ChannelRegistry {
	return &ChannelRegistry{store: store, lg: lg, active: map[string]collectorHandle{}}
}

// SetChannels reconciles the active collector set against cfgs: new
// channels are opened and started, removed channels are stopped and
// closed, unchanged channels are left running.
func (r *ChannelRegistry) SetChannels(cfgs []ChannelConfig) {
	if NewChannelCollector == nil {
		return
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()

	wanted := make(map[string]ChannelConfig, len(cfgs))
	for _, c := range cfgs {
		wanted[c.Channel] = c
	}

	for name, h := range r.active {
		if _, ok := wanted[name]; !ok {
			h.cancel()
			close(h.stop)
			if err := h.collector.Close(); err != nil {
				r.lg.Error("failed to close channel collector", log.Kv("channel", name), log.KVErr(err))
			}
			delete(r.active, name)
		}
	}

	for name, cfg := range wanted {
		if _, ok := r.active[name]; ok {
			continue
		}
		collector := NewChannelCollector(cfg, r.lg)
		if collector == nil {
			continue
		}
		if err := collector.Open(r.store); err != nil {
			r.lg.Error("failed to open channel collector", log.Kv("channel", name), log.KVErr(err))
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		stop := make(chan struct{})
		go collector.Run(ctx, stop)
		r.active[name] = collectorHandle{collector: collector, cancel: cancel, stop: stop}
	}
}

// Close stops every active collector.
func (r *ChannelRegistry) Close() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for name, h := range r.active {
		h.cancel()
		close(h.stop)
		if err := h.collector.Close(); err != nil {
			r.lg.Error("failed to close channel collector", log.Kv("channel", name), log.KVErr(err))
		}
	}
	r.active = map[string]collectorHandle{}
}
