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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/riftwire/siemcore/ingest/log"
)

// RemotePolicy is the decoded body of GET /v1/agents/my_config.
type RemotePolicy struct {
	IngestorURL             string       `json:"ingestor_url"`
	FilesToMonitor          []FileConfig `json:"files_to_monitor"`
	WindowsEventChannels     []ChannelConfig `json:"windows_event_channels"`
	BatchSize               int          `json:"batch_size"`
	ForwardIntervalSeconds  int          `json:"forward_interval_seconds"`
	BufferDir               string       `json:"buffer_dir"`
}

// ConfigFetcher polls the remote policy endpoint and applies changes to
// the Tailer and channel registry between forwarder cycles; new
// monitored-files and channel lists apply on the next cycle, never
// mid-batch.
type ConfigFetcher struct {
	url      string
	assetID  string
	agentKey string
	interval time.Duration
	client   *http.Client
	lg       *log.Logger

	tailer   *Tailer
	channels *ChannelRegistry
	onPolicy func(RemotePolicy) // optional hook, e.g. to retune the Forwarder
}

// DefaultConfigFetcherInterval is the refresh_s default.
const DefaultConfigFetcherInterval = 300 * time.Second

func NewConfigFetcher(baseURL, assetID, agentKey string, tailer *Tailer, channels *ChannelRegistry, lg *log.Logger) *ConfigFetcher {
	return &ConfigFetcher{
		url:      baseURL + "/v1/agents/my_config",
		assetID:  assetID,
		agentKey: agentKey,
		interval: DefaultConfigFetcherInterval,
		client:   &http.Client{Timeout: 30 * time.Second},
		lg:       lg,
		tailer:   tailer,
		channels: channels,
	}
}

// OnPolicy registers a callback invoked with each successfully applied
// policy, letting the caller retune e.g. the forwarder's batch size.
func (c *ConfigFetcher) OnPolicy(fn func(RemotePolicy)) { c.onPolicy = fn }

// Run fetches immediately, then every interval, until ctx is cancelled.
func (c *ConfigFetcher) Run(ctx context.Context) error {
	c.fetchAndApply(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.fetchAndApply(ctx)
		}
	}
}

func (c *ConfigFetcher) fetchAndApply(ctx context.Context) {
	policy, err := c.fetch(ctx)
	if err != nil {
		c.lg.Warn("failed to fetch remote agent policy, keeping current config", log.KVErr(err))
		return
	}
	if c.tailer != nil {
		if err := c.tailer.SetFiles(policy.FilesToMonitor); err != nil {
			c.lg.Error("failed to apply new file policy", log.KVErr(err))
		}
	}
	if c.channels != nil {
		c.channels.SetChannels(policy.WindowsEventChannels)
	}
	if c.onPolicy != nil {
		c.onPolicy(policy)
	}
}

func (c *ConfigFetcher) fetch(ctx context.Context) (RemotePolicy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return RemotePolicy{}, err
	}
	req.Header.Set("X-Agent-Key", c.agentKey)
	req.Header.Set("X-Asset-ID", c.assetID)

	resp, err := c.client.Do(req)
	if err != nil {
		return RemotePolicy{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return RemotePolicy{}, fmt.Errorf("agent: my_config returned %d", resp.StatusCode)
	}
	var policy RemotePolicy
	if err := json.NewDecoder(resp.Body).Decode(&policy); err != nil {
		return RemotePolicy{}, fmt.Errorf("agent: decode my_config response: %w", err)
	}
	return policy, nil
}
