/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command siemagent is the collection agent binary: it tails
// configured files (and, on Windows, OS event channels), buffers
// collected records durably on disk, and forwards batches to the
// ingestion gateway, with remote policy refresh and self-update.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/riftwire/siemcore/agent"
	"github.com/riftwire/siemcore/ingest/config"
	"github.com/riftwire/siemcore/ingest/config/validate"
	"github.com/riftwire/siemcore/ingest/log"
)

const defaultConfigLoc = `/opt/siemcore/etc/siemagent.conf`

var (
	confLoc = flag.String("config-file", defaultConfigLoc, "Location for configuration file")
	ver     = flag.Bool("version", false, "Print the version information and exit")
	lg      *log.Logger

	agentVersion = "0.1.0-dev"
)

type cfgType struct {
	Global config.NodeConfig
	Agent  agentConfig
}

type agentConfig struct {
	Ingestor_URL   string `json:",omitempty"`
	Asset_ID       string `json:",omitempty"`
	Agent_Key      string `json:",omitempty"`
	Data_Dir       string `json:",omitempty"`
	Buffer_Cap     int    `json:",omitempty"` // entries; nearCap trips at 90% of this
}

func (c *cfgType) Verify() error                    { return c.Global.Verify() }
func (c *cfgType) NodeBaseConfig() config.NodeConfig { return c.Global }

func GetConfig(path string) (*cfgType, error) {
	var cr cfgType
	if err := config.LoadConfigFile(&cr, path); err != nil {
		return nil, err
	}
	if err := cr.Global.Verify(); err != nil {
		return nil, err
	}
	if cr.Agent.Ingestor_URL == "" {
		return nil, fmt.Errorf("siemagent: Ingestor_URL is required")
	}
	if cr.Agent.Asset_ID == "" || cr.Agent.Agent_Key == "" {
		return nil, fmt.Errorf("siemagent: Asset_ID and Agent_Key are required")
	}
	if cr.Agent.Data_Dir == "" {
		cr.Agent.Data_Dir = "/var/lib/siemcore/agent"
	}
	if cr.Agent.Buffer_Cap <= 0 {
		cr.Agent.Buffer_Cap = 100_000
	}
	return &cr, nil
}

func init() {
	flag.Parse()
	if *ver {
		fmt.Println("siemagent version " + agentVersion)
		os.Exit(0)
	}
	validate.ValidateNodeConfig(GetConfig, *confLoc, "")
}

func main() {
	cfg, err := GetConfig(*confLoc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config file %q: %v\n", *confLoc, err)
		os.Exit(1)
	}
	lg, err = cfg.Global.GetLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Agent.Data_Dir, 0750); err != nil {
		lg.Fatal("failed to create data directory", log.KVErr(err))
	}

	st, err := agent.Open(cfg.Agent.Data_Dir)
	if err != nil {
		lg.Fatal("failed to open agent store", log.KVErr(err))
	}
	defer st.Close()

	nearCap := func() bool {
		depth, err := st.Depth()
		if err != nil {
			return false
		}
		return depth >= (cfg.Agent.Buffer_Cap * 9 / 10)
	}

	tailer, err := agent.NewTailer(st, lg, nearCap)
	if err != nil {
		lg.Fatal("failed to start tailer", log.KVErr(err))
	}
	defer tailer.Close()

	channels := agent.NewChannelRegistry(st, lg)
	defer channels.Close()

	fwdCfg := agent.DefaultForwarderConfig(cfg.Agent.Ingestor_URL, cfg.Agent.Asset_ID, cfg.Agent.Agent_Key)
	forwarder := agent.NewForwarder(fwdCfg, st, lg)

	configFetcher := agent.NewConfigFetcher(cfg.Agent.Ingestor_URL, cfg.Agent.Asset_ID, cfg.Agent.Agent_Key, tailer, channels, lg)

	updater := agent.NewUpdater(cfg.Agent.Ingestor_URL, cfg.Agent.Asset_ID, cfg.Agent.Agent_Key, agentVersion, lg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		tailer.Run(stop)
		return nil
	})
	grp.Go(func() error {
		return forwarder.Run(gctx)
	})
	grp.Go(func() error {
		return configFetcher.Run(gctx)
	})
	grp.Go(func() error {
		return updater.Run(gctx)
	})

	lg.Info("siemagent started", log.Kv("asset_id", cfg.Agent.Asset_ID), log.Kv("ingestor", cfg.Agent.Ingestor_URL))
	if err := grp.Wait(); err != nil && ctx.Err() == nil {
		lg.Error("agent exited with error", log.KVErr(err))
		os.Exit(1)
	}
	lg.Info("siemagent stopped")
}
