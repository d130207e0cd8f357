/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command parseworker is the parsing-consumer-pool binary: it
// drives the parser-selection -> canonicalize -> taxonomy -> threat
// enrichment -> batched-store-write pipeline over events.raw, and
// republishes successfully-stored events to events.parsed.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riftwire/siemcore/broker"
	"github.com/riftwire/siemcore/consumer"
	"github.com/riftwire/siemcore/enrich"
	"github.com/riftwire/siemcore/ingest/config"
	"github.com/riftwire/siemcore/ingest/config/validate"
	"github.com/riftwire/siemcore/ingest/log"
	"github.com/riftwire/siemcore/internal/dlq"
	"github.com/riftwire/siemcore/parsers"
	"github.com/riftwire/siemcore/store"
)

const defaultConfigLoc = `/opt/siemcore/etc/parseworker.conf`

var (
	confLoc = flag.String("config-file", defaultConfigLoc, "Location for configuration file")
	ver     = flag.Bool("version", false, "Print the version information and exit")
	lg      *log.Logger
)

type cfgType struct {
	Global   config.NodeConfig
	Consumer consumerConfig
}

type consumerConfig struct {
	Workers       int    `json:",omitempty"` // default: runtime.NumCPU() if unset
	Store_RW_DSN  string `json:",omitempty"`
	Store_RO_DSN  string `json:",omitempty"`
	DLQ_Dir       string `json:",omitempty"`
	Metrics_Bind  string `json:",omitempty"`
	Refresh_S     int    `json:",omitempty"`
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
	if cr.Consumer.Store_RW_DSN == "" {
		return nil, fmt.Errorf("parseworker: Store_RW_DSN is required")
	}
	if cr.Consumer.Workers <= 0 {
		cr.Consumer.Workers = runtime.NumCPU()
	}
	if cr.Consumer.DLQ_Dir == "" {
		cr.Consumer.DLQ_Dir = "/var/lib/siemcore/dlq"
	}
	if cr.Consumer.Refresh_S <= 0 {
		cr.Consumer.Refresh_S = 300
	}
	return &cr, nil
}

func init() {
	flag.Parse()
	if *ver {
		fmt.Println("parseworker version " + version())
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	adapter, err := store.Open(ctx, store.DefaultConfig(cfg.Consumer.Store_RW_DSN, cfg.Consumer.Store_RO_DSN), lg)
	if err != nil {
		lg.Fatal("failed to open store adapter", log.KVErr(err))
	}
	defer adapter.Close()

	sub, err := broker.NewConsumerGroup(broker.ConsumerConfig{
		Brokers:  cfg.Global.Broker_Addrs,
		ClientID: cfg.Global.Broker_Client_ID,
		GroupID:  "parse-consumers",
	}, lg)
	if err != nil {
		lg.Fatal("failed to start broker consumer group", log.KVErr(err))
	}
	defer sub.Close()

	pub, err := broker.NewProducer(broker.ProducerConfig{
		Brokers:        cfg.Global.Broker_Addrs,
		ClientID:       cfg.Global.Broker_Client_ID + "-republish",
		ProduceTimeout: 5 * time.Second,
	}, lg)
	if err != nil {
		lg.Fatal("failed to start broker republish producer", log.KVErr(err))
	}
	defer pub.Close()

	dlqw, err := dlq.NewWriter(cfg.Consumer.DLQ_Dir)
	if err != nil {
		lg.Fatal("failed to open DLQ writer", log.KVErr(err))
	}

	// Bootstrap an empty catalog/threat-index; production deployments
	// point Loader at the admin API, which is an external collaborator.
	// NewCatalog's initial load and the refresh ticker below
	// both go through the same Loader so the catalog is never stale
	// relative to what the admin surface has published.
	loader := emptyCatalogLoader
	catalog, err := parsers.NewCatalog(ctx, loader, lg)
	if err != nil {
		lg.Fatal("failed to build initial parser catalog", log.KVErr(err))
	}
	go catalog.RunRefresh(ctx, time.Duration(cfg.Consumer.Refresh_S)*time.Second, nil)

	threat, err := enrich.NewThreatIndex(nil)
	if err != nil {
		lg.Fatal("failed to build threat index", log.KVErr(err))
	}

	pool := consumer.NewPool(cfg.Consumer.Workers, consumer.DefaultConfig(), catalog, threat, adapter, pub, dlqw, lg)

	if cfg.Consumer.Metrics_Bind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Consumer.Metrics_Bind, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				lg.Error("metrics server error", log.KVErr(err))
			}
		}()
	}

	lg.Info("parse consumer pool starting", log.Kv("workers", cfg.Consumer.Workers))
	if err := pool.Run(ctx, sub); err != nil && ctx.Err() == nil {
		lg.Error("consumer pool exited with error", log.KVErr(err))
		os.Exit(1)
	}
	lg.Info("parse consumer pool stopped")
}

func emptyCatalogLoader(ctx context.Context) (parsers.Snapshot, error) {
	logsrc, err := parsers.NewLogSourceIndex(nil)
	if err != nil {
		return parsers.Snapshot{}, err
	}
	return parsers.Snapshot{
		Registry:  parsers.NewDefaultRegistry(),
		LogSource: logsrc,
		Alias:     parsers.NewAliasResolver(nil, nil, nil),
		Taxonomy:  parsers.NewTaxonomy(nil),
	}, nil
}

func version() string { return "0.1.0-dev" }
