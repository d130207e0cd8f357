/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command ingestgw is the ingestion gateway binary: it serves
// /v1/events and /ingest/raw over HTTP and runs the UDP/TCP syslog
// listeners, handing every accepted event off to the broker's raw
// topic.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riftwire/siemcore/broker"
	"github.com/riftwire/siemcore/gateway"
	"github.com/riftwire/siemcore/ingest/config"
	"github.com/riftwire/siemcore/ingest/config/validate"
	"github.com/riftwire/siemcore/ingest/log"
	"github.com/riftwire/siemcore/internal/ratelimit"
	"github.com/riftwire/siemcore/parsers"
)

const defaultConfigLoc = `/opt/siemcore/etc/ingestgw.conf`

var (
	confLoc = flag.String("config-file", defaultConfigLoc, "Location for configuration file")
	ver     = flag.Bool("version", false, "Print the version information and exit")
	lg      *log.Logger
)

// cfgType is this binary's NodeConfig extension: global node settings
// plus the gateway-specific listener/auth knobs read from the
// [Gateway] section of the config file.
type cfgType struct {
	Global  config.NodeConfig
	Gateway gatewayConfig
}

type gatewayConfig struct {
	HTTP_Bind             string  `json:",omitempty"`
	UDP_Port              int     `json:",omitempty"`
	TCP_Port              int     `json:",omitempty"`
	Metrics_Bind          string  `json:",omitempty"`
	JWT_Secret            string  `json:",omitempty"`
	Default_Tenant        string  `json:",omitempty"`
	Agent_Key_File        string  `json:",omitempty"`
	Rate_Per_Tenant_QPS   float64 `json:",omitempty"`
	Rate_Per_Tenant_Burst int     `json:",omitempty"`
}

// Verify and NodeBaseConfig satisfy the config/validate package's
// interfaces so `-validate` exercises the same checks every other
// siemcore node binary does.
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
	if cr.Gateway.HTTP_Bind == "" {
		cr.Gateway.HTTP_Bind = ":8080"
	}
	if cr.Gateway.UDP_Port == 0 {
		cr.Gateway.UDP_Port = 5140
	}
	if cr.Gateway.TCP_Port == 0 {
		cr.Gateway.TCP_Port = 5141
	}
	if cr.Gateway.JWT_Secret == "" {
		return nil, fmt.Errorf("ingestgw: JWT_Secret is required")
	}
	if cr.Gateway.Default_Tenant == "" {
		return nil, fmt.Errorf("ingestgw: Default_Tenant is required for unresolved syslog sources")
	}
	return &cr, nil
}

func init() {
	flag.Parse()
	if *ver {
		fmt.Println("ingestgw version " + version())
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

	producer, err := broker.NewProducer(broker.ProducerConfig{
		Brokers:        cfg.Global.Broker_Addrs,
		ClientID:       cfg.Global.Broker_Client_ID,
		ProduceTimeout: 5 * time.Second,
	}, lg)
	if err != nil {
		lg.Fatal("failed to start broker producer", log.KVErr(err))
	}
	defer producer.Close()

	// LogSource resolution for syslog tenant lookup is bootstrapped
	// empty here; the real deployment feeds it from the admin API via
	// a periodic Reload the way parsers.Catalog does. Provisioning
	// (admin CRUD on LogSource rows) is an external collaborator.
	resolver, err := parsers.NewLogSourceIndex(nil)
	if err != nil {
		lg.Fatal("failed to build log source index", log.KVErr(err))
	}

	rlCfg := ratelimit.DefaultConfig()
	if cfg.Gateway.Rate_Per_Tenant_QPS > 0 {
		rlCfg.RefillPerSec = cfg.Gateway.Rate_Per_Tenant_QPS
	}
	if cfg.Gateway.Rate_Per_Tenant_Burst > 0 {
		rlCfg.Burst = cfg.Gateway.Rate_Per_Tenant_Burst
	}
	limiter := ratelimit.New(rlCfg)
	go func() {
		ticker := time.NewTicker(rlCfg.IdleTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.EvictIdle()
			}
		}
	}()
	auth := gateway.NewAuthenticator([]byte(cfg.Gateway.JWT_Secret))
	agentAuth := &gateway.AgentAuth{Keys: loadAgentKeys(cfg.Gateway.Agent_Key_File, lg)}

	gw := gateway.New(gateway.Config{DefaultTenant: cfg.Gateway.Default_Tenant}, auth, agentAuth, limiter, producer, resolver, lg)

	httpSrv := &http.Server{
		Addr:         cfg.Gateway.HTTP_Bind,
		Handler:      gw.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.Gateway.Metrics_Bind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Gateway.Metrics_Bind, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error("metrics server error", log.KVErr(err))
			}
		}()
	}

	errCh := make(chan error, 3)
	go func() {
		lg.Info("http ingress listening", log.Kv("addr", cfg.Gateway.HTTP_Bind))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := gw.ListenUDP(ctx, cfg.Gateway.UDP_Port); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("udp listener: %w", err)
		}
	}()
	go func() {
		if err := gw.ListenTCP(ctx, cfg.Gateway.TCP_Port); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("tcp listener: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		lg.Info("shutdown signal received, draining")
	case err := <-errCh:
		lg.Error("listener failure, shutting down", log.KVErr(err))
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		lg.Error("http shutdown error", log.KVErr(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutCtx)
	}
}

// loadAgentKeys reads an asset_id -> agent_key map from a small JSON
// file; provisioning agent keys is an admin-CRUD concern handled
// elsewhere, this only consumes the resulting file.
func loadAgentKeys(path string, lg *log.Logger) map[string]string {
	m := map[string]string{}
	if path == "" {
		return m
	}
	b, err := os.ReadFile(path)
	if err != nil {
		lg.Warn("failed to read agent key file, agent auth will reject all callers", log.Kv("path", path), log.KVErr(err))
		return m
	}
	if err := json.Unmarshal(b, &m); err != nil {
		lg.Warn("failed to parse agent key file, agent auth will reject all callers", log.Kv("path", path), log.KVErr(err))
		return map[string]string{}
	}
	return m
}

func version() string { return "0.1.0-dev" }
