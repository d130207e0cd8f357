/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command detectd is the detection-subsystem binary: it runs both
// the streaming engine (consuming events.parsed) and the scheduled
// engine (polling the store on a per-rule cadence) against one shared
// rule catalog.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/riftwire/siemcore/broker"
	"github.com/riftwire/siemcore/detect"
	"github.com/riftwire/siemcore/ingest/config"
	"github.com/riftwire/siemcore/ingest/config/validate"
	"github.com/riftwire/siemcore/ingest/log"
	"github.com/riftwire/siemcore/store"
)

const defaultConfigLoc = `/opt/siemcore/etc/detectd.conf`

var (
	confLoc = flag.String("config-file", defaultConfigLoc, "Location for configuration file")
	ver     = flag.Bool("version", false, "Print the version information and exit")
	lg      *log.Logger
)

type cfgType struct {
	Global  config.NodeConfig
	Detect  detectConfig
}

type detectConfig struct {
	Store_RW_DSN string `json:",omitempty"` // write-scoped user, used only for alert inserts
	Store_RO_DSN string `json:",omitempty"` // read-only user, used for rule queries
	Rules_File   string `json:",omitempty"`
	Metrics_Bind string `json:",omitempty"`
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
	if cr.Detect.Store_RO_DSN == "" {
		return nil, fmt.Errorf("detectd: Store_RO_DSN is required")
	}
	if cr.Detect.Store_RW_DSN == "" {
		return nil, fmt.Errorf("detectd: Store_RW_DSN is required for alert writes")
	}
	if cr.Detect.Rules_File == "" {
		return nil, fmt.Errorf("detectd: Rules_File is required")
	}
	return &cr, nil
}

func init() {
	flag.Parse()
	if *ver {
		fmt.Println("detectd version " + version())
		os.Exit(0)
	}
	validate.ValidateNodeConfig(GetConfig, *confLoc, "")
}

// ruleDoc is the on-disk shape of one rule in Rules_File. Rule
// provisioning is an admin-CRUD concern handled elsewhere; this is
// the bootstrap loading path a real deployment would replace with an
// admin-API-backed Loader analogous to parsers.Catalog's.
type ruleDoc struct {
	RuleID        string `json:"rule_id"`
	TenantID      string `json:"tenant_id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Query         string `json:"query"`
	EngineType    string `json:"engine_type"`
	IsStateful    bool   `json:"is_stateful"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
	AggregateOn   []string `json:"aggregate_on,omitempty"`
	Threshold     int    `json:"threshold,omitempty"`
	WindowS       int    `json:"window_s,omitempty"`
	Severity      string `json:"severity"`
	Enabled       bool   `json:"enabled"`
	WatermarkS    int    `json:"watermark_s"`
	ThrottleS     int    `json:"throttle_s"`
	AlertKeyExpr  string `json:"alert_key_expr"`
	ScheduleEveryS int   `json:"schedule_every_s,omitempty"`
	WindowLookbackS int `json:"window_lookback_s,omitempty"`
	Concurrency   int    `json:"concurrency,omitempty"`

	// QuerySQL, when present on a scheduled rule, is the rule's own
	// SELECT template: it is validated and registered into the store's
	// allow-list at load time under the rule's Query name. A rule whose
	// SQL fails validation is loaded disabled so the operator sees it
	// in the catalog but it never runs. QueryParams binds the literal
	// values for the template's named parameters beyond the
	// tenant_id/since pair the engine supplies on every cycle.
	QuerySQL    string         `json:"query_sql,omitempty"`
	QueryParams map[string]any `json:"query_params,omitempty"`
}

func loadRules(path string, lg *log.Logger) ([]detect.Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("detectd: read rules file: %w", err)
	}
	var docs []ruleDoc
	if err := json.Unmarshal(b, &docs); err != nil {
		return nil, fmt.Errorf("detectd: parse rules file: %w", err)
	}
	rules := make([]detect.Rule, 0, len(docs))
	for _, d := range docs {
		r := detect.Rule{
			RuleID:       d.RuleID,
			TenantID:     d.TenantID,
			Name:         d.Name,
			Description:  d.Description,
			Query:        d.Query,
			EngineType:   detect.EngineType(d.EngineType),
			IsStateful:   d.IsStateful,
			Severity:     d.Severity,
			Enabled:      d.Enabled,
			WatermarkS:   d.WatermarkS,
			ThrottleS:    d.ThrottleS,
			AlertKeyExpr: d.AlertKeyExpr,
		}
		if d.IsStateful {
			r.Stateful = &detect.StatefulConfig{
				KeyPrefix:   d.KeyPrefix,
				AggregateOn: d.AggregateOn,
				Threshold:   d.Threshold,
				WindowS:     d.WindowS,
			}
		}
		if d.ScheduleEveryS > 0 {
			r.ScheduleEvery = time.Duration(d.ScheduleEveryS) * time.Second
		}
		if d.WindowLookbackS > 0 {
			r.WindowLookback = time.Duration(d.WindowLookbackS) * time.Second
		}
		r.Concurrency = d.Concurrency
		r.QueryParams = d.QueryParams
		if d.QuerySQL != "" {
			paramNames := []string{"tenant_id", "since"}
			for k := range d.QueryParams {
				paramNames = append(paramNames, k)
			}
			err := store.RegisterTemplate(store.QueryTemplate{
				Name:   d.Query,
				SQL:    d.QuerySQL,
				Params: paramNames,
			})
			if err != nil {
				// compile failure disables the rule; the operator must
				// re-save a valid query before it can fire
				lg.Error("rule query failed validation, rule disabled",
					log.Kv("rule_id", d.RuleID), log.KVErr(err))
				r.Enabled = false
			}
		}
		rules = append(rules, r)
	}
	return rules, nil
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

	rules, err := loadRules(cfg.Detect.Rules_File, lg)
	if err != nil {
		lg.Fatal("failed to load rule catalog", log.KVErr(err))
	}
	catalog := detect.NewCatalog(rules)
	lg.Info("rule catalog loaded", log.Kv("rules", len(rules)))

	adapter, err := store.Open(ctx, store.DefaultConfig(cfg.Detect.Store_RW_DSN, cfg.Detect.Store_RO_DSN), lg)
	if err != nil {
		lg.Fatal("failed to open store adapter", log.KVErr(err))
	}
	defer adapter.Close()

	sub, err := broker.NewConsumerGroup(broker.ConsumerConfig{
		Brokers:  cfg.Global.Broker_Addrs,
		ClientID: cfg.Global.Broker_Client_ID,
		GroupID:  "streaming-detect",
	}, lg)
	if err != nil {
		lg.Fatal("failed to start broker consumer group", log.KVErr(err))
	}
	defer sub.Close()

	pub, err := broker.NewProducer(broker.ProducerConfig{
		Brokers:        cfg.Global.Broker_Addrs,
		ClientID:       cfg.Global.Broker_Client_ID + "-alerts",
		ProduceTimeout: 5 * time.Second,
	}, lg)
	if err != nil {
		lg.Fatal("failed to start broker alert producer", log.KVErr(err))
	}
	defer pub.Close()

	streaming := detect.NewStreamingEngine(catalog, adapter, pub, lg, "streaming-detect")
	scheduled := detect.NewScheduledEngine(catalog, adapter, adapter, lg)

	if cfg.Detect.Metrics_Bind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Detect.Metrics_Bind, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				lg.Error("metrics server error", log.KVErr(err))
			}
		}()
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		lg.Info("streaming engine starting")
		return streaming.Run(gctx, sub)
	})
	grp.Go(func() error {
		lg.Info("scheduled engine starting")
		return scheduled.Run(gctx)
	})

	if err := grp.Wait(); err != nil && ctx.Err() == nil {
		lg.Error("detection engines exited with error", log.KVErr(err))
		os.Exit(1)
	}
	lg.Info("detection subsystem stopped")
}

func version() string { return "0.1.0-dev" }
