/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package consumer

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/riftwire/siemcore/broker"
	"github.com/riftwire/siemcore/enrich"
	"github.com/riftwire/siemcore/ingest/log"
	"github.com/riftwire/siemcore/internal/dlq"
	"github.com/riftwire/siemcore/parsers"
)

// Pool runs N independent Workers sharing one catalog, threat index,
// store, and DLQ writer, each with its own batch state. Sarama assigns
// each consumer-group member a disjoint set of partitions, so workers
// never contend for the same tenant's ordering guarantee.
type Pool struct {
	cfg     Config
	catalog *parsers.Catalog
	threat  *enrich.ThreatIndex
	store   EventStore
	pub     broker.Publisher
	dlq     *dlq.Writer
	lg      *log.Logger
	size    int
}

func NewPool(size int, cfg Config, catalog *parsers.Catalog, threat *enrich.ThreatIndex, store EventStore, pub broker.Publisher, dlqw *dlq.Writer, lg *log.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{cfg: cfg, catalog: catalog, threat: threat, store: store, pub: pub, dlq: dlqw, lg: lg, size: size}
}

// Run starts size workers against sub and blocks until ctx is
// cancelled or any worker returns a non-nil error, at which point the
// group cancels its shared context and the others shut down too.
func (p *Pool) Run(ctx context.Context, sub broker.Subscriber) error {
	grp, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		w := NewWorker(p.cfg, p.catalog, p.threat, p.store, p.pub, p.dlq, p.lg)
		grp.Go(func() error {
			return w.runWithTicker(gctx, sub)
		})
	}
	return grp.Wait()
}

// runWithTicker drives Run in one goroutine and Tick on a timer in
// another, so a partial batch left idle past BatchMaxAge still flushes
// even with no new arrivals to trigger it.
func (w *Worker) runWithTicker(ctx context.Context, sub broker.Subscriber) error {
	ticker := time.NewTicker(w.cfg.BatchMaxAge)
	defer ticker.Stop()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, sub) }()

	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.lg.Error("batch tick flush failed", log.Kv("error", err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
