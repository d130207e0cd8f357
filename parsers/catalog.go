/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package parsers

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/riftwire/siemcore/ingest/log"
)

// Snapshot bundles every read-mostly catalog the consumer pipeline
// needs into one immutable value, swapped atomically on refresh: readers never lock,
// and never observe a torn mix of old and new state.
type Snapshot struct {
	Registry  Registry
	LogSource *LogSourceIndex
	Alias     *AliasResolver
	Taxonomy  *Taxonomy
	Version   int64
}

// Loader produces a fresh Snapshot, e.g. by querying the admin API for
// current ParserDefinition/LogSource/FieldAliasMap/TaxonomyMapping
// rows. Implemented by the binary wiring this package, not here — this
// package only defines the refresh mechanics.
type Loader func(ctx context.Context) (Snapshot, error)

// Catalog holds the current Snapshot behind an atomic.Pointer and
// refreshes it on a ticker plus on-demand, for admin-triggered
// reloads.
type Catalog struct {
	ptr   atomic.Pointer[Snapshot]
	load  Loader
	lg    *log.Logger
}

// NewCatalog performs the initial load synchronously so the consumer
// never starts with a nil snapshot.
func NewCatalog(ctx context.Context, load Loader, lg *log.Logger) (*Catalog, error) {
	c := &Catalog{load: load, lg: lg}
	snap, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.ptr.Store(&snap)
	return c, nil
}

// Current returns the active snapshot. Safe for concurrent use without
// locking; callers see either the old or the new snapshot, never a
// torn mix.
func (c *Catalog) Current() *Snapshot {
	return c.ptr.Load()
}

// Reload fetches a fresh snapshot and swaps it in. Errors are logged
// and the prior snapshot remains active — a failed refresh must never
// leave the consumers without a usable catalog.
func (c *Catalog) Reload(ctx context.Context) {
	snap, err := c.load(ctx)
	if err != nil {
		c.lg.Warn("catalog reload failed, keeping prior snapshot", log.Kv("error", err))
		return
	}
	snap.Version = c.Current().Version + 1
	c.ptr.Store(&snap)
}

// RunRefresh blocks, reloading every interval until ctx is
// cancelled, and also on every signal received from reloadSignal,
// the control-topic notification used for admin-triggered reloads.
func (c *Catalog) RunRefresh(ctx context.Context, interval time.Duration, reloadSignal <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reload(ctx)
		case <-reloadSignal:
			c.Reload(ctx)
		}
	}
}
