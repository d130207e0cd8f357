/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ColumnMeta describes one result column.
type ColumnMeta struct {
	Name string
	Type string
}

// Statistics reports bounded-execution bookkeeping for a completed
// query.
type Statistics struct {
	Rows   int
	TookMS int64
}

// Result is the full response of Query: rows as maps keyed by column
// name (sufficient for the detection engines' row->alert mapping),
// column metadata, and execution statistics.
type Result struct {
	Rows       []map[string]any
	Meta       []ColumnMeta
	Statistics Statistics
}

// Query executes an allow-listed template with named parameters and
// returns the full, bounded result set. Limits defaults to
// DefaultLimits when zero-valued.
func (a *Adapter) Query(ctx context.Context, templateName string, params map[string]any, limits Limits) (Result, error) {
	tmpl, ok := LookupTemplate(templateName)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, templateName)
	}
	if err := validateParams(tmpl, params); err != nil {
		return Result{}, err
	}
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	if a.ro == nil {
		return Result{}, fmt.Errorf("store: no read connection configured")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(limits.MaxExecutionTimeS)*time.Second)
	defer cancel()
	ctx = clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"max_execution_time": limits.MaxExecutionTimeS,
		"max_memory_usage":   limits.MaxMemoryBytes,
	}))

	start := time.Now()
	rows, err := a.ro.Query(ctx, tmpl.SQL, namedParams(params)...)
	if err != nil {
		return Result{}, fmt.Errorf("store: query %s: %w", templateName, err)
	}
	defer rows.Close()

	res := Result{}
	for _, ct := range rows.ColumnTypes() {
		res.Meta = append(res.Meta, ColumnMeta{Name: ct.Name(), Type: ct.DatabaseTypeName()})
	}

	for rows.Next() {
		if len(res.Rows) >= limits.MaxResultRows {
			return Result{}, ErrLimitExceeded
		}
		row, err := scanRow(rows, res.Meta)
		if err != nil {
			return Result{}, fmt.Errorf("store: scan row: %w", err)
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("store: row iteration: %w", err)
	}

	res.Statistics = Statistics{Rows: len(res.Rows), TookMS: time.Since(start).Milliseconds()}
	return res, nil
}

// Cursor is a bounded iterator over a StreamQuery result, used by the
// scheduled engine for large analytical scans that should not be
// materialized in memory all at once.
type Cursor struct {
	rows  driver.Rows
	meta  []ColumnMeta
	limit int
	seen  int
	cancel context.CancelFunc
}

// Next advances the cursor. It returns io.EOF-style false once the
// underlying rows are exhausted or the row-count limit is reached.
func (c *Cursor) Next() bool {
	if c.seen >= c.limit {
		return false
	}
	ok := c.rows.Next()
	if ok {
		c.seen++
	}
	return ok
}

// Row scans the current row into a name->value map.
func (c *Cursor) Row() (map[string]any, error) {
	return scanRow(c.rows, c.meta)
}

// Close releases the underlying connection and cancels the bound
// context; callers must always call it, typically via defer.
func (c *Cursor) Close() error {
	c.cancel()
	return c.rows.Close()
}

// StreamQuery is like Query but returns a bounded Cursor instead of
// materializing the full result, for the scheduled engine's larger
// analytical scans.
func (a *Adapter) StreamQuery(ctx context.Context, templateName string, params map[string]any, limits Limits) (*Cursor, error) {
	tmpl, ok := LookupTemplate(templateName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, templateName)
	}
	if err := validateParams(tmpl, params); err != nil {
		return nil, err
	}
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	if a.ro == nil {
		return nil, fmt.Errorf("store: no read connection configured")
	}

	qctx, cancel := context.WithTimeout(ctx, time.Duration(limits.MaxExecutionTimeS)*time.Second)
	qctx = clickhouse.Context(qctx, clickhouse.WithSettings(clickhouse.Settings{
		"max_execution_time": limits.MaxExecutionTimeS,
		"max_memory_usage":   limits.MaxMemoryBytes,
	}))

	rows, err := a.ro.Query(qctx, tmpl.SQL, namedParams(params)...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("store: stream_query %s: %w", templateName, err)
	}
	var meta []ColumnMeta
	for _, ct := range rows.ColumnTypes() {
		meta = append(meta, ColumnMeta{Name: ct.Name(), Type: ct.DatabaseTypeName()})
	}
	return &Cursor{rows: rows, meta: meta, limit: limits.MaxResultRows, cancel: cancel}, nil
}

func namedParams(params map[string]any) []any {
	out := make([]any, 0, len(params))
	for k, v := range params {
		out = append(out, clickhouse.Named(k, v))
	}
	return out
}

// validateParams rejects a call whose params don't cover every
// parameter the template declares — the last line of defense before
// an allow-listed-but-malformed call reaches ClickHouse.
func validateParams(tmpl QueryTemplate, params map[string]any) error {
	for _, name := range tmpl.Params {
		if _, ok := params[name]; !ok {
			return fmt.Errorf("store: template %s missing required param %q", tmpl.Name, name)
		}
	}
	return nil
}

// scanRow pulls values generically via ScanRow into a freshly
// allocated []any slice sized to meta, then maps them by column name.
func scanRow(rows driver.Rows, meta []ColumnMeta) (map[string]any, error) {
	vals := make([]any, len(meta))
	ptrs := make([]any, len(meta))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(meta))
	for i, m := range meta {
		out[m.Name] = vals[i]
	}
	return out, nil
}
