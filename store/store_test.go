/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftwire/siemcore/ingest/entry"
)

type fakeBatch struct {
	rows [][]any
}

func (f *fakeBatch) Append(v ...any) error {
	f.rows = append(f.rows, v)
	return nil
}

func TestAppendEventRow(t *testing.T) {
	ev := entry.NewCanonicalEvent("tenantA", "10.0.0.1", "json", `{"a":1}`, 100, 100)
	ev.MarkFailed("bad json")

	fb := &fakeBatch{}
	require.NoError(t, appendEventRow(fb, &ev))
	require.Len(t, fb.rows, 1)
	row := fb.rows[0]
	assert.Equal(t, ev.EventID.String(), row[0])
	assert.Equal(t, "tenantA", row[1])
	assert.Equal(t, "failed", row[7])
}

func TestValidateTemplateSQL(t *testing.T) {
	cases := []struct {
		name    string
		sql     string
		wantErr bool
	}{
		{"plain select", "SELECT 1", false},
		{"select with where", "select source_ip from events where tenant_id = @tenant_id", false},
		{"ddl drop", "DROP TABLE events", true},
		{"ddl create", "CREATE TABLE x (a Int32)", true},
		{"multi-statement", "SELECT 1; DROP TABLE events", true},
		{"insert", "INSERT INTO events VALUES (1)", true},
		{"empty", "   ", true},
		{"not a select", "SHOW TABLES", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateTemplateSQL(c.sql)
			if c.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegisterTemplateRejectsUnsafe(t *testing.T) {
	err := RegisterTemplate(QueryTemplate{Name: "evil", SQL: "DROP TABLE events"})
	assert.ErrorIs(t, err, ErrUnsafeQuery)
	_, ok := LookupTemplate("evil")
	assert.False(t, ok)

	err = RegisterTemplate(QueryTemplate{Name: "custom_ok", SQL: "SELECT 1", Params: nil})
	assert.NoError(t, err)
	tmpl, ok := LookupTemplate("custom_ok")
	require.True(t, ok)
	assert.Equal(t, "custom_ok", tmpl.Name)
}

func TestValidateParams(t *testing.T) {
	tmpl := QueryTemplate{Name: "t", Params: []string{"tenant_id", "since"}}
	err := validateParams(tmpl, map[string]any{"tenant_id": "a"})
	assert.Error(t, err)

	err = validateParams(tmpl, map[string]any{"tenant_id": "a", "since": 1})
	assert.NoError(t, err)
}
