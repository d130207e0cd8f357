/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package store

import (
	"fmt"
	"strings"
)

// forbiddenKeywords blocks DDL and any statement kind other than a
// single SELECT: rule queries are validated by a compile step that
// rejects unsafe constructs (DDL, multi-statement).
// This is intentionally a small hand-rolled check rather than a pack
// SQL-parsing library — see DESIGN.md for why a full parser was not
// justified for this narrow a surface.
var forbiddenKeywords = []string{
	"drop ", "alter ", "create ", "truncate ", "delete ", "insert ",
	"update ", "grant ", "revoke ", "attach ", "detach ", "rename ",
	"optimize ", "system ", "kill ",
}

// ErrUnsafeQuery is returned when a candidate rule query fails the
// compile-time safety check.
var ErrUnsafeQuery = fmt.Errorf("store: query failed safety validation")

// ValidateTemplateSQL rejects DDL and multi-statement SQL before a
// rule's query is accepted into the allow-list via RegisterTemplate.
// It does not attempt to validate full SQL grammar — only the narrow
// set of constructs that are unsafe for a stored-rule template.
func ValidateTemplateSQL(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return fmt.Errorf("%w: empty query", ErrUnsafeQuery)
	}
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") {
		return fmt.Errorf("%w: only SELECT is permitted", ErrUnsafeQuery)
	}
	// Multi-statement: a semicolon anywhere but trailing the string
	// (after trimming trailing whitespace) indicates a second
	// statement.
	body := strings.TrimRight(trimmed, "; \t\n")
	if strings.Contains(body, ";") {
		return fmt.Errorf("%w: multi-statement query", ErrUnsafeQuery)
	}
	for _, kw := range forbiddenKeywords {
		if strings.Contains(lower, kw) {
			return fmt.Errorf("%w: forbidden keyword %q", ErrUnsafeQuery, strings.TrimSpace(kw))
		}
	}
	return nil
}
