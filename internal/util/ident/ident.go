// Copyright 2024 The PowerSync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package ident holds identifier validation shared by the schema and
// raw-table packages: table and column names are user input and must
// be checked against the characters the local SQLite layer and the
// sync protocol can safely carry.
package ident

import (
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// forbiddenChars mirrors the set the PowerSync core extension rejects:
// quoting and separator characters that would make a name ambiguous
// in generated SQL or in the wire-level JSON schema.
const forbiddenChars = `"'%,.#[]`

// ReservedColumn is the column name every managed table implicitly
// carries as its primary key; it cannot be redeclared.
const ReservedColumn = "id"

// MaxColumns is the maximum number of declared columns per table.
const MaxColumns = 1999

// ValidateTableName checks a table or view name against the reserved
// character set and whitespace rule.
func ValidateTableName(name string) error {
	if name == "" {
		return errors.New("table name must not be empty")
	}
	if strings.ContainsAny(name, forbiddenChars) {
		return errors.Errorf("table name %q contains a reserved character (one of %s)", name, forbiddenChars)
	}
	for _, r := range name {
		if unicode.IsSpace(r) {
			return errors.Errorf("table name %q must not contain whitespace", name)
		}
	}
	return nil
}

// ValidateColumnName checks a column name against the reserved
// character set, whitespace rule, and the reserved "id" column name.
func ValidateColumnName(name string) error {
	if err := ValidateTableName(name); err != nil {
		return errors.WithMessage(err, "invalid column name")
	}
	if strings.EqualFold(name, ReservedColumn) {
		return errors.Errorf("column name %q is reserved", name)
	}
	return nil
}
