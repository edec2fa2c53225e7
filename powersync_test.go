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

package powersync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These exercise the facade's public aliases and constants end to
// end through encoding/json, the way application code actually uses
// them, rather than re-testing the internal packages they alias.

func TestSchemaAliasRoundTripsThroughJSON(t *testing.T) {
	s := Schema{
		Tables: []Table{
			{
				Name: "todos",
				Columns: []Column{
					{Name: "description", Type: ColumnText},
					{Name: "completed", Type: ColumnInteger},
				},
				Options: TableOptions{
					TrackPreviousValues: TrackPreviousValuesAll,
					IgnoreEmptyUpdates:  true,
				},
			},
		},
	}
	require.NoError(t, s.Validate())

	buf, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(buf), `"name":"todos"`)
	assert.Contains(t, string(buf), `"type":"TEXT"`)
}

func TestCrudEntryUpdateTypeConstantsMatchTheWireVocabulary(t *testing.T) {
	assert.EqualValues(t, "PUT", Put)
	assert.EqualValues(t, "PATCH", Patch)
	assert.EqualValues(t, "DELETE", Delete)
}

func TestStreamDescriptorAliasIdentifiesStreamsByNameAndParams(t *testing.T) {
	a := StreamDescriptor{Name: "todos"}
	b := StreamDescriptor{Name: "todos"}
	assert.Equal(t, a, b)
}

func TestUploadStateConstantsAreDistinct(t *testing.T) {
	assert.NotEqual(t, UploadIdle, UploadUploading)
	assert.NotEqual(t, UploadUploading, UploadErrorState)
	assert.NotEqual(t, UploadIdle, UploadErrorState)
}
