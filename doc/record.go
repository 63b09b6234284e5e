// Copyright 2026 Grist Labs, Inc.
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

package doc

import "github.com/spf13/cast"

// RecordView is a read-only, row-shaped view over one row of a columnar
// table snapshot. The zero value behaves as an empty record whose cells all
// read as nil.
type RecordView struct {
	data  *TableData
	index int
}

// NewRecordView returns a view of row index of the given snapshot.
func NewRecordView(data *TableData, index int) *RecordView {
	return &RecordView{data: data, index: index}
}

// EmptyRecordView returns a view with no backing row. Every Get yields nil.
// Used for failed lookups, so rule formulas see blanks instead of errors.
func EmptyRecordView() *RecordView {
	return &RecordView{index: -1}
}

// Valid reports whether the view is backed by an actual row.
func (r *RecordView) Valid() bool {
	return r != nil && r.data != nil && r.index >= 0 && r.index < len(r.data.RowIDs)
}

// RowID returns the id of the viewed row, or zero for an empty view.
func (r *RecordView) RowID() int64 {
	if !r.Valid() {
		return 0
	}
	return r.data.RowIDs[r.index]
}

// Get returns the cell value for colID. The pseudo-column "id" yields the
// row id. Unknown columns and empty views yield nil.
func (r *RecordView) Get(colID string) CellValue {
	if !r.Valid() {
		return nil
	}
	if colID == "id" {
		return r.data.RowIDs[r.index]
	}
	col, ok := r.data.Columns[colID]
	if !ok || r.index >= len(col) {
		return nil
	}
	return col[r.index]
}

// Has reports whether the snapshot carries colID (or "id").
func (r *RecordView) Has(colID string) bool {
	if !r.Valid() {
		return false
	}
	if colID == "id" {
		return true
	}
	_, ok := r.data.Columns[colID]
	return ok
}

// GetString returns the cell as a string, coercing scalars loosely.
func (r *RecordView) GetString(colID string) string {
	return cast.ToString(r.Get(colID))
}

// GetInt returns the cell as an int64, coercing scalars loosely. Values that
// do not look like numbers yield zero.
func (r *RecordView) GetInt(colID string) int64 {
	v, err := cast.ToInt64E(r.Get(colID))
	if err != nil {
		return 0
	}
	return v
}

// GetBool returns the cell as a bool, coercing scalars loosely.
func (r *RecordView) GetBool(colID string) bool {
	return cast.ToBool(r.Get(colID))
}

// ToMap materializes the row as a column-to-value map, id included.
func (r *RecordView) ToMap() map[string]CellValue {
	if !r.Valid() {
		return map[string]CellValue{}
	}
	out := make(map[string]CellValue, len(r.data.Columns)+1)
	out["id"] = r.data.RowIDs[r.index]
	for colID, col := range r.data.Columns {
		if r.index < len(col) {
			out[colID] = col[r.index]
		}
	}
	return out
}

// RecordEditor is a row-shaped writer over one row of a table snapshot.
type RecordEditor struct {
	RecordView
}

// NewRecordEditor returns an editor for the row with the given id, or nil
// if the snapshot does not hold it.
func NewRecordEditor(data *TableData, rowID int64) *RecordEditor {
	i := data.RowIndex(rowID)
	if i < 0 {
		return nil
	}
	return &RecordEditor{RecordView{data: data, index: i}}
}

// Set writes a cell value, creating the column if the snapshot lacks it.
func (e *RecordEditor) Set(colID string, value CellValue) {
	if !e.Valid() || colID == "id" {
		return
	}
	col, ok := e.data.Columns[colID]
	if !ok {
		col = make([]CellValue, len(e.data.RowIDs))
		e.data.Columns[colID] = col
	}
	col[e.index] = value
}
