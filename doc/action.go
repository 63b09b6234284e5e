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

// Package doc models the pieces of a document that the access-control engine
// works over: low-level document actions, columnar table snapshots, record
// views, sessions, and resolved users.
package doc

import "sort"

// CellValue is a single cell in a document table. The data engine produces
// plain scalars: nil, bool, string, int64, float64 or []byte.
type CellValue = interface{}

// Action is a single document mutation emitted by the data engine. Data
// actions carry row content; schema actions change the shape of a table.
type Action interface {
	// Table returns the id of the table the action targets. Rename actions
	// report the id the table had when the action was produced.
	Table() string
}

// ColumnInfo describes a column in a table-creating or column-changing
// schema action.
type ColumnInfo struct {
	ColID     string
	Type      string
	IsFormula bool
	Formula   string
}

// AddRecord adds one row with the given cell values.
type AddRecord struct {
	TableID string
	RowID   int64
	Values  map[string]CellValue
}

// BulkAddRecord adds a batch of rows. Each column slice is parallel to
// RowIDs.
type BulkAddRecord struct {
	TableID string
	RowIDs  []int64
	Columns map[string][]CellValue
}

// UpdateRecord changes some cells of one row.
type UpdateRecord struct {
	TableID string
	RowID   int64
	Values  map[string]CellValue
}

// BulkUpdateRecord changes some cells of a batch of rows.
type BulkUpdateRecord struct {
	TableID string
	RowIDs  []int64
	Columns map[string][]CellValue
}

// RemoveRecord deletes one row.
type RemoveRecord struct {
	TableID string
	RowID   int64
}

// BulkRemoveRecord deletes a batch of rows.
type BulkRemoveRecord struct {
	TableID string
	RowIDs  []int64
}

// ReplaceTableData replaces the entire content of a table.
type ReplaceTableData struct {
	TableID string
	RowIDs  []int64
	Columns map[string][]CellValue
}

// TableDataAction carries the full content of a table, as sent when a table
// is first fetched. It has the same shape as ReplaceTableData but does not
// imply a mutation.
type TableDataAction struct {
	TableID string
	RowIDs  []int64
	Columns map[string][]CellValue
}

// AddTable creates a table with the given columns.
type AddTable struct {
	TableID string
	Columns []ColumnInfo
}

// RemoveTable deletes a table and all its rows.
type RemoveTable struct {
	TableID string
}

// RenameTable changes a table's id.
type RenameTable struct {
	TableID    string
	NewTableID string
}

// AddColumn adds a column to a table.
type AddColumn struct {
	TableID string
	ColID   string
	Info    ColumnInfo
}

// RemoveColumn deletes a column from a table.
type RemoveColumn struct {
	TableID string
	ColID   string
}

// RenameColumn changes a column's id.
type RenameColumn struct {
	TableID  string
	ColID    string
	NewColID string
}

// ModifyColumn changes a column's type or formula, leaving cells alone.
type ModifyColumn struct {
	TableID string
	ColID   string
	Info    ColumnInfo
}

func (a *AddRecord) Table() string        { return a.TableID }
func (a *BulkAddRecord) Table() string    { return a.TableID }
func (a *UpdateRecord) Table() string     { return a.TableID }
func (a *BulkUpdateRecord) Table() string { return a.TableID }
func (a *RemoveRecord) Table() string     { return a.TableID }
func (a *BulkRemoveRecord) Table() string { return a.TableID }
func (a *ReplaceTableData) Table() string { return a.TableID }
func (a *TableDataAction) Table() string  { return a.TableID }
func (a *AddTable) Table() string         { return a.TableID }
func (a *RemoveTable) Table() string      { return a.TableID }
func (a *RenameTable) Table() string      { return a.TableID }
func (a *AddColumn) Table() string        { return a.TableID }
func (a *RemoveColumn) Table() string     { return a.TableID }
func (a *RenameColumn) Table() string     { return a.TableID }
func (a *ModifyColumn) Table() string     { return a.TableID }

// IsDataAction reports whether a carries row content rather than schema.
func IsDataAction(a Action) bool {
	switch a.(type) {
	case *AddRecord, *BulkAddRecord, *UpdateRecord, *BulkUpdateRecord,
		*RemoveRecord, *BulkRemoveRecord, *ReplaceTableData, *TableDataAction:
		return true
	}
	return false
}

// IsSchemaAction reports whether a changes the shape of a table.
func IsSchemaAction(a Action) bool {
	switch a.(type) {
	case *AddTable, *RemoveTable, *RenameTable, *AddColumn, *RemoveColumn,
		*RenameColumn, *ModifyColumn:
		return true
	}
	return false
}

// IsAddAction reports whether a introduces rows carrying their full content.
func IsAddAction(a Action) bool {
	switch a.(type) {
	case *AddRecord, *BulkAddRecord, *ReplaceTableData, *TableDataAction:
		return true
	}
	return false
}

// IsUpdateAction reports whether a changes cells of existing rows.
func IsUpdateAction(a Action) bool {
	switch a.(type) {
	case *UpdateRecord, *BulkUpdateRecord:
		return true
	}
	return false
}

// IsRemoveAction reports whether a deletes rows.
func IsRemoveAction(a Action) bool {
	switch a.(type) {
	case *RemoveRecord, *BulkRemoveRecord:
		return true
	}
	return false
}

// RowIDsOf returns the row ids touched by a data action, in the order the
// action carries them. Schema actions yield nil.
func RowIDsOf(a Action) []int64 {
	switch a := a.(type) {
	case *AddRecord:
		return []int64{a.RowID}
	case *BulkAddRecord:
		return a.RowIDs
	case *UpdateRecord:
		return []int64{a.RowID}
	case *BulkUpdateRecord:
		return a.RowIDs
	case *RemoveRecord:
		return []int64{a.RowID}
	case *BulkRemoveRecord:
		return a.RowIDs
	case *ReplaceTableData:
		return a.RowIDs
	case *TableDataAction:
		return a.RowIDs
	}
	return nil
}

// ColIDsOf returns the column ids carried by a cell-bearing action, sorted.
// Actions without cell payload yield nil.
func ColIDsOf(a Action) []string {
	var ids []string
	switch a := a.(type) {
	case *AddRecord:
		ids = mapKeys(a.Values)
	case *UpdateRecord:
		ids = mapKeys(a.Values)
	case *BulkAddRecord:
		ids = bulkKeys(a.Columns)
	case *BulkUpdateRecord:
		ids = bulkKeys(a.Columns)
	case *ReplaceTableData:
		ids = bulkKeys(a.Columns)
	case *TableDataAction:
		ids = bulkKeys(a.Columns)
	}
	sort.Strings(ids)
	return ids
}

func mapKeys(m map[string]CellValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func bulkKeys(m map[string][]CellValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// DropColumnsIf removes from a cell-bearing action every column for which
// drop returns true, mutating the action. It returns the number of columns
// left. Actions without cell payload are left alone and report zero.
func DropColumnsIf(a Action, drop func(colID string) bool) int {
	filterScalar := func(m map[string]CellValue) int {
		for k := range m {
			if drop(k) {
				delete(m, k)
			}
		}
		return len(m)
	}
	filterBulk := func(m map[string][]CellValue) int {
		for k := range m {
			if drop(k) {
				delete(m, k)
			}
		}
		return len(m)
	}
	switch a := a.(type) {
	case *AddRecord:
		return filterScalar(a.Values)
	case *UpdateRecord:
		return filterScalar(a.Values)
	case *BulkAddRecord:
		return filterBulk(a.Columns)
	case *BulkUpdateRecord:
		return filterBulk(a.Columns)
	case *ReplaceTableData:
		return filterBulk(a.Columns)
	case *TableDataAction:
		return filterBulk(a.Columns)
	}
	return 0
}

// WithoutRows strips the rows named in remove from a data action, mutating
// bulk payloads in place. It returns nil when no rows are left, and the
// action unchanged when remove hits nothing.
func WithoutRows(a Action, remove map[int64]bool) Action {
	trim := func(rowIDs []int64, columns map[string][]CellValue) []int64 {
		kept := rowIDs[:0]
		keptIdx := make([]int, 0, len(rowIDs))
		for i, id := range rowIDs {
			if !remove[id] {
				kept = append(kept, id)
				keptIdx = append(keptIdx, i)
			}
		}
		for colID, values := range columns {
			out := values[:0]
			for _, i := range keptIdx {
				out = append(out, values[i])
			}
			columns[colID] = out
		}
		return kept
	}
	switch a := a.(type) {
	case *AddRecord:
		if remove[a.RowID] {
			return nil
		}
	case *UpdateRecord:
		if remove[a.RowID] {
			return nil
		}
	case *RemoveRecord:
		if remove[a.RowID] {
			return nil
		}
	case *BulkAddRecord:
		if a.RowIDs = trim(a.RowIDs, a.Columns); len(a.RowIDs) == 0 {
			return nil
		}
	case *BulkUpdateRecord:
		if a.RowIDs = trim(a.RowIDs, a.Columns); len(a.RowIDs) == 0 {
			return nil
		}
	case *BulkRemoveRecord:
		if a.RowIDs = trim(a.RowIDs, nil); len(a.RowIDs) == 0 {
			return nil
		}
	case *ReplaceTableData:
		a.RowIDs = trim(a.RowIDs, a.Columns)
	case *TableDataAction:
		a.RowIDs = trim(a.RowIDs, a.Columns)
	}
	return a
}

// SetCell overwrites the value the action carries for (rowID, colID). The
// column payload is created if the action does not carry that column yet.
// Rows the action does not touch are left alone.
func SetCell(a Action, rowID int64, colID string, value CellValue) {
	setScalar := func(id int64, m map[string]CellValue) {
		if id == rowID {
			m[colID] = value
		}
	}
	setBulk := func(rowIDs []int64, m map[string][]CellValue) {
		for i, id := range rowIDs {
			if id != rowID {
				continue
			}
			if _, ok := m[colID]; !ok {
				m[colID] = make([]CellValue, len(rowIDs))
			}
			m[colID][i] = value
			return
		}
	}
	switch a := a.(type) {
	case *AddRecord:
		setScalar(a.RowID, a.Values)
	case *UpdateRecord:
		setScalar(a.RowID, a.Values)
	case *BulkAddRecord:
		setBulk(a.RowIDs, a.Columns)
	case *BulkUpdateRecord:
		setBulk(a.RowIDs, a.Columns)
	case *ReplaceTableData:
		setBulk(a.RowIDs, a.Columns)
	case *TableDataAction:
		setBulk(a.RowIDs, a.Columns)
	}
}

// GetCell returns the value the action carries for (rowID, colID), if any.
func GetCell(a Action, rowID int64, colID string) (CellValue, bool) {
	getScalar := func(id int64, m map[string]CellValue) (CellValue, bool) {
		if id != rowID {
			return nil, false
		}
		v, ok := m[colID]
		return v, ok
	}
	getBulk := func(rowIDs []int64, m map[string][]CellValue) (CellValue, bool) {
		values, ok := m[colID]
		if !ok {
			return nil, false
		}
		for i, id := range rowIDs {
			if id == rowID {
				return values[i], true
			}
		}
		return nil, false
	}
	switch a := a.(type) {
	case *AddRecord:
		return getScalar(a.RowID, a.Values)
	case *UpdateRecord:
		return getScalar(a.RowID, a.Values)
	case *BulkAddRecord:
		return getBulk(a.RowIDs, a.Columns)
	case *BulkUpdateRecord:
		return getBulk(a.RowIDs, a.Columns)
	case *ReplaceTableData:
		return getBulk(a.RowIDs, a.Columns)
	case *TableDataAction:
		return getBulk(a.RowIDs, a.Columns)
	}
	return nil, false
}

// Clone returns a deep copy of an action. The copy shares nothing with the
// original, so it can be rewritten per viewer.
func Clone(a Action) Action {
	switch a := a.(type) {
	case *AddRecord:
		return &AddRecord{a.TableID, a.RowID, cloneValues(a.Values)}
	case *BulkAddRecord:
		return &BulkAddRecord{a.TableID, cloneRowIDs(a.RowIDs), cloneColumns(a.Columns)}
	case *UpdateRecord:
		return &UpdateRecord{a.TableID, a.RowID, cloneValues(a.Values)}
	case *BulkUpdateRecord:
		return &BulkUpdateRecord{a.TableID, cloneRowIDs(a.RowIDs), cloneColumns(a.Columns)}
	case *RemoveRecord:
		return &RemoveRecord{a.TableID, a.RowID}
	case *BulkRemoveRecord:
		return &BulkRemoveRecord{a.TableID, cloneRowIDs(a.RowIDs)}
	case *ReplaceTableData:
		return &ReplaceTableData{a.TableID, cloneRowIDs(a.RowIDs), cloneColumns(a.Columns)}
	case *TableDataAction:
		return &TableDataAction{a.TableID, cloneRowIDs(a.RowIDs), cloneColumns(a.Columns)}
	case *AddTable:
		cols := make([]ColumnInfo, len(a.Columns))
		copy(cols, a.Columns)
		return &AddTable{a.TableID, cols}
	case *RemoveTable:
		return &RemoveTable{a.TableID}
	case *RenameTable:
		return &RenameTable{a.TableID, a.NewTableID}
	case *AddColumn:
		return &AddColumn{a.TableID, a.ColID, a.Info}
	case *RemoveColumn:
		return &RemoveColumn{a.TableID, a.ColID}
	case *RenameColumn:
		return &RenameColumn{a.TableID, a.ColID, a.NewColID}
	case *ModifyColumn:
		return &ModifyColumn{a.TableID, a.ColID, a.Info}
	}
	return a
}

func cloneRowIDs(ids []int64) []int64 {
	out := make([]int64, len(ids))
	copy(out, ids)
	return out
}

func cloneValues(values map[string]CellValue) map[string]CellValue {
	out := make(map[string]CellValue, len(values))
	for k, v := range values {
		out[k] = cloneCell(v)
	}
	return out
}

func cloneColumns(columns map[string][]CellValue) map[string][]CellValue {
	out := make(map[string][]CellValue, len(columns))
	for k, values := range columns {
		col := make([]CellValue, len(values))
		for i, v := range values {
			col[i] = cloneCell(v)
		}
		out[k] = col
	}
	return out
}

func cloneCell(v CellValue) CellValue {
	if b, ok := v.([]byte); ok {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	}
	return v
}
