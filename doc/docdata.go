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

import (
	"context"

	"gopkg.in/src-d/go-errors.v1"
)

var (
	// ErrRowNotFound is returned when an action refers to a row id the
	// table does not hold.
	ErrRowNotFound = errors.NewKind("row %d not found in table %s")

	// ErrNoFetcher is returned when a table sync is requested on a Data
	// that was built without a fetch function.
	ErrNoFetcher = errors.NewKind("no fetch function to sync table %s")
)

// TableData is a columnar snapshot of one table. Row i has id RowIDs[i] and
// cell Columns[colID][i]. The id column is not duplicated under Columns.
type TableData struct {
	TableID string
	RowIDs  []int64
	Columns map[string][]CellValue
}

// NewTableData returns a snapshot over the given storage. Nil maps are
// replaced with empty ones so the result is always usable.
func NewTableData(tableID string, rowIDs []int64, columns map[string][]CellValue) *TableData {
	if rowIDs == nil {
		rowIDs = []int64{}
	}
	if columns == nil {
		columns = map[string][]CellValue{}
	}
	return &TableData{TableID: tableID, RowIDs: rowIDs, Columns: columns}
}

// NumRows returns the number of rows in the snapshot.
func (t *TableData) NumRows() int { return len(t.RowIDs) }

// RowIndex returns the position of the given row id, or -1 if absent.
func (t *TableData) RowIndex(rowID int64) int {
	for i, id := range t.RowIDs {
		if id == rowID {
			return i
		}
	}
	return -1
}

// HasRow reports whether the snapshot holds the given row id.
func (t *TableData) HasRow(rowID int64) bool { return t.RowIndex(rowID) >= 0 }

// Record returns a read-only view of the row with the given id, or nil if
// the row is absent.
func (t *TableData) Record(rowID int64) *RecordView {
	i := t.RowIndex(rowID)
	if i < 0 {
		return nil
	}
	return NewRecordView(t, i)
}

// Clone returns a deep copy of the snapshot.
func (t *TableData) Clone() *TableData {
	return &TableData{
		TableID: t.TableID,
		RowIDs:  cloneRowIDs(t.RowIDs),
		Columns: cloneColumns(t.Columns),
	}
}

// AsAction views the snapshot as a TableDataAction. The action shares the
// snapshot's storage; mutate one and the other follows.
func (t *TableData) AsAction() *TableDataAction {
	return &TableDataAction{TableID: t.TableID, RowIDs: t.RowIDs, Columns: t.Columns}
}

// Apply mutates the snapshot according to a data or schema action. Unknown
// row ids in updates and removals are an error; new columns appearing in add
// payloads are adopted, backfilled with nils for earlier rows.
func (t *TableData) Apply(a Action) error {
	switch a := a.(type) {
	case *AddRecord:
		t.appendRows([]int64{a.RowID}, scalarColumns(a.Values))
	case *BulkAddRecord:
		t.appendRows(a.RowIDs, a.Columns)
	case *UpdateRecord:
		return t.updateRows([]int64{a.RowID}, scalarColumns(a.Values))
	case *BulkUpdateRecord:
		return t.updateRows(a.RowIDs, a.Columns)
	case *RemoveRecord:
		return t.removeRows([]int64{a.RowID})
	case *BulkRemoveRecord:
		return t.removeRows(a.RowIDs)
	case *ReplaceTableData:
		t.RowIDs = cloneRowIDs(a.RowIDs)
		t.Columns = cloneColumns(a.Columns)
	case *TableDataAction:
		t.RowIDs = cloneRowIDs(a.RowIDs)
		t.Columns = cloneColumns(a.Columns)
	case *AddColumn:
		if _, ok := t.Columns[a.ColID]; !ok {
			t.Columns[a.ColID] = make([]CellValue, len(t.RowIDs))
		}
	case *RemoveColumn:
		delete(t.Columns, a.ColID)
	case *RenameColumn:
		if values, ok := t.Columns[a.ColID]; ok {
			delete(t.Columns, a.ColID)
			t.Columns[a.NewColID] = values
		}
	case *RenameTable:
		t.TableID = a.NewTableID
	case *ModifyColumn:
		// Type or formula change only; cells are unaffected.
	}
	return nil
}

func scalarColumns(values map[string]CellValue) map[string][]CellValue {
	columns := make(map[string][]CellValue, len(values))
	for colID, v := range values {
		columns[colID] = []CellValue{v}
	}
	return columns
}

func (t *TableData) appendRows(rowIDs []int64, columns map[string][]CellValue) {
	before := len(t.RowIDs)
	t.RowIDs = append(t.RowIDs, rowIDs...)
	for colID, values := range columns {
		col, ok := t.Columns[colID]
		if !ok {
			col = make([]CellValue, before)
		}
		t.Columns[colID] = append(col, values...)
	}
	// Columns absent from the payload get nils for the new rows.
	for colID, col := range t.Columns {
		for len(col) < len(t.RowIDs) {
			col = append(col, nil)
		}
		t.Columns[colID] = col
	}
}

func (t *TableData) updateRows(rowIDs []int64, columns map[string][]CellValue) error {
	for i, rowID := range rowIDs {
		idx := t.RowIndex(rowID)
		if idx < 0 {
			return ErrRowNotFound.New(rowID, t.TableID)
		}
		for colID, values := range columns {
			col, ok := t.Columns[colID]
			if !ok {
				col = make([]CellValue, len(t.RowIDs))
				t.Columns[colID] = col
			}
			col[idx] = values[i]
		}
	}
	return nil
}

func (t *TableData) removeRows(rowIDs []int64) error {
	for _, rowID := range rowIDs {
		idx := t.RowIndex(rowID)
		if idx < 0 {
			return ErrRowNotFound.New(rowID, t.TableID)
		}
		t.RowIDs = append(t.RowIDs[:idx], t.RowIDs[idx+1:]...)
		for colID, col := range t.Columns {
			t.Columns[colID] = append(col[:idx], col[idx+1:]...)
		}
	}
	return nil
}

// Data is an in-memory relational view of a document, addressable by table
// id. Missing tables can be pulled in through the fetch function.
type Data struct {
	tables map[string]*TableData
	fetch  FetchFunc
}

// NewData returns a Data over the given tables. fetch may be nil, in which
// case SyncTable is unavailable.
func NewData(fetch FetchFunc, tables ...*TableData) *Data {
	d := &Data{tables: make(map[string]*TableData, len(tables)), fetch: fetch}
	for _, t := range tables {
		d.tables[t.TableID] = t
	}
	return d
}

// NewSnapshot wraps an existing table map without copying it. Callers that
// mutate the result will see the change reflected in the shared map.
func NewSnapshot(tables map[string]*TableData) *Data {
	if tables == nil {
		tables = map[string]*TableData{}
	}
	return &Data{tables: tables}
}

// Table returns the snapshot for a table id, or nil if absent.
func (d *Data) Table(tableID string) *TableData { return d.tables[tableID] }

// Tables returns the underlying table map. The map is live, not a copy.
func (d *Data) Tables() map[string]*TableData { return d.tables }

// SetTable installs or replaces one table snapshot.
func (d *Data) SetTable(t *TableData) { d.tables[t.TableID] = t }

// SyncTable fetches the given rows of a table and replaces the local
// snapshot with the result. A nil rowIDs fetches the whole table.
func (d *Data) SyncTable(ctx context.Context, tableID string, rowIDs []int64) error {
	if d.fetch == nil {
		return ErrNoFetcher.New(tableID)
	}
	q := Query{TableID: tableID}
	if rowIDs != nil {
		ids := make([]CellValue, len(rowIDs))
		for i, id := range rowIDs {
			ids[i] = id
		}
		q.Filters = map[string][]CellValue{"id": ids}
	}
	t, err := d.fetch(ctx, q)
	if err != nil {
		return err
	}
	t.TableID = tableID
	d.tables[tableID] = t
	return nil
}

// ReceiveAction routes an action to the table it targets. Table-level schema
// actions create, drop, or re-key tables. Actions on tables this Data does
// not hold are ignored, which makes it safe to replay a stream against a
// partial snapshot.
func (d *Data) ReceiveAction(a Action) error {
	switch a := a.(type) {
	case *AddTable:
		t := NewTableData(a.TableID, nil, nil)
		for _, col := range a.Columns {
			t.Columns[col.ColID] = []CellValue{}
		}
		d.tables[a.TableID] = t
		return nil
	case *RemoveTable:
		delete(d.tables, a.TableID)
		return nil
	case *RenameTable:
		t, ok := d.tables[a.TableID]
		if !ok {
			return nil
		}
		delete(d.tables, a.TableID)
		t.TableID = a.NewTableID
		d.tables[a.NewTableID] = t
		return nil
	}
	t, ok := d.tables[a.Table()]
	if !ok {
		return nil
	}
	return t.Apply(a)
}
