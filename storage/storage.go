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

// Package storage reads and writes document tables in a sqlite file. The
// access engine uses it through doc.FetchFunc to pull rows it does not hold
// in memory; the write side exists for hosts and tests that need to lay
// down fixture documents.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cast"
	"gopkg.in/src-d/go-errors.v1"
	_ "modernc.org/sqlite"

	"github.com/gristlabs/go-granular-access/doc"
)

var (
	// ErrStorageClosed is returned by operations on a closed storage.
	ErrStorageClosed = errors.NewKind("document storage is closed")
	// ErrUnsupportedAction is returned by Apply for actions the storage
	// cannot translate to SQL.
	ErrUnsupportedAction = errors.NewKind("cannot apply %T action to storage")
)

// DocStorage is one document's backing sqlite file. All methods are safe for
// concurrent use.
type DocStorage struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open opens or creates the sqlite file at path. Use ":memory:" for a
// throwaway in-memory document.
func Open(path string) (*DocStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DocStorage{db: db}, nil
}

// Close releases the underlying database.
func (s *DocStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Fetch returns the query function in the shape the doc package consumes.
func (s *DocStorage) Fetch() doc.FetchFunc { return s.FetchQuery }

// FetchQuery returns the rows of one table matching a query, as a columnar
// snapshot. A table the storage does not hold yields an empty snapshot, not
// an error, so callers can run the same query before and after the action
// that creates the table.
func (s *DocStorage) FetchQuery(ctx context.Context, q doc.Query) (*doc.TableData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrStorageClosed.New()
	}

	ok, err := s.hasTable(ctx, q.TableID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return doc.NewTableData(q.TableID, nil, nil), nil
	}

	query, params := buildSelect(q)
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", q.TableID, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	data := doc.NewTableData(q.TableID, nil, nil)
	for _, col := range cols {
		if col != "id" {
			data.Columns[col] = []doc.CellValue{}
		}
	}

	values := make([]interface{}, len(cols))
	targets := make([]interface{}, len(cols))
	for i := range values {
		targets[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}
		for i, col := range cols {
			if col == "id" {
				id, err := cast.ToInt64E(values[i])
				if err != nil {
					return nil, fmt.Errorf("fetch %s: bad row id %v: %w", q.TableID, values[i], err)
				}
				data.RowIDs = append(data.RowIDs, id)
				continue
			}
			data.Columns[col] = append(data.Columns[col], decodeCell(values[i]))
		}
	}
	return data, rows.Err()
}

func (s *DocStorage) hasTable(ctx context.Context, tableID string) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", tableID).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func buildSelect(q doc.Query) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(quoteIdent(q.TableID))

	cols := make([]string, 0, len(q.Filters))
	for col := range q.Filters {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var params []interface{}
	for i, col := range cols {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		values := q.Filters[col]
		sb.WriteString(quoteIdent(col))
		sb.WriteString(" IN (")
		for j, v := range values {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("?")
			params = append(params, encodeCell(v))
		}
		sb.WriteString(")")
	}
	sb.WriteString(" ORDER BY id")
	return sb.String(), params
}

// CreateTable creates a table with an integer id column plus the given data
// columns. Columns are typeless; sqlite stores whatever the cell holds.
func (s *DocStorage) CreateTable(ctx context.Context, tableID string, colIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrStorageClosed.New()
	}

	var sb strings.Builder
	sb.WriteString("CREATE TABLE ")
	sb.WriteString(quoteIdent(tableID))
	sb.WriteString(" (id INTEGER PRIMARY KEY")
	for _, colID := range colIDs {
		sb.WriteString(", ")
		sb.WriteString(quoteIdent(colID))
	}
	sb.WriteString(")")
	_, err := s.db.ExecContext(ctx, sb.String())
	return err
}

// AddRecords inserts rows given as columnar data aligned with rowIDs.
func (s *DocStorage) AddRecords(ctx context.Context, tableID string, rowIDs []int64, columns map[string][]doc.CellValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrStorageClosed.New()
	}
	return s.insertRows(ctx, tableID, rowIDs, columns)
}

func (s *DocStorage) insertRows(ctx context.Context, tableID string, rowIDs []int64, columns map[string][]doc.CellValue) error {
	if len(rowIDs) == 0 {
		return nil
	}

	cols := make([]string, 0, len(columns))
	for col := range columns {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteIdent(tableID))
	sb.WriteString(" (id")
	for _, col := range cols {
		sb.WriteString(", ")
		sb.WriteString(quoteIdent(col))
	}
	sb.WriteString(") VALUES (?")
	sb.WriteString(strings.Repeat(", ?", len(cols)))
	sb.WriteString(")")

	stmt, err := s.db.PrepareContext(ctx, sb.String())
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, rowID := range rowIDs {
		params := make([]interface{}, 0, len(cols)+1)
		params = append(params, rowID)
		for _, col := range cols {
			params = append(params, encodeCell(columns[col][i]))
		}
		if _, err := stmt.ExecContext(ctx, params...); err != nil {
			return err
		}
	}
	return nil
}

// Apply translates a document action into SQL and executes it. It covers
// the data actions plus table and column schema actions.
func (s *DocStorage) Apply(ctx context.Context, a doc.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrStorageClosed.New()
	}

	switch a := a.(type) {
	case *doc.AddRecord:
		return s.insertRows(ctx, a.TableID, []int64{a.RowID}, scalarColumns(a.Values))
	case *doc.BulkAddRecord:
		return s.insertRows(ctx, a.TableID, a.RowIDs, a.Columns)
	case *doc.UpdateRecord:
		return s.updateRows(ctx, a.TableID, []int64{a.RowID}, scalarColumns(a.Values))
	case *doc.BulkUpdateRecord:
		return s.updateRows(ctx, a.TableID, a.RowIDs, a.Columns)
	case *doc.RemoveRecord:
		return s.removeRows(ctx, a.TableID, []int64{a.RowID})
	case *doc.BulkRemoveRecord:
		return s.removeRows(ctx, a.TableID, a.RowIDs)
	case *doc.ReplaceTableData:
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+quoteIdent(a.TableID)); err != nil {
			return err
		}
		return s.insertRows(ctx, a.TableID, a.RowIDs, a.Columns)
	case *doc.TableDataAction:
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+quoteIdent(a.TableID)); err != nil {
			return err
		}
		return s.insertRows(ctx, a.TableID, a.RowIDs, a.Columns)
	case *doc.AddTable:
		cols := make([]string, len(a.Columns))
		for i, col := range a.Columns {
			cols[i] = col.ColID
		}
		var sb strings.Builder
		sb.WriteString("CREATE TABLE ")
		sb.WriteString(quoteIdent(a.TableID))
		sb.WriteString(" (id INTEGER PRIMARY KEY")
		for _, colID := range cols {
			sb.WriteString(", ")
			sb.WriteString(quoteIdent(colID))
		}
		sb.WriteString(")")
		_, err := s.db.ExecContext(ctx, sb.String())
		return err
	case *doc.RemoveTable:
		_, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(a.TableID))
		return err
	case *doc.RenameTable:
		_, err := s.db.ExecContext(ctx,
			"ALTER TABLE "+quoteIdent(a.TableID)+" RENAME TO "+quoteIdent(a.NewTableID))
		return err
	case *doc.AddColumn:
		_, err := s.db.ExecContext(ctx,
			"ALTER TABLE "+quoteIdent(a.TableID)+" ADD COLUMN "+quoteIdent(a.ColID))
		return err
	case *doc.RemoveColumn:
		_, err := s.db.ExecContext(ctx,
			"ALTER TABLE "+quoteIdent(a.TableID)+" DROP COLUMN "+quoteIdent(a.ColID))
		return err
	case *doc.RenameColumn:
		_, err := s.db.ExecContext(ctx,
			"ALTER TABLE "+quoteIdent(a.TableID)+" RENAME COLUMN "+quoteIdent(a.ColID)+" TO "+quoteIdent(a.NewColID))
		return err
	case *doc.ModifyColumn:
		return nil
	}
	return ErrUnsupportedAction.New(a)
}

func (s *DocStorage) updateRows(ctx context.Context, tableID string, rowIDs []int64, columns map[string][]doc.CellValue) error {
	cols := make([]string, 0, len(columns))
	for col := range columns {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	if len(cols) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(quoteIdent(tableID))
	sb.WriteString(" SET ")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdent(col))
		sb.WriteString(" = ?")
	}
	sb.WriteString(" WHERE id = ?")

	stmt, err := s.db.PrepareContext(ctx, sb.String())
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, rowID := range rowIDs {
		params := make([]interface{}, 0, len(cols)+1)
		for _, col := range cols {
			params = append(params, encodeCell(columns[col][i]))
		}
		params = append(params, rowID)
		if _, err := stmt.ExecContext(ctx, params...); err != nil {
			return err
		}
	}
	return nil
}

func (s *DocStorage) removeRows(ctx context.Context, tableID string, rowIDs []int64) error {
	stmt, err := s.db.PrepareContext(ctx, "DELETE FROM "+quoteIdent(tableID)+" WHERE id = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rowID := range rowIDs {
		if _, err := stmt.ExecContext(ctx, rowID); err != nil {
			return err
		}
	}
	return nil
}

func scalarColumns(values map[string]doc.CellValue) map[string][]doc.CellValue {
	columns := make(map[string][]doc.CellValue, len(values))
	for colID, v := range values {
		columns[colID] = []doc.CellValue{v}
	}
	return columns
}

// encodeCell maps a cell value to something database/sql accepts. Scalars
// pass through; booleans become 0/1; anything structured is stored as JSON
// text and comes back as a string.
func encodeCell(v doc.CellValue) interface{} {
	switch v := v.(type) {
	case nil, int64, float64, string, []byte:
		return v
	case bool:
		if v {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}

func decodeCell(v interface{}) doc.CellValue {
	if raw, ok := v.([]byte); ok {
		return string(raw)
	}
	return v
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
