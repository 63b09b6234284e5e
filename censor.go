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

package gac

import (
	"github.com/gristlabs/go-granular-access/acl"
	"github.com/gristlabs/go-granular-access/doc"
)

// censorshipInfo knows which metadata rows one viewer must not see in full.
// Censored rows keep their ids but lose their identifying fields, so clients
// can still track structure without learning names, formulas or layout of
// what is hidden. The sets are derived once from a metadata snapshot and the
// viewer's record-independent permissions.
type censorshipInfo struct {
	censoredTables   map[int64]bool
	censoredColumns  map[int64]bool
	censoredViews    map[int64]bool
	censoredSections map[int64]bool
	censoredFields   map[int64]bool

	// canViewACLs gates the rule tables, which are never blanked field by
	// field: a viewer either sees them whole or not at all.
	canViewACLs bool
}

// newCensorshipInfo derives the censored row sets from a metadata snapshot.
// Dependencies run tables, then columns, then sections, then views, then
// fields; each level inherits censorship from the one it hangs off.
func newCensorshipInfo(pi *acl.PermissionInfo, meta map[string]*doc.TableData, canViewACLs bool) *censorshipInfo {
	c := &censorshipInfo{
		censoredTables:   map[int64]bool{},
		censoredColumns:  map[int64]bool{},
		censoredViews:    map[int64]bool{},
		censoredSections: map[int64]bool{},
		censoredFields:   map[int64]bool{},
		canViewACLs:      canViewACLs,
	}

	tableRefToID := map[int64]string{}
	uncensoredTables := map[int64]bool{}
	if t := meta[doc.TableTables]; t != nil {
		for i, ref := range t.RowIDs {
			rec := doc.NewRecordView(t, i)
			tableID := rec.GetString("tableId")
			tableRefToID[ref] = tableID
			switch pi.GetTableAccess(tableID).Perms.Read {
			case acl.FlagDeny:
				c.censoredTables[ref] = true
			case acl.FlagAllow:
				uncensoredTables[ref] = true
			}
		}
	}

	if t := meta[doc.TableColumns]; t != nil {
		for i, ref := range t.RowIDs {
			rec := doc.NewRecordView(t, i)
			parentRef := rec.GetInt("parentId")
			colID := rec.GetString("colId")
			if c.censoredTables[parentRef] {
				c.censoredColumns[ref] = true
				continue
			}
			if uncensoredTables[parentRef] || colID == manualSortColID {
				continue
			}
			tableID, ok := tableRefToID[parentRef]
			if !ok {
				continue
			}
			if pi.GetColumnAccess(tableID, colID).Perms.Read == acl.FlagDeny {
				c.censoredColumns[ref] = true
			}
		}
	}

	if t := meta[doc.TableViewSections]; t != nil {
		for i, ref := range t.RowIDs {
			rec := doc.NewRecordView(t, i)
			if !c.censoredTables[rec.GetInt("tableRef")] {
				continue
			}
			c.censoredSections[ref] = true
			if viewRef := rec.GetInt("parentId"); viewRef != 0 {
				c.censoredViews[viewRef] = true
			}
		}
	}

	if t := meta[doc.TableViewFields]; t != nil {
		for i, ref := range t.RowIDs {
			rec := doc.NewRecordView(t, i)
			if c.censoredSections[rec.GetInt("parentId")] || c.censoredColumns[rec.GetInt("colRef")] {
				c.censoredFields[ref] = true
			}
		}
	}

	return c
}

// apply rewrites a single structural-table data action in place, blanking
// the censored rows it carries. The result reports whether the action should
// be delivered at all; rule-table actions vanish for viewers without rule
// access, except the whole-table shapes, which survive with their payloads
// emptied so clients keep a placeholder entry.
func (c *censorshipInfo) apply(a doc.Action) bool {
	tableID := a.Table()
	if !doc.IsStructuralTable(tableID) {
		return true
	}
	censored, blank := c.rowSetAndBlanker(tableID)
	if censored == nil {
		if c.canViewACLs {
			return true
		}
		switch a := a.(type) {
		case *doc.TableDataAction:
			a.RowIDs = []int64{}
			a.Columns = map[string][]doc.CellValue{}
			return true
		case *doc.ReplaceTableData:
			a.RowIDs = []int64{}
			a.Columns = map[string][]doc.CellValue{}
			return true
		}
		return false
	}
	for _, id := range doc.RowIDsOf(a) {
		if censored[id] {
			blank(a, id)
		}
	}
	return true
}

// rowSetAndBlanker pairs each censorable metadata table with the fields that
// get blanked. Returns nils for tables censored wholesale rather than row by
// row.
func (c *censorshipInfo) rowSetAndBlanker(tableID string) (map[int64]bool, func(doc.Action, int64)) {
	switch tableID {
	case doc.TableTables:
		return c.censoredTables, func(a doc.Action, id int64) {
			doc.SetCell(a, id, "tableId", "")
		}
	case doc.TableColumns:
		return c.censoredColumns, func(a doc.Action, id int64) {
			doc.SetCell(a, id, "label", "")
			doc.SetCell(a, id, "colId", "")
			doc.SetCell(a, id, "widgetOptions", "")
			doc.SetCell(a, id, "formula", "")
			doc.SetCell(a, id, "type", "Any")
			doc.SetCell(a, id, "parentId", int64(0))
		}
	case doc.TableViews:
		return c.censoredViews, func(a doc.Action, id int64) {
			doc.SetCell(a, id, "name", "")
		}
	case doc.TableViewSections:
		return c.censoredSections, func(a doc.Action, id int64) {
			doc.SetCell(a, id, "title", "")
			doc.SetCell(a, id, "tableRef", int64(0))
		}
	case doc.TableViewFields:
		return c.censoredFields, func(a doc.Action, id int64) {
			doc.SetCell(a, id, "widgetOptions", "")
			doc.SetCell(a, id, "filter", "")
			doc.SetCell(a, id, "parentId", int64(0))
		}
	}
	return nil, nil
}
