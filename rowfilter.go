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
	"context"

	"github.com/gristlabs/go-granular-access/acl"
	"github.com/gristlabs/go-granular-access/doc"
)

// censoredValue replaces cells a viewer may not read. Clients render it as a
// redaction marker.
const censoredValue = "CENSORED"

// filterRowsAndCells rewrites one step's action for a viewer whose access to
// the table depends on row contents. Rows that stay hidden are stripped; a
// row whose visibility flips gets a synthetic add or remove carrying its
// full post-action state, so the client's copy of the table tracks what the
// viewer is entitled to see. Cells of surviving rows are censored
// column by column.
func (g *GranularAccess) filterRowsAndCells(ctx context.Context, cur *actionCursor) ([]doc.Action, error) {
	step, err := g.stepAt(ctx, cur)
	if err != nil {
		return nil, err
	}
	pi, err := g.permInfoAt(ctx, cur)
	if err != nil {
		return nil, err
	}
	user := pi.Input().User
	coll := step.ruler.Collection()
	tableID := cur.action.Table()

	ids := doc.RowIDsOf(cur.action)
	if len(ids) == 0 {
		return []doc.Action{cur.action}, nil
	}

	forbiddenBefore := g.forbiddenRows(user, coll, step.rowsBefore, tableID, ids)
	forbiddenAfter := g.forbiddenRows(user, coll, step.rowsAfter, tableID, ids)

	isAdd := doc.IsAddAction(cur.action)
	isRemove := doc.IsRemoveAction(cur.action)
	removals := map[int64]bool{}
	var forceAdd, forceRemove []int64
	for _, id := range ids {
		before, after := forbiddenBefore[id], forbiddenAfter[id]
		switch {
		case before && after:
			removals[id] = true
		case before && !after:
			// Row became visible. Adds already carry its full content;
			// anything else is replaced by a synthetic add.
			if !isAdd {
				removals[id] = true
				forceAdd = append(forceAdd, id)
			}
		case !before && after:
			// Row went out of sight. Removes already express that; anything
			// else is replaced by a synthetic remove.
			if !isRemove {
				removals[id] = true
				forceRemove = append(forceRemove, id)
			}
		}
	}

	var out []doc.Action
	if len(forceAdd) > 0 {
		add, err := synthesizeAdd(step.rowsAfter, tableID, forceAdd)
		if err != nil {
			return nil, err
		}
		out = append(out, add)
	}
	pruned := doc.Clone(cur.action)
	if len(removals) > 0 {
		pruned = doc.WithoutRows(pruned, removals)
	}
	if pruned != nil {
		out = append(out, pruned)
	}
	if len(forceRemove) > 0 {
		out = append(out, &doc.BulkRemoveRecord{TableID: tableID, RowIDs: forceRemove})
	}

	for _, a := range out {
		g.censorCells(user, coll, a, step.rowsAfter)
	}
	return out, nil
}

// forbiddenRows evaluates read access for each listed row against a table
// snapshot. A row missing from the snapshot is forbidden: there is nothing
// to judge it by, and leaking it would be worse than hiding it.
func (g *GranularAccess) forbiddenRows(user *doc.UserInfo, coll *acl.RuleCollection, data *doc.TableData, tableID string, ids []int64) map[int64]bool {
	forbidden := make(map[int64]bool, len(ids))
	for _, id := range ids {
		rec := data.Record(id)
		if rec == nil {
			forbidden[id] = true
			continue
		}
		rowPI := acl.NewPermissionInfo(coll, acl.EvalInput{User: user, Rec: rec, NewRec: rec}, g.log)
		if rowPI.GetTableAccess(tableID).Perms.Read == acl.FlagDeny {
			forbidden[id] = true
		}
	}
	return forbidden
}

// synthesizeAdd builds a BulkAddRecord carrying the complete post-action
// state of rows that just became visible. The viewer's client has no prior
// copy of them, so a partial update would not do.
func synthesizeAdd(rowsAfter *doc.TableData, tableID string, ids []int64) (doc.Action, error) {
	columns := make(map[string][]doc.CellValue, len(rowsAfter.Columns))
	for colID := range rowsAfter.Columns {
		columns[colID] = make([]doc.CellValue, 0, len(ids))
	}
	for _, id := range ids {
		idx := rowsAfter.RowIndex(id)
		if idx < 0 {
			return nil, doc.ErrRowNotFound.New(id, tableID)
		}
		for colID, cells := range rowsAfter.Columns {
			columns[colID] = append(columns[colID], cells[idx])
		}
	}
	return &doc.BulkAddRecord{TableID: tableID, RowIDs: ids, Columns: columns}, nil
}

// censorCells overwrites the cells of an action a viewer may not read,
// judging each row by its post-action state. Actions without cell payloads
// pass through.
func (g *GranularAccess) censorCells(user *doc.UserInfo, coll *acl.RuleCollection, a doc.Action, rowsAfter *doc.TableData) {
	colIDs := doc.ColIDsOf(a)
	if len(colIDs) == 0 {
		return
	}
	tableID := a.Table()
	for _, rowID := range doc.RowIDsOf(a) {
		rec := rowsAfter.Record(rowID)
		if rec == nil {
			continue
		}
		rowPI := acl.NewPermissionInfo(coll, acl.EvalInput{User: user, Rec: rec, NewRec: rec}, g.log)
		for _, colID := range colIDs {
			if colID == manualSortColID {
				continue
			}
			if rowPI.GetColumnAccess(tableID, colID).Perms.Read == acl.FlagDeny {
				doc.SetCell(a, rowID, colID, censoredValue)
			}
		}
	}
}
