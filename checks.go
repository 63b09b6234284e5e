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
	"fmt"

	"github.com/spf13/cast"

	"github.com/gristlabs/go-granular-access/acl"
	"github.com/gristlabs/go-granular-access/doc"
)

// Classification of user actions by name, for the cheap pre-check that runs
// before the data engine lowers them. Anything unlisted defers judgement to
// the per-action checks after lowering.
var (
	// okActions are harmless regardless of rules.
	okActions = map[string]bool{
		"Calculate": true,
	}

	// specialActions are tolerated as long as the user's access is
	// uncomplicated: they exist for clients with full reign over the
	// document, and their effects are hard to pick apart rule by rule.
	specialActions = map[string]bool{
		"InitNewDoc":               true,
		"EvalCode":                 true,
		"SetDisplayFormula":        true,
		"UpdateSummaryViewSection": true,
		"DetachSummaryViewSection": true,
		"GenImporterView":          true,
		"TransformAndFinishImport": true,
		"AddView":                  true,
		"CopyFromColumn":           true,
		"AddHiddenColumn":          true,
	}

	// surprisingActions require full access outright. They have effects the
	// lowered action stream does not fully expose.
	surprisingActions = map[string]bool{
		"RemoveView":     true,
		"AddViewSection": true,
	}

	// dataActionNames mirror document actions one to one, so they can be
	// vetted before lowering.
	dataActionNames = map[string]bool{
		"AddRecord":        true,
		"BulkAddRecord":    true,
		"UpdateRecord":     true,
		"BulkUpdateRecord": true,
		"RemoveRecord":     true,
		"BulkRemoveRecord": true,
		"ReplaceTableData": true,
		"TableData":        true,
	}
)

// AssertCanMaybeApplyUserActions checks a batch of user actions before the
// data engine lowers them. It returns an error for actions that are certain
// to be forbidden, true when every action is certain to be fine, and false
// when some action needs a closer look after lowering.
func (g *GranularAccess) AssertCanMaybeApplyUserActions(ctx context.Context, sess *doc.Session, actions []doc.UserAction) (bool, error) {
	for _, a := range actions {
		ok, err := g.assertCanMaybeApplyUserAction(ctx, sess, a)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (g *GranularAccess) assertCanMaybeApplyUserAction(ctx context.Context, sess *doc.Session, a doc.UserAction) (bool, error) {
	switch {
	case okActions[a.Name]:
		return true, nil
	case specialActions[a.Name]:
		nuanced, err := g.HasNuancedAccess(ctx, sess)
		if err != nil {
			return false, err
		}
		if nuanced {
			return false, deniedError(fmt.Sprintf("Blocked by access rules: %q actions need uncomplicated access", a.Name), nil)
		}
		return true, nil
	case surprisingActions[a.Name]:
		full, err := g.HasFullAccess(ctx, sess)
		if err != nil {
			return false, err
		}
		if !full {
			return false, deniedError(fmt.Sprintf("Blocked by access rules: %q actions need full access", a.Name), nil)
		}
		return true, nil
	}
	if nested := a.Nested(); nested != nil {
		return g.AssertCanMaybeApplyUserActions(ctx, sess, nested)
	}
	if dataActionNames[a.Name] {
		da, ok := userActionToDocAction(a)
		if !ok {
			return false, nil
		}
		if doc.IsMetaTable(da.Table()) {
			return false, nil
		}
		pi, err := g.permInfo(ctx, sess)
		if err != nil {
			return false, err
		}
		check := accessCheckForAction(da, severityFatal)
		flag, err := check.get(pi.GetTableAccess(da.Table()))
		if err != nil {
			return false, err
		}
		// Mixed verdicts depend on row contents, so the action has to wait
		// for its lowered form.
		return flag == acl.FlagAllow, nil
	}
	return false, nil
}

// checkIncomingDocAction vets one lowered action of the active bundle
// against the rules in force at its step. Allowed tables pass immediately;
// row-dependent tables are judged row by row, and column payloads are
// checked column by column.
func (g *GranularAccess) checkIncomingDocAction(ctx context.Context, cur *actionCursor) error {
	check := accessCheckForAction(cur.action, severityFatal)
	tableID := cur.action.Table()
	pi, err := g.permInfoAt(ctx, cur)
	if err != nil {
		return err
	}
	flag, err := check.get(pi.GetTableAccess(tableID))
	if err != nil {
		return err
	}
	if flag == acl.FlagAllow {
		return nil
	}
	if flag == acl.FlagMixed {
		rowsRec, rowsNewRec, err := g.rowsForRecAndNewRec(ctx, cur)
		if err != nil {
			return err
		}
		if err := g.checkRows(ctx, cur, rowsRec, rowsNewRec, check); err != nil {
			return err
		}
	}
	_, err = pruneColumns(cur.action, pi, tableID, check)
	return err
}

// checkRows evaluates a row-dependent verdict for every row an action
// touches, with the row states before and after the bundle bound to rec and
// newRec. Whole-table shapes are exempt: they are schema-gated and their row
// lists mean replacement, not reference.
func (g *GranularAccess) checkRows(ctx context.Context, cur *actionCursor, rowsRec, rowsNewRec *doc.TableData, check accessCheck) error {
	switch cur.action.(type) {
	case *doc.ReplaceTableData, *doc.TableDataAction:
		return nil
	}
	if doc.IsSchemaAction(cur.action) {
		return nil
	}
	pi, err := g.permInfoAt(ctx, cur)
	if err != nil {
		return err
	}
	user := pi.Input().User
	step, err := g.stepAt(ctx, cur)
	if err != nil {
		return err
	}
	coll := step.ruler.Collection()
	tableID := cur.action.Table()
	for _, id := range doc.RowIDsOf(cur.action) {
		rec := rowsRec.Record(id)
		newRec := rowsNewRec.Record(id)
		if rec == nil {
			rec = newRec
		}
		if newRec == nil {
			newRec = rec
		}
		if rec == nil {
			continue
		}
		rowPI := acl.NewPermissionInfo(coll, acl.EvalInput{User: user, Rec: rec, NewRec: newRec}, g.log)
		if _, err := check.get(rowPI.GetTableAccess(tableID)); err != nil {
			return err
		}
	}
	return nil
}

// userActionToDocAction decodes a user action whose shape mirrors a document
// action. The second result is false when the arguments do not line up, in
// which case the caller must wait for the lowered form.
func userActionToDocAction(a doc.UserAction) (doc.Action, bool) {
	tableID := a.TableID()
	if tableID == "" {
		return nil, false
	}
	switch a.Name {
	case "AddRecord", "UpdateRecord":
		if len(a.Args) != 3 {
			return nil, false
		}
		rowID, ok := toRowID(a.Args[1])
		if !ok {
			return nil, false
		}
		values, ok := toValues(a.Args[2])
		if !ok {
			return nil, false
		}
		if a.Name == "AddRecord" {
			return &doc.AddRecord{TableID: tableID, RowID: rowID, Values: values}, true
		}
		return &doc.UpdateRecord{TableID: tableID, RowID: rowID, Values: values}, true
	case "BulkAddRecord", "BulkUpdateRecord", "ReplaceTableData", "TableData":
		if len(a.Args) != 3 {
			return nil, false
		}
		rowIDs, ok := toRowIDs(a.Args[1])
		if !ok {
			return nil, false
		}
		columns, ok := toColumns(a.Args[2])
		if !ok {
			return nil, false
		}
		switch a.Name {
		case "BulkAddRecord":
			return &doc.BulkAddRecord{TableID: tableID, RowIDs: rowIDs, Columns: columns}, true
		case "BulkUpdateRecord":
			return &doc.BulkUpdateRecord{TableID: tableID, RowIDs: rowIDs, Columns: columns}, true
		case "ReplaceTableData":
			return &doc.ReplaceTableData{TableID: tableID, RowIDs: rowIDs, Columns: columns}, true
		default:
			return &doc.TableDataAction{TableID: tableID, RowIDs: rowIDs, Columns: columns}, true
		}
	case "RemoveRecord":
		if len(a.Args) != 2 {
			return nil, false
		}
		rowID, ok := toRowID(a.Args[1])
		if !ok {
			return nil, false
		}
		return &doc.RemoveRecord{TableID: tableID, RowID: rowID}, true
	case "BulkRemoveRecord":
		if len(a.Args) != 2 {
			return nil, false
		}
		rowIDs, ok := toRowIDs(a.Args[1])
		if !ok {
			return nil, false
		}
		return &doc.BulkRemoveRecord{TableID: tableID, RowIDs: rowIDs}, true
	}
	return nil, false
}

func toRowID(v interface{}) (int64, bool) {
	id, err := cast.ToInt64E(v)
	return id, err == nil
}

func toRowIDs(v interface{}) ([]int64, bool) {
	switch v := v.(type) {
	case []int64:
		return v, true
	case []interface{}:
		out := make([]int64, len(v))
		for i, raw := range v {
			id, ok := toRowID(raw)
			if !ok {
				return nil, false
			}
			out[i] = id
		}
		return out, true
	}
	return nil, false
}

func toValues(v interface{}) (map[string]doc.CellValue, bool) {
	values, ok := v.(map[string]doc.CellValue)
	return values, ok
}

func toColumns(v interface{}) (map[string][]doc.CellValue, bool) {
	switch v := v.(type) {
	case map[string][]doc.CellValue:
		return v, true
	case map[string]interface{}:
		out := make(map[string][]doc.CellValue, len(v))
		for k, raw := range v {
			vals, ok := raw.([]interface{})
			if !ok {
				return nil, false
			}
			col := make([]doc.CellValue, len(vals))
			for i, val := range vals {
				col[i] = val
			}
			out[k] = col
		}
		return out, true
	}
	return nil, false
}
