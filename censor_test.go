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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gristlabs/go-granular-access/acl"
	"github.com/gristlabs/go-granular-access/doc"
)

func TestOutgoingRuleTableTrafficIsSuppressed(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	data := secretLeadsData()
	g := testEngine(t, data)

	memoEdit := &doc.BulkUpdateRecord{
		TableID: doc.TableACLRules, RowIDs: []int64{2},
		Columns: map[string][]doc.CellValue{"memo": {"tightened"}},
	}
	resDrop := &doc.RemoveRecord{TableID: doc.TableACLResources, RowID: 3}
	snapshot := &doc.TableDataAction{
		TableID: doc.TableACLRules, RowIDs: []int64{1},
		Columns: map[string][]doc.CellValue{"memo": {"owner rule"}},
	}
	actions := []doc.Action{memoEdit, resDrop, snapshot}
	beginBundle(t, g, ownerSession(), actions...)
	defer g.FinishedBundle()

	// An editor may not learn what the rules say, not even that one was
	// edited. Row-level traffic disappears; whole-table loads shrink to an
	// empty placeholder so the client still has a table to hold.
	out, err := g.FilterOutgoingDocActions(ctx, editorSession(), actions)
	require.NoError(err)
	require.Len(out, 1)
	tda, isTableData := out[0].(*doc.TableDataAction)
	require.True(isTableData)
	require.Equal(doc.TableACLRules, tda.TableID)
	require.Empty(tda.RowIDs)
	require.Empty(tda.Columns)

	out, err = g.FilterOutgoingDocActions(ctx, ownerSession(), actions)
	require.NoError(err)
	require.Len(out, 3)
	require.Equal(actions[0], out[0])
	require.Equal(actions[1], out[1])
	require.Equal(actions[2], out[2])
}

func TestOutgoingStructuralChangesAreBlanked(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	data := secretLeadsData()
	g := testEngine(t, data)

	renameZonesView := &doc.UpdateRecord{
		TableID: doc.TableViews, RowID: 2,
		Values: map[string]doc.CellValue{"name": "Zones v2"},
	}
	renameZonesSection := &doc.UpdateRecord{
		TableID: doc.TableViewSections, RowID: 2,
		Values: map[string]doc.CellValue{"title": "Zones v2"},
	}
	renameLeadsView := &doc.UpdateRecord{
		TableID: doc.TableViews, RowID: 1,
		Values: map[string]doc.CellValue{"name": "Leads v2"},
	}
	actions := []doc.Action{renameZonesView, renameZonesSection, renameLeadsView}
	beginBundle(t, g, ownerSession(), actions...)
	defer g.FinishedBundle()

	out, err := g.FilterOutgoingDocActions(ctx, editorSession(), actions)
	require.NoError(err)
	require.Len(out, 3)

	// Metadata rows of a hidden table keep flowing so refs stay intact,
	// but with nothing identifying on them.
	name, hasCell := doc.GetCell(out[0], 2, "name")
	require.True(hasCell)
	require.Equal(doc.CellValue(""), name)

	title, hasCell := doc.GetCell(out[1], 2, "title")
	require.True(hasCell)
	require.Equal(doc.CellValue(""), title)
	tableRef, hasCell := doc.GetCell(out[1], 2, "tableRef")
	require.True(hasCell)
	require.Equal(doc.CellValue(int64(0)), tableRef)

	// Views over readable tables pass as-is.
	name, hasCell = doc.GetCell(out[2], 1, "name")
	require.True(hasCell)
	require.Equal(doc.CellValue("Leads v2"), name)

	// Blanking happens on copies, never on the bundle's own actions.
	require.Equal(doc.CellValue("Zones v2"), renameZonesView.Values["name"])
	require.NotContains(renameZonesSection.Values, "tableRef")

	out, err = g.FilterOutgoingDocActions(ctx, ownerSession(), actions)
	require.NoError(err)
	require.Len(out, 3)
	name, hasCell = doc.GetCell(out[0], 2, "name")
	require.True(hasCell)
	require.Equal(doc.CellValue("Zones v2"), name)
}

func TestOutgoingStructuralAddsKeepPlaceholders(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	data := secretLeadsData()
	g := testEngine(t, data)

	addSection := &doc.BulkAddRecord{
		TableID: doc.TableViewSections, RowIDs: []int64{3},
		Columns: map[string][]doc.CellValue{
			"parentId": {int64(2)},
			"tableRef": {int64(2)},
			"title":    {"Zones detail"},
		},
	}
	beginBundle(t, g, ownerSession(), addSection)
	defer g.FinishedBundle()

	out, err := g.FilterOutgoingDocActions(ctx, editorSession(), []doc.Action{addSection})
	require.NoError(err)
	require.Len(out, 1)
	add, isAdd := out[0].(*doc.BulkAddRecord)
	require.True(isAdd)
	require.Equal([]int64{3}, add.RowIDs)
	require.Equal([]doc.CellValue{""}, add.Columns["title"])
	require.Equal([]doc.CellValue{int64(0)}, add.Columns["tableRef"])
	require.Equal([]doc.CellValue{int64(2)}, add.Columns["parentId"])
}

func TestAccessRulesGrantExposesRuleTables(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	resources := append(secretLeadsResources(), resRow{id: 4, tableID: acl.SpecialTable, colIDs: acl.SpecialAccessRules})
	rules := append(secretLeadsRules(), ruleRow{id: 5, resource: 4, perms: "+R", pos: 5})
	data := fixtureData(resources, rules)
	g := testEngine(t, data)
	editor := editorSession()

	ok, err := g.HasAccessRulesPermission(ctx, editor)
	require.NoError(err)
	require.True(ok)

	// Rule tables come through whole for rule viewers.
	out, err := g.FilterMetaTables(ctx, editor, structuralTablesOf(data))
	require.NoError(err)
	require.Equal(5, out[doc.TableACLRules].NumRows())
	require.Equal(4, out[doc.TableACLResources].NumRows())
	// The rest of the censorship still applies: the grant covers the
	// rules, not the data they protect.
	require.Equal("", out[doc.TableTables].Record(2).GetString("tableId"))

	memoEdit := &doc.BulkUpdateRecord{
		TableID: doc.TableACLRules, RowIDs: []int64{2},
		Columns: map[string][]doc.CellValue{"memo": {"tightened"}},
	}
	beginBundle(t, g, ownerSession(), memoEdit)
	defer g.FinishedBundle()

	filtered, err := g.FilterOutgoingDocActions(ctx, editor, []doc.Action{memoEdit})
	require.NoError(err)
	require.Len(filtered, 1)
	require.Equal(doc.Action(memoEdit), filtered[0])
}
