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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gristlabs/go-granular-access/broadcast"
	"github.com/gristlabs/go-granular-access/doc"
)

// captureClient records every message it is sent.
type captureClient struct {
	mu   sync.Mutex
	msgs []*broadcast.Message
}

func (c *captureClient) Send(ctx context.Context, msg *broadcast.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureClient) messages() []*broadcast.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*broadcast.Message{}, c.msgs...)
}

func testEngineWithClients(t *testing.T, data *doc.Data, clients Broadcaster) *GranularAccess {
	t.Helper()
	g, err := New(Options{
		DocData:  data,
		Fetch:    fetchFrom(data),
		Compiler: testCompiler(),
		Clients:  clients,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	return g
}

func TestBeginBundleRejectsOverlap(t *testing.T) {
	require := require.New(t)

	g := testEngine(t, secretLeadsData())
	update := &doc.UpdateRecord{TableID: leadsTable, RowID: 1, Values: map[string]doc.CellValue{"name": "Ada II"}}

	require.NoError(g.BeginBundle(ownerSession(), nil, []doc.Action{update}, nil))
	err := g.BeginBundle(ownerSession(), nil, []doc.Action{update}, nil)
	require.True(ErrBundleActive.Is(err))

	// Finishing the first bundle frees the slot.
	g.FinishedBundle()
	require.NoError(g.BeginBundle(editorSession(), nil, []doc.Action{update}, nil))
	g.FinishedBundle()
}

func TestBundlePhaseGuards(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	g := testEngine(t, secretLeadsData())
	require.True(ErrNoBundle.Is(g.CanApplyBundle(ctx)))
	require.True(ErrNoBundle.Is(g.AppliedBundle()))
	require.True(ErrNoBundle.Is(g.SendDocUpdateForBundle(ctx, nil)))
	g.FinishedBundle()
	g.FinishedBundle()

	update := &doc.UpdateRecord{TableID: leadsTable, RowID: 1, Values: map[string]doc.CellValue{"name": "Ada II"}}
	beginBundle(t, g, ownerSession(), update)
	require.True(ErrBundleNotApplied.Is(g.SendDocUpdateForBundle(ctx, nil)))

	require.NoError(g.AppliedBundle())
	// Without subscribers the update phase has nobody to notify.
	require.NoError(g.SendDocUpdateForBundle(ctx, nil))
	g.FinishedBundle()
}

func TestCanApplyBundleVetsDataActions(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	g := testEngine(t, updateLockedData())
	update := &doc.UpdateRecord{TableID: leadsTable, RowID: 1, Values: map[string]doc.CellValue{"name": "Ada II"}}

	beginBundle(t, g, editorSession(), update)
	err := g.CanApplyBundle(ctx)
	require.Error(err)
	e, isCoded := AsErrorWithCode(err)
	require.True(isCoded)
	require.Equal(CodeACLDeny, e.Code)
	require.Equal(403, e.Status)
	require.Equal([]string{"updates are locked"}, e.Memos)
	g.FinishedBundle()

	// A denied bundle leaves the engine ready for the next one.
	beginBundle(t, g, ownerSession(), update)
	require.NoError(g.CanApplyBundle(ctx))
	g.FinishedBundle()
}

// stageLockData forbids changes that move a lead into the secret stage, a
// verdict that depends on the row each change produces rather than on the
// change's shape.
func stageLockData() *doc.Data {
	return fixtureData(
		[]resRow{{id: 1, tableID: leadsTable, colIDs: "*"}},
		[]ruleRow{
			{id: 1, resource: 1, formula: "user.Access == OWNER", perms: "all", pos: 1},
			{id: 2, resource: 1, formula: "newRec.stage == 'secret'", perms: "-U", pos: 2, memo: "secret stage is closed"},
		},
	)
}

func TestCanApplyBundleRowDependentVerdicts(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	g := testEngine(t, stageLockData())
	editor := editorSession()

	// The same action shape passes or fails with the row it produces.
	beginBundle(t, g, editor, &doc.UpdateRecord{
		TableID: leadsTable, RowID: 1,
		Values: map[string]doc.CellValue{"stage": "won"},
	})
	require.NoError(g.CanApplyBundle(ctx))
	g.FinishedBundle()

	beginBundle(t, g, editor, &doc.UpdateRecord{
		TableID: leadsTable, RowID: 1,
		Values: map[string]doc.CellValue{"stage": "secret"},
	})
	err := g.CanApplyBundle(ctx)
	require.Error(err)
	e, isCoded := AsErrorWithCode(err)
	require.True(isCoded)
	require.Equal(CodeACLDeny, e.Code)
	require.Equal([]string{"secret stage is closed"}, e.Memos)
	g.FinishedBundle()

	// The rule guards the update axis only; creating a secret lead is a
	// different permission bit.
	beginBundle(t, g, editor, &doc.AddRecord{
		TableID: leadsTable, RowID: 4,
		Values: map[string]doc.CellValue{"name": "Dee", "stage": "secret"},
	})
	require.NoError(g.CanApplyBundle(ctx))
	g.FinishedBundle()
}

func TestCanApplyBundleDeliberateRuleChangeNeedsOwner(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	g := testEngine(t, secretLeadsData())
	ruleEdit := doc.UserAction{Name: "UpdateRecord", Args: []interface{}{
		doc.TableACLRules, int64(2), map[string]doc.CellValue{"memo": "still hidden"},
	}}
	docAction := &doc.UpdateRecord{
		TableID: doc.TableACLRules, RowID: 2,
		Values: map[string]doc.CellValue{"memo": "still hidden"},
	}

	require.NoError(g.BeginBundle(editorSession(), []doc.UserAction{ruleEdit}, []doc.Action{docAction}, nil))
	err := g.CanApplyBundle(ctx)
	require.Error(err)
	require.True(HasCode(err, CodeACLDeny))
	require.Contains(err.Error(), "Only owners can modify access rules")
	g.FinishedBundle()

	// Hiding the edit inside an undo does not change who asked for it.
	nested := doc.UserAction{Name: "ApplyUndoActions", Args: []interface{}{[]doc.UserAction{ruleEdit}}}
	require.NoError(g.BeginBundle(editorSession(), []doc.UserAction{nested}, []doc.Action{docAction}, nil))
	err = g.CanApplyBundle(ctx)
	require.Error(err)
	require.True(HasCode(err, CodeACLDeny))
	g.FinishedBundle()

	require.NoError(g.BeginBundle(ownerSession(), []doc.UserAction{ruleEdit}, []doc.Action{docAction}, nil))
	require.NoError(g.CanApplyBundle(ctx))
	g.FinishedBundle()
}

func TestCanApplyBundleAllowsRuleSideEffects(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	g := testEngine(t, secretLeadsData())

	// Renaming a table rewrites the rule resources that mention it. The
	// user asked for a rename, not a rule change, so no owner gate applies
	// and the rewritten rules still have to validate.
	rename := doc.UserAction{Name: "RenameTable", Args: []interface{}{leadsTable, "Prospects"}}
	docActions := []doc.Action{
		&doc.RenameTable{TableID: leadsTable, NewTableID: "Prospects"},
		&doc.UpdateRecord{
			TableID: doc.TableTables, RowID: 1,
			Values: map[string]doc.CellValue{"tableId": "Prospects"},
		},
		&doc.BulkUpdateRecord{
			TableID: doc.TableACLResources, RowIDs: []int64{1, 2},
			Columns: map[string][]doc.CellValue{"tableId": {"Prospects", "Prospects"}},
		},
	}
	require.NoError(g.BeginBundle(editorSession(), []doc.UserAction{rename}, docActions, nil))
	require.NoError(g.CanApplyBundle(ctx))
	g.FinishedBundle()
}

func TestCanApplyBundleRejectsBadRuleEdits(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	g := testEngine(t, secretLeadsData())

	// A formula that does not compile never reaches the document.
	ruleEdit := doc.UserAction{Name: "UpdateRecord", Args: []interface{}{
		doc.TableACLRules, int64(2), map[string]doc.CellValue{"aclFormula": "rec.stage ==="},
	}}
	badFormula := &doc.UpdateRecord{
		TableID: doc.TableACLRules, RowID: 2,
		Values: map[string]doc.CellValue{"aclFormula": "rec.stage ==="},
	}
	require.NoError(g.BeginBundle(ownerSession(), []doc.UserAction{ruleEdit}, []doc.Action{badFormula}, nil))
	err := g.CanApplyBundle(ctx)
	require.Error(err)
	e, isCoded := AsErrorWithCode(err)
	require.True(isCoded)
	require.Equal(400, e.Status)
	require.Contains(err.Error(), "cannot compile")
	g.FinishedBundle()

	// So does a resource pointing at a column the document does not have.
	resEdit := doc.UserAction{Name: "UpdateRecord", Args: []interface{}{
		doc.TableACLResources, int64(2), map[string]doc.CellValue{"colIds": "ghost"},
	}}
	badResource := &doc.UpdateRecord{
		TableID: doc.TableACLResources, RowID: 2,
		Values: map[string]doc.CellValue{"colIds": "ghost"},
	}
	require.NoError(g.BeginBundle(ownerSession(), []doc.UserAction{resEdit}, []doc.Action{badResource}, nil))
	err = g.CanApplyBundle(ctx)
	require.Error(err)
	e, isCoded = AsErrorWithCode(err)
	require.True(isCoded)
	require.Equal(400, e.Status)
	require.Contains(err.Error(), "ghost")
	g.FinishedBundle()

	// The live rules were never touched.
	require.True(g.HaveRules())
	ok, err := g.HasTableAccess(ctx, editorSession(), leadsTable)
	require.NoError(err)
	require.True(ok)
}

func TestSendDocUpdateFiltersPerSubscriber(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	data := secretLeadsData()
	clients := broadcast.NewDocClients(quietLogger().WithField("system", "test"))
	g := testEngineWithClients(t, data, clients)

	owner, editor := ownerSession(), editorSession()
	ownerClient, editorClient := &captureClient{}, &captureClient{}
	clients.Subscribe(owner, ownerClient)
	clients.Subscribe(editor, editorClient)

	update := &doc.BulkUpdateRecord{
		TableID: leadsTable, RowIDs: []int64{1, 2},
		Columns: map[string][]doc.CellValue{"name": {"Ada II", "Bix II"}},
	}
	undo := &doc.BulkUpdateRecord{
		TableID: leadsTable, RowIDs: []int64{1, 2},
		Columns: map[string][]doc.CellValue{"name": {"Ada", "Bix"}},
	}

	require.NoError(g.BeginBundle(owner, nil, []doc.Action{update}, []doc.Action{undo}))
	require.NoError(g.CanApplyBundle(ctx))
	require.NoError(data.Table(leadsTable).Apply(update))
	require.NoError(g.AppliedBundle())

	group := &broadcast.ActionGroup{
		ActionNum:     42,
		User:          "olga@example.com",
		Desc:          "rename leads",
		ActionSummary: map[string]interface{}{"Leads": 2},
	}
	require.NoError(g.SendDocUpdateForBundle(ctx, group))
	g.FinishedBundle()

	// The owner gets the update as applied, and the group untouched.
	require.Len(ownerClient.messages(), 1)
	msg := ownerClient.messages()[0]
	require.Equal("docUserAction", msg.Type)
	ownerUpdate, isUpdate := msg.Data.(*DocUpdate)
	require.True(isUpdate)
	require.True(ownerUpdate.ActionGroup == group)
	require.Len(ownerUpdate.DocActions, 1)
	require.Equal([]int64{1, 2}, doc.RowIDsOf(ownerUpdate.DocActions[0]))

	// The editor's copy drops the secret row and the group's internals.
	require.Len(editorClient.messages(), 1)
	msg = editorClient.messages()[0]
	require.Equal("docUserAction", msg.Type)
	editorUpdate, isUpdate := msg.Data.(*DocUpdate)
	require.True(isUpdate)
	require.Equal(int64(42), editorUpdate.ActionGroup.ActionNum)
	require.Equal("", editorUpdate.ActionGroup.Desc)
	require.Nil(editorUpdate.ActionGroup.ActionSummary)
	require.Len(editorUpdate.DocActions, 1)
	require.Equal([]int64{1}, doc.RowIDsOf(editorUpdate.DocActions[0]))
	name, hasCell := doc.GetCell(editorUpdate.DocActions[0], 1, "name")
	require.True(hasCell)
	require.Equal(doc.CellValue("Ada II"), name)
	_, hasCell = doc.GetCell(editorUpdate.DocActions[0], 2, "name")
	require.False(hasCell)
}

func TestSendDocUpdateOnDeliberateRuleChange(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	data := secretLeadsData()
	clients := broadcast.NewDocClients(quietLogger().WithField("system", "test"))
	g := testEngineWithClients(t, data, clients)

	owner, editor := ownerSession(), editorSession()
	ownerClient, editorClient := &captureClient{}, &captureClient{}
	clients.Subscribe(owner, ownerClient)
	clients.Subscribe(editor, editorClient)

	// The owner opens the Zones table to everyone.
	ruleEdit := doc.UserAction{Name: "UpdateRecord", Args: []interface{}{
		doc.TableACLRules, int64(4), map[string]doc.CellValue{"permissionsText": "+R"},
	}}
	docAction := &doc.UpdateRecord{
		TableID: doc.TableACLRules, RowID: 4,
		Values: map[string]doc.CellValue{"permissionsText": "+R"},
	}
	undo := &doc.UpdateRecord{
		TableID: doc.TableACLRules, RowID: 4,
		Values: map[string]doc.CellValue{"permissionsText": "-R"},
	}

	require.NoError(g.BeginBundle(owner, []doc.UserAction{ruleEdit}, []doc.Action{docAction}, []doc.Action{undo}))
	require.NoError(g.CanApplyBundle(ctx))
	require.NoError(data.Table(doc.TableACLRules).Apply(docAction))
	require.NoError(g.AppliedBundle())

	// The new rules are not in force until the bundle finishes.
	ok, err := g.HasTableAccess(ctx, editor, zonesTable)
	require.NoError(err)
	require.False(ok)

	// Nobody gets a diff of a rule change; everybody gets told to reload.
	require.NoError(g.SendDocUpdateForBundle(ctx, &broadcast.ActionGroup{ActionNum: 7}))
	for _, client := range []*captureClient{ownerClient, editorClient} {
		require.Len(client.messages(), 1)
		msg := client.messages()[0]
		require.Equal("docError", msg.Type)
		require.Equal(broadcast.DocError{
			Code:    "NEED_RELOAD",
			Message: "document needs reload, access rules changed",
		}, msg.Data)
	}

	g.FinishedBundle()
	ok, err = g.HasTableAccess(ctx, editor, zonesTable)
	require.NoError(err)
	require.True(ok)
}

func TestUserAttributeChangeForcesReload(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	data := zoneAttrData()
	g := testEngine(t, data)
	editor := editorSession() // evan, zone west
	viewer := viewerSession() // vera, zone east

	// Resolve both users so their attribute rows are on record.
	_, err := g.GetUser(ctx, editor)
	require.NoError(err)
	_, err = g.GetUser(ctx, viewer)
	require.NoError(err)

	move := &doc.UpdateRecord{
		TableID: zonesTable, RowID: 1,
		Values: map[string]doc.CellValue{"zone": "east"},
	}
	undo := &doc.UpdateRecord{
		TableID: zonesTable, RowID: 1,
		Values: map[string]doc.CellValue{"zone": "west"},
	}
	require.NoError(g.BeginBundle(ownerSession(), nil, []doc.Action{move}, []doc.Action{undo}))
	require.NoError(g.CanApplyBundle(ctx))
	require.NoError(data.Table(zonesTable).Apply(move))
	require.NoError(g.AppliedBundle())

	// Evan's zone row changed under him. Patching his stream would leave
	// him seeing rule verdicts computed from a user he no longer is.
	_, err = g.FilterOutgoingDocActions(ctx, editor, []doc.Action{move})
	require.Error(err)
	require.True(HasCode(err, CodeNeedReload))

	// Vera's zone row is untouched, so her stream continues.
	out, err := g.FilterOutgoingDocActions(ctx, viewer, []doc.Action{move})
	require.NoError(err)
	require.Len(out, 1)

	g.FinishedBundle()
	g.attrMu.Lock()
	require.Nil(g.prevUserAttrs)
	g.attrMu.Unlock()
}

func TestFinishedBundleSkipsRecompileWhenNotApplied(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	g := testEngine(t, secretLeadsData())
	editor := editorSession()

	ok, err := g.HasTableAccess(ctx, editor, zonesTable)
	require.NoError(err)
	require.False(ok)

	// The host abandons the bundle without applying it. The rule edit it
	// carried must leave no trace.
	ruleEdit := doc.UserAction{Name: "UpdateRecord", Args: []interface{}{
		doc.TableACLRules, int64(4), map[string]doc.CellValue{"permissionsText": "+R"},
	}}
	docAction := &doc.UpdateRecord{
		TableID: doc.TableACLRules, RowID: 4,
		Values: map[string]doc.CellValue{"permissionsText": "+R"},
	}
	require.NoError(g.BeginBundle(ownerSession(), []doc.UserAction{ruleEdit}, []doc.Action{docAction}, nil))
	g.FinishedBundle()

	ok, err = g.HasTableAccess(ctx, editor, zonesTable)
	require.NoError(err)
	require.False(ok)

	update := &doc.UpdateRecord{TableID: leadsTable, RowID: 1, Values: map[string]doc.CellValue{"name": "Ada II"}}
	require.NoError(g.BeginBundle(editor, nil, []doc.Action{update}, nil))
	g.FinishedBundle()
}
