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

package acl

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gristlabs/go-granular-access/doc"
)

func userWithRole(role doc.Role) *doc.UserInfo {
	return &doc.UserInfo{Access: role, Email: "someone@example.com", UserID: 7}
}

func docsRows() *doc.TableData {
	return doc.NewTableData("Docs", []int64{1, 2}, map[string][]doc.CellValue{
		"public": {"a", "b"},
		"secret": {"s1", "s2"},
		"status": {"draft", "published"},
	})
}

func TestPermissionInfoDefaults(t *testing.T) {
	require := require.New(t)

	c := Build(rulesFixture(defaultFixtureTables(), nil, nil), nil)
	require.NoError(c.RuleError())
	require.False(c.HaveRules())

	owner := NewPermissionInfo(c, EvalInput{User: userWithRole(doc.RoleOwner)}, nil)
	require.Equal(AllowAll(), owner.GetTableAccess("Docs").Perms)
	require.Equal(AllowAll(), owner.GetFullAccess().Perms)
	require.Equal(AllowAll(), owner.GetSpecialAccess(SpecialAccessRules).Perms)

	editor := NewPermissionInfo(c, EvalInput{User: userWithRole(doc.RoleEditor)}, nil)
	require.Equal(AllowAll(), editor.GetTableAccess("Docs").Perms)
	require.Equal(FlagDeny, editor.GetSpecialAccess(SpecialFullCopies).Perms.Read)

	viewer := NewPermissionInfo(c, EvalInput{User: userWithRole(doc.RoleViewer)}, nil)
	viewerPerms := viewer.GetTableAccess("Docs").Perms
	require.Equal(FlagAllow, viewerPerms.Read)
	require.Equal(FlagDeny, viewerPerms.Update)
	require.Equal(FlagDeny, viewerPerms.SchemaEdit)

	none := NewPermissionInfo(c, EvalInput{User: userWithRole(doc.RoleNone)}, nil)
	require.Equal(DenyAll(), none.GetTableAccess("Docs").Perms)
}

func TestPermissionInfoColumnDeny(t *testing.T) {
	require := require.New(t)

	c := Build(rulesFixture(defaultFixtureTables(),
		[]resRow{{id: 1, tableID: "Docs", colIDs: "secret"}},
		[]ruleRow{{id: 1, resource: 1, formula: "not-owner", perms: "-R", pos: 1, memo: "keep out"}},
	), mapCompiler{"not-owner": nonOwner()})
	require.NoError(c.RuleError())

	editor := NewPermissionInfo(c, EvalInput{User: userWithRole(doc.RoleEditor)}, nil)

	secret := editor.GetColumnAccess("Docs", "secret")
	require.Equal(FlagDeny, secret.Perms.Read)
	require.Equal([]string{"keep out"}, secret.Memos(AxisRead))
	require.Equal(FlagAllow, secret.Perms.Update)

	require.Equal(FlagAllow, editor.GetColumnAccess("Docs", "public").Perms.Read)

	// The column disagreement surfaces in the table summary, memo included.
	table := editor.GetTableAccess("Docs")
	require.Equal(FlagMixedColumns, table.Perms.Read)
	require.Contains(table.Memos(AxisRead), "keep out")

	owner := NewPermissionInfo(c, EvalInput{User: userWithRole(doc.RoleOwner)}, nil)
	require.Equal(FlagAllow, owner.GetColumnAccess("Docs", "secret").Perms.Read)
	require.Equal(FlagAllow, owner.GetTableAccess("Docs").Perms.Read)
}

func TestPermissionInfoRowDependence(t *testing.T) {
	require := require.New(t)

	c := Build(rulesFixture(defaultFixtureTables(),
		[]resRow{{id: 1, tableID: "Docs", colIDs: "*"}},
		[]ruleRow{{id: 1, resource: 1, formula: "rec.status=draft", perms: "-RU", pos: 1, memo: "drafts are private"}},
	), mapCompiler{"rec.status=draft": recEquals("status", "draft")})
	require.NoError(c.RuleError())

	user := userWithRole(doc.RoleEditor)

	// Without a record the verdict cannot be decided either way.
	recless := NewPermissionInfo(c, EvalInput{User: user}, nil)
	perms := recless.GetTableAccess("Docs").Perms
	require.Equal(FlagMixed, perms.Read)
	require.Equal(FlagMixed, perms.Update)
	require.Equal(FlagAllow, perms.Create)

	rows := docsRows()

	draft := NewPermissionInfo(c, EvalInput{User: user, Rec: rows.Record(1)}, nil)
	draftAccess := draft.GetTableAccess("Docs")
	require.Equal(FlagDeny, draftAccess.Perms.Read)
	require.Equal([]string{"drafts are private"}, draftAccess.Memos(AxisRead))

	published := NewPermissionInfo(c, EvalInput{User: user, Rec: rows.Record(2)}, nil)
	require.Equal(FlagAllow, published.GetTableAccess("Docs").Perms.Read)
}

func TestPermissionInfoFirstRuleWins(t *testing.T) {
	require := require.New(t)

	c := Build(rulesFixture(defaultFixtureTables(),
		[]resRow{{id: 1, tableID: "Docs", colIDs: "*"}},
		[]ruleRow{
			{id: 1, resource: 1, formula: "", perms: "+R", pos: 1},
			{id: 2, resource: 1, formula: "", perms: "-RU", pos: 2},
		},
	), mapCompiler{})
	require.NoError(c.RuleError())

	editor := NewPermissionInfo(c, EvalInput{User: userWithRole(doc.RoleEditor)}, nil)
	perms := editor.GetTableAccess("Docs").Perms
	require.Equal(FlagAllow, perms.Read)
	require.Equal(FlagDeny, perms.Update)
}

func TestPermissionInfoEvalErrorFailsClosed(t *testing.T) {
	require := require.New(t)

	broken := &FormulaFunc{
		Func: func(*EvalInput) (bool, error) {
			return false, fmt.Errorf("lookup exploded")
		},
	}
	c := Build(rulesFixture(defaultFixtureTables(),
		[]resRow{{id: 1, tableID: "Docs", colIDs: "*"}},
		[]ruleRow{{id: 1, resource: 1, formula: "broken", perms: "+RU", pos: 1}},
	), mapCompiler{"broken": broken})
	require.NoError(c.RuleError())

	editor := NewPermissionInfo(c, EvalInput{User: userWithRole(doc.RoleEditor)}, nil)
	perms := editor.GetTableAccess("Docs").Perms
	require.Equal(FlagDeny, perms.Read)
	require.Equal(FlagDeny, perms.Update)
	require.Equal(FlagAllow, perms.Create)
}

func TestPermissionInfoFullAccess(t *testing.T) {
	require := require.New(t)

	c := Build(rulesFixture(defaultFixtureTables(),
		[]resRow{{id: 1, tableID: "Docs", colIDs: "*"}},
		[]ruleRow{{id: 1, resource: 1, formula: "not-owner", perms: "-R", pos: 1}},
	), mapCompiler{"not-owner": nonOwner()})
	require.NoError(c.RuleError())

	owner := NewPermissionInfo(c, EvalInput{User: userWithRole(doc.RoleOwner)}, nil)
	require.Equal(FlagAllow, owner.GetFullAccess().Perms.Read)

	editor := NewPermissionInfo(c, EvalInput{User: userWithRole(doc.RoleEditor)}, nil)
	full := editor.GetFullAccess().Perms
	require.NotEqual(FlagAllow, full.Read)
	require.Equal(FlagAllow, full.Update)
}

func TestPermissionInfoMemoizesEvaluations(t *testing.T) {
	require := require.New(t)

	calls := 0
	counting := &FormulaFunc{
		Func: func(*EvalInput) (bool, error) {
			calls++
			return true, nil
		},
	}
	c := Build(rulesFixture(defaultFixtureTables(),
		[]resRow{{id: 1, tableID: "Docs", colIDs: "*"}},
		[]ruleRow{{id: 1, resource: 1, formula: "counting", perms: "-R", pos: 1}},
	), mapCompiler{"counting": counting})
	require.NoError(c.RuleError())

	pi := NewPermissionInfo(c, EvalInput{User: userWithRole(doc.RoleEditor)}, nil)
	first := pi.GetTableAccess("Docs")
	second := pi.GetTableAccess("Docs")
	require.Equal(first.Perms, second.Perms)
	require.Equal(1, calls)
}
