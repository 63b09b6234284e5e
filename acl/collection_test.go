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

// mapCompiler compiles only the formulas it was given. Everything else is a
// compile error.
type mapCompiler map[string]Formula

func (m mapCompiler) Compile(text string) (Formula, error) {
	if f, ok := m[text]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("unknown formula %q", text)
}

// recEquals matches rows whose colID cell equals want.
func recEquals(colID string, want doc.CellValue) Formula {
	return &FormulaFunc{
		RecUsed: true,
		Func: func(input *EvalInput) (bool, error) {
			return input.Rec.Get(colID) == want, nil
		},
	}
}

// nonOwner matches any user below the owner role.
func nonOwner() Formula {
	return &FormulaFunc{
		Func: func(input *EvalInput) (bool, error) {
			return input.User.Access != doc.RoleOwner, nil
		},
	}
}

type resRow struct {
	id      int64
	tableID string
	colIDs  string
}

type ruleRow struct {
	id       int64
	resource int64
	formula  string
	perms    string
	pos      float64
	userAttr string
	memo     string
}

type metaTable struct {
	id      int64
	tableID string
	columns []string
}

// rulesFixture assembles the four structural tables a RuleCollection is
// built from.
func rulesFixture(tables []metaTable, resources []resRow, rules []ruleRow) *doc.Data {
	tableIDs := []int64{}
	tableNames := []doc.CellValue{}
	colRowIDs := []int64{}
	colParents := []doc.CellValue{}
	colNames := []doc.CellValue{}
	var nextCol int64 = 1
	for _, mt := range tables {
		tableIDs = append(tableIDs, mt.id)
		tableNames = append(tableNames, mt.tableID)
		for _, col := range mt.columns {
			colRowIDs = append(colRowIDs, nextCol)
			colParents = append(colParents, mt.id)
			colNames = append(colNames, col)
			nextCol++
		}
	}

	resIDs := []int64{}
	resTables := []doc.CellValue{}
	resCols := []doc.CellValue{}
	for _, r := range resources {
		resIDs = append(resIDs, r.id)
		resTables = append(resTables, r.tableID)
		resCols = append(resCols, r.colIDs)
	}

	ruleIDs := []int64{}
	ruleRes := []doc.CellValue{}
	ruleFormulas := []doc.CellValue{}
	rulePerms := []doc.CellValue{}
	rulePos := []doc.CellValue{}
	ruleAttrs := []doc.CellValue{}
	ruleMemos := []doc.CellValue{}
	for _, r := range rules {
		ruleIDs = append(ruleIDs, r.id)
		ruleRes = append(ruleRes, r.resource)
		ruleFormulas = append(ruleFormulas, r.formula)
		rulePerms = append(rulePerms, r.perms)
		rulePos = append(rulePos, r.pos)
		ruleAttrs = append(ruleAttrs, r.userAttr)
		ruleMemos = append(ruleMemos, r.memo)
	}

	return doc.NewData(nil,
		doc.NewTableData(doc.TableTables, tableIDs, map[string][]doc.CellValue{
			"tableId": tableNames,
		}),
		doc.NewTableData(doc.TableColumns, colRowIDs, map[string][]doc.CellValue{
			"parentId": colParents,
			"colId":    colNames,
		}),
		doc.NewTableData(doc.TableACLResources, resIDs, map[string][]doc.CellValue{
			"tableId": resTables,
			"colIds":  resCols,
		}),
		doc.NewTableData(doc.TableACLRules, ruleIDs, map[string][]doc.CellValue{
			"resource":        ruleRes,
			"aclFormula":      ruleFormulas,
			"permissionsText": rulePerms,
			"rulePos":         rulePos,
			"userAttributes":  ruleAttrs,
			"memo":            ruleMemos,
		}),
	)
}

func defaultFixtureTables() []metaTable {
	return []metaTable{
		{id: 1, tableID: "Docs", columns: []string{"public", "secret", "status", "manualSort"}},
		{id: 2, tableID: "Zones", columns: []string{"email", "zone"}},
	}
}

func TestBuildBucketsRules(t *testing.T) {
	require := require.New(t)

	compiler := mapCompiler{
		"not-owner":        nonOwner(),
		"rec.status=draft": recEquals("status", "draft"),
	}
	data := rulesFixture(defaultFixtureTables(),
		[]resRow{
			{id: 1, tableID: "Docs", colIDs: "*"},
			{id: 2, tableID: "Docs", colIDs: "secret"},
			{id: 3, tableID: "*", colIDs: "*"},
			{id: 4, tableID: "*SPECIAL", colIDs: "FullCopies"},
		},
		[]ruleRow{
			{id: 1, resource: 2, formula: "not-owner", perms: "-R", pos: 1, memo: "keep out"},
			{id: 2, resource: 1, formula: "rec.status=draft", perms: "-RU", pos: 2},
			{id: 3, resource: 3, formula: "not-owner", perms: "-S", pos: 3},
			{id: 4, resource: 4, formula: "not-owner", perms: "-R", pos: 4},
		},
	)

	c := Build(data, compiler)
	require.NoError(c.RuleError())
	require.True(c.HaveRules())

	require.Equal([]string{"Docs"}, c.RuledTables())
	require.Equal([]string{"secret"}, c.RuledColumns("Docs"))

	// Column chain: the column set, then the table set, then defaults.
	chain := c.ColumnChain("Docs", "secret")
	require.Len(chain, 4)
	require.Equal([]string{"secret"}, chain[0].ColIDs)
	require.Nil(chain[1].ColIDs)
	require.Equal("Docs", chain[1].TableID)
	require.Equal(AllResources, chain[2].TableID)

	// Unruled columns skip straight to the table set.
	chain = c.ColumnChain("Docs", "public")
	require.Len(chain, 3)

	special := c.SpecialChain(SpecialFullCopies)
	require.Len(special, 2)
	require.Equal(SpecialTable, special[0].TableID)

	// The AccessRules special has no user rules, only built-ins.
	require.Len(c.SpecialChain(SpecialAccessRules), 1)
}

func TestBuildOrdersByRulePos(t *testing.T) {
	require := require.New(t)

	data := rulesFixture(defaultFixtureTables(),
		[]resRow{{id: 1, tableID: "Docs", colIDs: "*"}},
		[]ruleRow{
			{id: 1, resource: 1, formula: "", perms: "-R", pos: 2},
			{id: 2, resource: 1, formula: "", perms: "+R", pos: 1},
		},
	)
	c := Build(data, mapCompiler{})
	require.NoError(c.RuleError())

	set := c.TableChain("Docs")[0]
	require.Equal(int64(2), set.Rules[0].ID)
	require.Equal(int64(1), set.Rules[1].ID)
}

func TestBuildUserAttributes(t *testing.T) {
	require := require.New(t)

	data := rulesFixture(defaultFixtureTables(),
		nil,
		[]ruleRow{
			{id: 1, userAttr: `{"name":"zone","tableId":"Zones","lookupColId":"email","charId":"Email"}`, pos: 1},
			{id: 2, userAttr: `{"name":"short","tableId":"Zones","lookupColId":"email"}`, pos: 2},
		},
	)
	c := Build(data, nil)
	require.NoError(c.RuleError())

	// Attribute rules alone do not make the document "ruled".
	require.False(c.HaveRules())

	attrs := c.UserAttributeRules()
	require.Len(attrs, 2)
	require.Equal("zone", attrs[0].Name)
	require.Equal("Zones", attrs[0].TableID)
	// charId defaults to Email.
	require.Equal(doc.UserFieldEmail, attrs[1].CharID)

	require.True(c.UserAttributeTables()["Zones"])
}

func TestBuildErrorsAreCaptured(t *testing.T) {
	require := require.New(t)

	// Unknown resource.
	c := Build(rulesFixture(defaultFixtureTables(), nil,
		[]ruleRow{{id: 1, resource: 99, perms: "+R", pos: 1}},
	), mapCompiler{})
	require.True(ErrUnknownResource.Is(c.RuleError()))

	// Uncompilable formula.
	c = Build(rulesFixture(defaultFixtureTables(),
		[]resRow{{id: 1, tableID: "Docs", colIDs: "*"}},
		[]ruleRow{{id: 1, resource: 1, formula: "garbage", perms: "+R", pos: 1}},
	), mapCompiler{})
	require.True(ErrCompileFormula.Is(c.RuleError()))

	// Bad permissions text.
	c = Build(rulesFixture(defaultFixtureTables(),
		[]resRow{{id: 1, tableID: "Docs", colIDs: "*"}},
		[]ruleRow{{id: 1, resource: 1, perms: "bogus", pos: 1}},
	), mapCompiler{})
	require.True(ErrInvalidPermissions.Is(c.RuleError()))

	// Malformed user-attribute JSON.
	c = Build(rulesFixture(defaultFixtureTables(), nil,
		[]ruleRow{{id: 1, userAttr: "{not json", pos: 1}},
	), mapCompiler{})
	require.True(ErrInvalidUserAttribute.Is(c.RuleError()))

	// A broken collection still answers queries from the defaults.
	require.False(c.HaveRules())
	require.NotEmpty(c.TableChain("Docs"))
}

func TestCheckDocEntities(t *testing.T) {
	require := require.New(t)

	build := func(resources []resRow, rules []ruleRow) *RuleCollection {
		c := Build(rulesFixture(defaultFixtureTables(), resources, rules), mapCompiler{"not-owner": nonOwner()})
		require.NoError(c.RuleError())
		return c
	}
	meta := rulesFixture(defaultFixtureTables(), nil, nil)

	good := build(
		[]resRow{{id: 1, tableID: "Docs", colIDs: "secret,public"}},
		[]ruleRow{{id: 1, resource: 1, formula: "not-owner", perms: "-R", pos: 1}},
	)
	require.NoError(good.CheckDocEntities(meta))

	missingTable := build(
		[]resRow{{id: 1, tableID: "Gone", colIDs: "*"}},
		[]ruleRow{{id: 1, resource: 1, formula: "not-owner", perms: "-R", pos: 1}},
	)
	err := missingTable.CheckDocEntities(meta)
	require.True(ErrRuleEntity.Is(err))
	require.Contains(err.Error(), "Gone")

	missingColumn := build(
		[]resRow{{id: 1, tableID: "Docs", colIDs: "nope"}},
		[]ruleRow{{id: 1, resource: 1, formula: "not-owner", perms: "-R", pos: 1}},
	)
	require.True(ErrRuleEntity.Is(missingColumn.CheckDocEntities(meta)))

	// A near miss names the column the rule author probably meant.
	typoColumn := build(
		[]resRow{{id: 1, tableID: "Docs", colIDs: "secrets"}},
		[]ruleRow{{id: 1, resource: 1, formula: "not-owner", perms: "-R", pos: 1}},
	)
	err = typoColumn.CheckDocEntities(meta)
	require.True(ErrRuleEntity.Is(err))
	require.Contains(err.Error(), "maybe you mean secret?")

	badAttr := Build(rulesFixture(defaultFixtureTables(), nil, []ruleRow{
		{id: 1, userAttr: `{"name":"zone","tableId":"Zones","lookupColId":"gone"}`, pos: 1},
	}), nil)
	require.NoError(badAttr.RuleError())
	require.True(ErrRuleEntity.Is(badAttr.CheckDocEntities(meta)))

	// The id pseudo-column is always acceptable as a lookup column.
	idAttr := Build(rulesFixture(defaultFixtureTables(), nil, []ruleRow{
		{id: 1, userAttr: `{"name":"zone","tableId":"Zones","lookupColId":"id","charId":"UserID"}`, pos: 1},
	}), nil)
	require.NoError(idAttr.CheckDocEntities(meta))
}
