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
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/src-d/go-errors.v1"

	"github.com/gristlabs/go-granular-access/doc"
	"github.com/gristlabs/go-granular-access/internal/similartext"
)

var (
	// ErrUnknownResource is returned when a rule points at a resource row
	// that does not exist.
	ErrUnknownResource = errors.NewKind("access rule %d refers to unknown resource %d")

	// ErrCompileFormula is returned when the injected compiler rejects a
	// rule formula.
	ErrCompileFormula = errors.NewKind("cannot compile access-rule formula %q")

	// ErrNoCompiler is returned when rules carry formulas but no compiler
	// was configured.
	ErrNoCompiler = errors.NewKind("no formula compiler configured")

	// ErrInvalidUserAttribute is returned when a user-attribute rule cannot
	// be decoded.
	ErrInvalidUserAttribute = errors.NewKind("invalid user-attribute rule %d")

	// ErrRuleEntity is returned by CheckDocEntities when rules mention a
	// table or column the document does not have.
	ErrRuleEntity = errors.NewKind("access rules refer to nonexistent %s")
)

// RuleCollection holds the compiled rules of one document, bucketed by
// resource. Construction never fails outright: malformed rules leave their
// error in RuleError, so the engine can refuse access gracefully instead of
// crashing while a document is being repaired.
type RuleCollection struct {
	tableSets   map[string][]*RuleSet
	columnSets  map[string]map[string][]*RuleSet
	defaultSets []*RuleSet
	specialSets map[string][]*RuleSet
	userAttrs   []UserAttributeRule

	builtinDefault *RuleSet
	builtinSpecial *RuleSet

	haveRules bool
	ruleError error
}

type resourceSpec struct {
	tableID string
	colIDs  []string
}

// Build compiles the rules found in docData's ACL tables. A nil docData
// yields a collection holding only the built-in defaults.
func Build(docData *doc.Data, compiler Compiler) *RuleCollection {
	c := emptyCollection()
	if docData == nil {
		return c
	}
	if err := c.load(docData, compiler); err != nil {
		c.ruleError = err
	}
	return c
}

func emptyCollection() *RuleCollection {
	return &RuleCollection{
		tableSets:   map[string][]*RuleSet{},
		columnSets:  map[string]map[string][]*RuleSet{},
		specialSets: map[string][]*RuleSet{},
		builtinDefault: &RuleSet{TableID: AllResources, Rules: []Rule{
			{Formula: accessIn(doc.RoleOwner, doc.RoleEditor), Perms: AllowAll()},
			{Formula: accessIn(doc.RoleViewer), Perms: PermissionSet{Read: FlagAllow}},
			{Formula: TrueFormula, Perms: DenyAll()},
		}},
		builtinSpecial: &RuleSet{TableID: SpecialTable, Rules: []Rule{
			{Formula: accessIn(doc.RoleOwner), Perms: AllowAll()},
			{Formula: TrueFormula, Perms: DenyAll()},
		}},
	}
}

func (c *RuleCollection) load(docData *doc.Data, compiler Compiler) error {
	resources := map[int64]resourceSpec{}
	if t := docData.Table(doc.TableACLResources); t != nil {
		for i, id := range t.RowIDs {
			rec := doc.NewRecordView(t, i)
			resources[id] = resourceSpec{
				tableID: rec.GetString("tableId"),
				colIDs:  parseColIDs(rec.GetString("colIds")),
			}
		}
	}

	rulesTable := docData.Table(doc.TableACLRules)
	if rulesTable == nil || rulesTable.NumRows() == 0 {
		return nil
	}

	type ruleRow struct {
		index int
		id    int64
		pos   float64
	}
	rows := make([]ruleRow, 0, rulesTable.NumRows())
	for i, id := range rulesTable.RowIDs {
		rec := doc.NewRecordView(rulesTable, i)
		pos, err := cast.ToFloat64E(rec.Get("rulePos"))
		if err != nil || rec.Get("rulePos") == nil {
			pos = math.Inf(1)
		}
		rows = append(rows, ruleRow{index: i, id: id, pos: pos})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].pos != rows[j].pos {
			return rows[i].pos < rows[j].pos
		}
		return rows[i].id < rows[j].id
	})

	setsByResource := map[int64]*RuleSet{}
	for _, row := range rows {
		rec := doc.NewRecordView(rulesTable, row.index)

		if ua := rec.GetString("userAttributes"); ua != "" {
			var uar UserAttributeRule
			if err := json.Unmarshal([]byte(ua), &uar); err != nil {
				return ErrInvalidUserAttribute.Wrap(err, row.id)
			}
			if uar.Name == "" || uar.TableID == "" || uar.LookupColID == "" {
				return ErrInvalidUserAttribute.New(row.id)
			}
			if uar.CharID == "" {
				uar.CharID = doc.UserFieldEmail
			}
			c.userAttrs = append(c.userAttrs, uar)
			continue
		}

		resRef := rec.GetInt("resource")
		spec, ok := resources[resRef]
		if !ok {
			return ErrUnknownResource.New(row.id, resRef)
		}

		formula := TrueFormula
		if text := rec.GetString("aclFormula"); text != "" {
			if compiler == nil {
				return ErrNoCompiler.New()
			}
			compiled, err := compiler.Compile(text)
			if err != nil {
				return ErrCompileFormula.Wrap(err, text)
			}
			formula = compiled
		}

		perms, err := ParsePermissions(rec.GetString("permissionsText"))
		if err != nil {
			return err
		}

		set, ok := setsByResource[resRef]
		if !ok {
			set = &RuleSet{TableID: spec.tableID, ColIDs: spec.colIDs}
			setsByResource[resRef] = set
		}
		set.Rules = append(set.Rules, Rule{
			ID:          row.id,
			Formula:     formula,
			FormulaText: rec.GetString("aclFormula"),
			Perms:       perms,
			Memo:        rec.GetString("memo"),
		})
		c.haveRules = true
	}

	resIDs := make([]int64, 0, len(setsByResource))
	for id := range setsByResource {
		resIDs = append(resIDs, id)
	}
	sort.Slice(resIDs, func(i, j int) bool { return resIDs[i] < resIDs[j] })
	for _, resID := range resIDs {
		c.bucket(resources[resID], setsByResource[resID])
	}
	return nil
}

func (c *RuleCollection) bucket(spec resourceSpec, set *RuleSet) {
	switch {
	case spec.tableID == AllResources:
		c.defaultSets = append(c.defaultSets, set)
	case spec.tableID == SpecialTable:
		for _, colID := range spec.colIDs {
			c.specialSets[colID] = append(c.specialSets[colID], set)
		}
	case spec.colIDs == nil:
		c.tableSets[spec.tableID] = append(c.tableSets[spec.tableID], set)
	default:
		cols := c.columnSets[spec.tableID]
		if cols == nil {
			cols = map[string][]*RuleSet{}
			c.columnSets[spec.tableID] = cols
		}
		for _, colID := range spec.colIDs {
			cols[colID] = append(cols[colID], set)
		}
	}
}

func parseColIDs(text string) []string {
	if text == "" || text == AllResources {
		return nil
	}
	var out []string
	for _, part := range strings.Split(text, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// HaveRules reports whether the document defines any permission rules of its
// own. User-attribute rules alone do not count: they attach data to the user
// but restrict nothing.
func (c *RuleCollection) HaveRules() bool { return c.haveRules }

// RuleError returns the error construction swallowed, if any. While set, the
// engine must treat every user as unresolvable (outside recovery mode).
func (c *RuleCollection) RuleError() error { return c.ruleError }

// UserAttributeRules returns the user-attribute rules in rule order.
func (c *RuleCollection) UserAttributeRules() []UserAttributeRule { return c.userAttrs }

// UserAttributeTables returns the set of tables user-attribute rules read
// from.
func (c *RuleCollection) UserAttributeTables() map[string]bool {
	out := make(map[string]bool, len(c.userAttrs))
	for _, uar := range c.userAttrs {
		out[uar.TableID] = true
	}
	return out
}

// TableChain returns the rule sets deciding table-wide access to tableID,
// most specific first, ending in the built-in defaults.
func (c *RuleCollection) TableChain(tableID string) []*RuleSet {
	chain := make([]*RuleSet, 0, len(c.tableSets[tableID])+len(c.defaultSets)+1)
	chain = append(chain, c.tableSets[tableID]...)
	chain = append(chain, c.defaultSets...)
	return append(chain, c.builtinDefault)
}

// ColumnChain returns the rule sets deciding access to one column, most
// specific first.
func (c *RuleCollection) ColumnChain(tableID, colID string) []*RuleSet {
	var chain []*RuleSet
	if cols := c.columnSets[tableID]; cols != nil {
		chain = append(chain, cols[colID]...)
	}
	return append(chain, c.TableChain(tableID)...)
}

// SpecialChain returns the rule sets deciding a special permission such as
// AccessRules or FullCopies.
func (c *RuleCollection) SpecialChain(name string) []*RuleSet {
	var chain []*RuleSet
	chain = append(chain, c.specialSets[name]...)
	return append(chain, c.builtinSpecial)
}

// RuledColumns returns the columns of tableID that carry column-level rules,
// sorted.
func (c *RuleCollection) RuledColumns(tableID string) []string {
	cols := c.columnSets[tableID]
	if len(cols) == 0 {
		return nil
	}
	out := make([]string, 0, len(cols))
	for colID := range cols {
		out = append(out, colID)
	}
	sort.Strings(out)
	return out
}

// RuledTables returns every table mentioned by a table- or column-level
// rule, sorted.
func (c *RuleCollection) RuledTables() []string {
	seen := map[string]bool{}
	for tableID := range c.tableSets {
		seen[tableID] = true
	}
	for tableID := range c.columnSets {
		seen[tableID] = true
	}
	out := make([]string, 0, len(seen))
	for tableID := range seen {
		out = append(out, tableID)
	}
	sort.Strings(out)
	return out
}

// CheckDocEntities verifies that every table and column the rules mention
// exists in the given document metadata. Used to refuse a rule change that
// would leave the document un-loadable.
func (c *RuleCollection) CheckDocEntities(docData *doc.Data) error {
	tableRefs := map[string]int64{}
	if t := docData.Table(doc.TableTables); t != nil {
		for i, id := range t.RowIDs {
			tableRefs[doc.NewRecordView(t, i).GetString("tableId")] = id
		}
	}
	columns := map[int64]map[string]bool{}
	if t := docData.Table(doc.TableColumns); t != nil {
		for i := range t.RowIDs {
			rec := doc.NewRecordView(t, i)
			parent := rec.GetInt("parentId")
			if columns[parent] == nil {
				columns[parent] = map[string]bool{}
			}
			columns[parent][rec.GetString("colId")] = true
		}
	}

	hasColumn := func(tableID, colID string) bool {
		if colID == "id" {
			return true
		}
		return columns[tableRefs[tableID]][colID]
	}

	for _, tableID := range c.RuledTables() {
		if _, ok := tableRefs[tableID]; !ok {
			return ErrRuleEntity.New(fmt.Sprintf("table %q%s",
				tableID, similartext.FindFromMap(tableRefs, tableID)))
		}
	}
	for tableID, cols := range c.columnSets {
		for colID := range cols {
			if !hasColumn(tableID, colID) {
				return ErrRuleEntity.New(fmt.Sprintf("column %q of table %q%s",
					colID, tableID, similartext.FindFromMap(columns[tableRefs[tableID]], colID)))
			}
		}
	}
	for _, uar := range c.userAttrs {
		if _, ok := tableRefs[uar.TableID]; !ok {
			return ErrRuleEntity.New(fmt.Sprintf("user-attribute table %q%s",
				uar.TableID, similartext.FindFromMap(tableRefs, uar.TableID)))
		}
		if !hasColumn(uar.TableID, uar.LookupColID) {
			return ErrRuleEntity.New(fmt.Sprintf("user-attribute column %q of table %q%s",
				uar.LookupColID, uar.TableID, similartext.FindFromMap(columns[tableRefs[uar.TableID]], uar.LookupColID)))
		}
	}
	return nil
}
