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
	"github.com/gristlabs/go-granular-access/doc"
)

// Resource wildcards and the pseudo-table of special permissions.
const (
	// AllResources is the table id of the document-default rule set.
	AllResources = "*"
	// SpecialTable is the pseudo-table special permissions hang off.
	SpecialTable = "*SPECIAL"
	// SpecialAccessRules guards reading and editing the rules themselves.
	SpecialAccessRules = "AccessRules"
	// SpecialFullCopies guards downloading complete copies of the document.
	SpecialFullCopies = "FullCopies"
)

// EvalInput is what a rule formula may look at: the resolved user, and, when
// a concrete row is in scope, its state before (Rec) and after (NewRec) the
// change under evaluation. For newly created rows Rec mirrors NewRec.
type EvalInput struct {
	User   *doc.UserInfo
	Rec    *doc.RecordView
	NewRec *doc.RecordView
}

// Formula is one compiled rule predicate.
type Formula interface {
	// Eval decides whether the rule applies to the given input.
	Eval(input *EvalInput) (bool, error)
	// UsesRec reports whether the formula reads the row under evaluation.
	// Row-independent formulas can be decided without a record.
	UsesRec() bool
}

// Compiler turns rule formula text into predicates. The rule language
// itself lives outside this engine; hosts inject an implementation.
type Compiler interface {
	Compile(formula string) (Formula, error)
}

// FormulaFunc adapts a plain function to the Formula interface.
type FormulaFunc struct {
	Func    func(input *EvalInput) (bool, error)
	RecUsed bool
}

var _ Formula = (*FormulaFunc)(nil)

func (f *FormulaFunc) Eval(input *EvalInput) (bool, error) { return f.Func(input) }

func (f *FormulaFunc) UsesRec() bool { return f.RecUsed }

// TrueFormula matches unconditionally. Rules with empty formula text compile
// to it.
var TrueFormula Formula = &FormulaFunc{
	Func: func(*EvalInput) (bool, error) { return true, nil },
}

func accessIn(roles ...doc.Role) Formula {
	return &FormulaFunc{
		Func: func(input *EvalInput) (bool, error) {
			for _, role := range roles {
				if input.User != nil && input.User.Access == role {
					return true, nil
				}
			}
			return false, nil
		},
	}
}

// Rule is one compiled access rule: if the formula matches, the permission
// delta applies to any bit not yet decided.
type Rule struct {
	// ID is the rule's row id in the rules table, zero for built-ins.
	ID          int64
	Formula     Formula
	FormulaText string
	Perms       PermissionSet
	Memo        string
}

// RuleSet is the ordered list of rules bound to one resource.
type RuleSet struct {
	TableID string
	// ColIDs restricts the set to specific columns; nil covers the whole
	// table.
	ColIDs []string
	Rules  []Rule
}

// UserAttributeRule attaches a looked-up record to the user under a given
// name. CharID is a dotted path into the user resolved so far; the rule's
// table is filtered by LookupColID equal to that value.
type UserAttributeRule struct {
	Name        string `json:"name"`
	TableID     string `json:"tableId"`
	LookupColID string `json:"lookupColId"`
	CharID      string `json:"charId"`
}
