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
	"sync"

	"github.com/sirupsen/logrus"
)

// PermissionInfo evaluates a rule collection for one evaluation input (user
// plus optional record pair), memoizing verdicts per table and per column.
//
// Without a record, rules that read the row contribute FlagMixed on the bits
// they touch, meaning "decide per row". With a record every formula is
// evaluable and verdicts come out concrete.
type PermissionInfo struct {
	coll  *RuleCollection
	input EvalInput
	log   *logrus.Entry

	mu          sync.Mutex
	tableCache  map[string]PermissionSetWithContext
	columnCache map[string]PermissionSetWithContext
	special     map[string]PermissionSetWithContext
	fullCache   *PermissionSetWithContext
}

// NewPermissionInfo returns an evaluator over coll for the given input. The
// log entry may be nil; evaluation warnings are then dropped.
func NewPermissionInfo(coll *RuleCollection, input EvalInput, log *logrus.Entry) *PermissionInfo {
	return &PermissionInfo{
		coll:        coll,
		input:       input,
		log:         log,
		tableCache:  map[string]PermissionSetWithContext{},
		columnCache: map[string]PermissionSetWithContext{},
		special:     map[string]PermissionSetWithContext{},
	}
}

// Input returns the evaluation input the verdicts are computed for.
func (p *PermissionInfo) Input() EvalInput { return p.input }

// GetTableAccess returns the table-wide verdict for tableID. Column-level
// rules fold into the summary: a bit on which columns disagree reads
// FlagMixedColumns, and any row dependence reads FlagMixed.
func (p *PermissionInfo) GetTableAccess(tableID string) PermissionSetWithContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if psc, ok := p.tableCache[tableID]; ok {
		return psc
	}
	psc := p.evalChain(p.coll.TableChain(tableID), "table")
	for _, colID := range p.coll.RuledColumns(tableID) {
		col := p.columnAccessLocked(tableID, colID)
		for _, axis := range Axes {
			colFlag := col.Perms.Get(axis)
			psc.Perms.Set(axis, combineFlags(psc.Perms.Get(axis), colFlag))
			if colFlag == FlagDeny || colFlag == FlagMixed {
				psc.addMemos(axis, col.Memos(axis))
			}
		}
	}
	p.tableCache[tableID] = psc
	return psc
}

// GetColumnAccess returns the verdict for one column of a table.
func (p *PermissionInfo) GetColumnAccess(tableID, colID string) PermissionSetWithContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.columnAccessLocked(tableID, colID)
}

func (p *PermissionInfo) columnAccessLocked(tableID, colID string) PermissionSetWithContext {
	key := tableID + "\x00" + colID
	if psc, ok := p.columnCache[key]; ok {
		return psc
	}
	psc := p.evalChain(p.coll.ColumnChain(tableID, colID), "column")
	p.columnCache[key] = psc
	return psc
}

// GetSpecialAccess returns the verdict for a special permission, such as
// SpecialAccessRules or SpecialFullCopies.
func (p *PermissionInfo) GetSpecialAccess(name string) PermissionSetWithContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if psc, ok := p.special[name]; ok {
		return psc
	}
	psc := p.evalChain(p.coll.SpecialChain(name), "special")
	p.special[name] = psc
	return psc
}

// GetFullAccess returns a document-wide summary: the verdict an unruled
// table would get, folded with the summary of every ruled table.
func (p *PermissionInfo) GetFullAccess() PermissionSetWithContext {
	p.mu.Lock()
	if p.fullCache != nil {
		psc := *p.fullCache
		p.mu.Unlock()
		return psc
	}
	base := p.evalChain(p.coll.TableChain(""), "full")
	p.mu.Unlock()

	for _, tableID := range p.coll.RuledTables() {
		table := p.GetTableAccess(tableID)
		for _, axis := range Axes {
			tableFlag := table.Perms.Get(axis)
			base.Perms.Set(axis, combineFlags(base.Perms.Get(axis), tableFlag))
			if tableFlag == FlagDeny || tableFlag == FlagMixed {
				base.addMemos(axis, table.Memos(axis))
			}
		}
	}
	base.Scope = "full"

	p.mu.Lock()
	p.fullCache = &base
	p.mu.Unlock()
	return base
}

// evalChain folds rule sets in order. The first explicit verdict per bit
// wins; evaluation stops once every bit is decided.
func (p *PermissionInfo) evalChain(sets []*RuleSet, scope string) PermissionSetWithContext {
	out := PermissionSetWithContext{Scope: scope}
	for _, set := range sets {
		for i := range set.Rules {
			if out.Perms.Complete() {
				return out
			}
			rule := &set.Rules[i]
			if rule.Formula.UsesRec() && p.input.Rec == nil {
				p.mergeRule(&out, rule, rule.Perms.Mixed())
				continue
			}
			match, err := rule.Formula.Eval(&p.input)
			if err != nil {
				if p.log != nil {
					p.log.WithFields(logrus.Fields{
						"formula": rule.FormulaText,
						"err":     err,
					}).Warn("access-rule formula failed; treating as deny")
				}
				// Fail closed: the bits this rule touches become denials.
				failed := rule.Perms
				for _, axis := range Axes {
					if failed.Get(axis) != FlagUnset {
						failed.Set(axis, FlagDeny)
					}
				}
				p.mergeRule(&out, rule, failed)
				continue
			}
			if match {
				p.mergeRule(&out, rule, rule.Perms)
			}
		}
	}
	return out
}

// mergeRule folds one rule's delta into the verdict, attaching the rule's
// memo to any bit it denies or leaves row-dependent on a deny.
func (p *PermissionInfo) mergeRule(out *PermissionSetWithContext, rule *Rule, delta PermissionSet) {
	for _, axis := range Axes {
		if out.Perms.Get(axis) != FlagUnset {
			continue
		}
		flag := delta.Get(axis)
		if flag == FlagUnset {
			continue
		}
		out.Perms.Set(axis, flag)
		if flag == FlagDeny || (flag == FlagMixed && rule.Perms.Get(axis) == FlagDeny) {
			out.addMemo(axis, rule.Memo)
		}
	}
}
