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
	"sort"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"

	"github.com/gristlabs/go-granular-access/acl"
	"github.com/gristlabs/go-granular-access/doc"
)

// actionStep is one document action of a bundle together with the state of
// the world around it: the affected table's rows immediately before and
// after, the metadata snapshot when the bundle touches structure, and the
// rules in force at that point of the stream.
type actionStep struct {
	action     doc.Action
	rowsBefore *doc.TableData
	rowsAfter  *doc.TableData
	metaBefore map[string]*doc.TableData
	metaAfter  map[string]*doc.TableData
	ruler      *acl.Ruler
}

// actionCursor addresses one action of the active bundle on behalf of one
// session.
type actionCursor struct {
	sess   *doc.Session
	action doc.Action
	idx    int
}

// getSteps materializes the active bundle's steps, once. Every caller shares
// the result, including its failure: a bundle whose history cannot be
// reconstructed cannot be filtered for anyone.
func (g *GranularAccess) getSteps(ctx context.Context) ([]*actionStep, error) {
	b := g.activeBundle()
	if b == nil {
		return nil, ErrNoBundle.New()
	}
	b.stepsOnce.Do(func() {
		span, spanCtx := opentracing.StartSpanFromContext(ctx, "gac.buildSteps",
			opentracing.Tag{Key: "actions", Value: len(b.docActions)})
		defer span.Finish()
		b.steps, b.stepsErr = g.buildSteps(spanCtx, b)
		if b.stepsErr != nil {
			g.log.WithFields(logrus.Fields{"err": b.stepsErr}).Error("failed to reconstruct bundle steps")
		}
	})
	return b.steps, b.stepsErr
}

// buildSteps replays the bundle against scratch copies of the rows and
// metadata it touches. When the bundle is already applied to the document,
// the scratch state is first rewound with the undo actions so the walk still
// starts from the pre-bundle world. Rule changes inside the bundle produce
// fresh rulers for the steps that follow them; consecutive rule-table
// actions share one rebuild.
func (g *GranularAccess) buildSteps(ctx context.Context, b *bundle) ([]*actionStep, error) {
	related := relatedRows(b.docActions, b.undo)
	scratch := doc.NewData(g.fetch)
	for _, tableID := range sortedTableIDs(related) {
		if err := scratch.SyncTable(ctx, tableID, sortedRowIDs(related[tableID])); err != nil {
			return nil, err
		}
	}

	needMeta := false
	for _, a := range b.docActions {
		if doc.IsSchemaAction(a) || doc.IsStructuralTable(a.Table()) {
			needMeta = true
			break
		}
	}
	var meta map[string]*doc.TableData
	if needMeta {
		meta = make(map[string]*doc.TableData, len(doc.StructuralTables))
		for _, tableID := range doc.StructuralTables {
			if t := g.docData.Table(tableID); t != nil {
				meta[tableID] = t.Clone()
			} else {
				meta[tableID] = doc.NewTableData(tableID, nil, nil)
			}
		}
	}

	if b.applied {
		metaView := doc.NewSnapshot(meta)
		for i := len(b.undo) - 1; i >= 0; i-- {
			a := b.undo[i]
			if err := scratch.ReceiveAction(a); err != nil {
				return nil, err
			}
			if needMeta && doc.IsStructuralTable(a.Table()) {
				if err := metaView.ReceiveAction(a); err != nil {
					return nil, err
				}
			}
		}
	}

	steps := make([]*actionStep, 0, len(b.docActions))
	ruler := g.ruler
	replaceRuler := false
	for _, a := range b.docActions {
		tableID := a.Table()

		if doc.IsACLTable(tableID) {
			replaceRuler = true
		} else if replaceRuler {
			ruler = acl.NewRuler(g, g.compiler, g.log)
			ruler.Update(doc.NewSnapshot(meta))
			replaceRuler = false
		}

		step := &actionStep{action: a, ruler: ruler}
		if t := scratch.Table(tableID); t != nil {
			step.rowsBefore = t.Clone()
		} else {
			step.rowsBefore = doc.NewTableData(tableID, nil, nil)
		}
		if err := scratch.ReceiveAction(a); err != nil {
			return nil, err
		}
		if t := scratch.Table(tableID); t != nil {
			step.rowsAfter = t.Clone()
		} else {
			step.rowsAfter = step.rowsBefore
		}

		if needMeta {
			step.metaBefore = meta
			if doc.IsStructuralTable(tableID) {
				next := make(map[string]*doc.TableData, len(meta))
				for k, v := range meta {
					next[k] = v
				}
				if t := meta[tableID]; t != nil {
					next[tableID] = t.Clone()
				} else {
					next[tableID] = doc.NewTableData(tableID, nil, nil)
				}
				if err := doc.NewSnapshot(next).ReceiveAction(a); err != nil {
					return nil, err
				}
				meta = next
			}
			step.metaAfter = meta
		}

		steps = append(steps, step)
	}
	return steps, nil
}

func (g *GranularAccess) stepAt(ctx context.Context, cur *actionCursor) (*actionStep, error) {
	steps, err := g.getSteps(ctx)
	if err != nil {
		return nil, err
	}
	if cur.idx < 0 || cur.idx >= len(steps) {
		return nil, ErrNoStep.New(cur.idx)
	}
	return steps[cur.idx], nil
}

// permInfoAt returns the record-independent permissions of the cursor's
// session under the rules in force at the cursor's step.
func (g *GranularAccess) permInfoAt(ctx context.Context, cur *actionCursor) (*acl.PermissionInfo, error) {
	step, err := g.stepAt(ctx, cur)
	if err != nil {
		return nil, err
	}
	return step.ruler.PermissionInfo(ctx, cur.sess)
}

// censorshipAt builds the metadata censor for the cursor's step. It fails
// for bundles that never touched structure, which is a caller bug: only
// structural actions are routed through metadata censorship.
func (g *GranularAccess) censorshipAt(ctx context.Context, cur *actionCursor) (*censorshipInfo, error) {
	step, err := g.stepAt(ctx, cur)
	if err != nil {
		return nil, err
	}
	if step.metaAfter == nil {
		return nil, ErrNoMetaStep.New(cur.idx)
	}
	pi, err := g.permInfoAt(ctx, cur)
	if err != nil {
		return nil, err
	}
	canViewACLs, err := g.HasAccessRulesPermission(ctx, cur.sess)
	if err != nil {
		return nil, err
	}
	return newCensorshipInfo(pi, step.metaAfter, canViewACLs), nil
}

// rowsForRecAndNewRec returns the table snapshots row-dependent rules bind
// to rec and newRec at the cursor's step: the rows just before the action,
// and the rows after the last action of the bundle touching the same table.
// Reusing a row id within one bundle therefore judges the earlier action by
// the later row's content; the data engine does not reuse ids in practice.
func (g *GranularAccess) rowsForRecAndNewRec(ctx context.Context, cur *actionCursor) (*doc.TableData, *doc.TableData, error) {
	steps, err := g.getSteps(ctx)
	if err != nil {
		return nil, nil, err
	}
	if cur.idx < 0 || cur.idx >= len(steps) {
		return nil, nil, ErrNoStep.New(cur.idx)
	}
	step := steps[cur.idx]
	tableID := step.action.Table()
	rowsNewRec := step.rowsAfter
	for i := len(steps) - 1; i > cur.idx; i-- {
		if steps[i].action.Table() == tableID {
			rowsNewRec = steps[i].rowsAfter
			break
		}
	}
	return step.rowsBefore, rowsNewRec, nil
}

// relatedRows collects every row id the bundle's actions and their undo
// counterparts mention, per table. These are the only rows the step replay
// needs from storage.
func relatedRows(actionLists ...[]doc.Action) map[string]map[int64]bool {
	related := map[string]map[int64]bool{}
	for _, actions := range actionLists {
		for _, a := range actions {
			ids := doc.RowIDsOf(a)
			if len(ids) == 0 {
				continue
			}
			rows := related[a.Table()]
			if rows == nil {
				rows = map[int64]bool{}
				related[a.Table()] = rows
			}
			for _, id := range ids {
				rows[id] = true
			}
		}
	}
	return related
}

func sortedTableIDs(related map[string]map[int64]bool) []string {
	out := make([]string, 0, len(related))
	for tableID := range related {
		out = append(out, tableID)
	}
	sort.Strings(out)
	return out
}

func sortedRowIDs(rows map[int64]bool) []int64 {
	out := make([]int64, 0, len(rows))
	for id := range rows {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
