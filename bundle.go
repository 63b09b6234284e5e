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

	"github.com/mitchellh/hashstructure"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"

	"github.com/gristlabs/go-granular-access/acl"
	"github.com/gristlabs/go-granular-access/broadcast"
	"github.com/gristlabs/go-granular-access/doc"
)

// bundle is the one in-flight mutation set, from BeginBundle to
// FinishedBundle. Steps are reconstructed lazily and at most once per
// bundle.
type bundle struct {
	sess        *doc.Session
	userActions []doc.UserAction
	docActions  []doc.Action
	undo        []doc.Action
	applied     bool

	// hasDeliberateRuleChange is set when the user actions themselves named
	// a rule table, as opposed to rule rows shifting as a side effect of
	// renames. Deliberate changes commit only for owners and force every
	// subscriber to reload.
	hasDeliberateRuleChange bool

	stepsOnce sync.Once
	steps     []*actionStep
	stepsErr  error
}

// DocUpdate is the payload of a "docUserAction" broadcast: the bundle's
// action group and document actions as one particular viewer may see them.
type DocUpdate struct {
	ActionGroup *broadcast.ActionGroup `json:"actionGroup"`
	DocActions  []doc.Action           `json:"docActions"`
}

// BeginBundle opens a bundle for a batch of lowered actions. Only one bundle
// may be in flight at a time; the host serializes mutations and must close
// each bundle with FinishedBundle, whatever happens in between.
func (g *GranularAccess) BeginBundle(sess *doc.Session, userActions []doc.UserAction, docActions, undo []doc.Action) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bundle != nil {
		return ErrBundleActive.New()
	}
	deliberate := doc.ScanActions(userActions, func(a doc.UserAction) bool {
		return doc.IsACLTable(a.TableID())
	})
	g.bundle = &bundle{
		sess:                    sess,
		userActions:             userActions,
		docActions:              docActions,
		undo:                    undo,
		hasDeliberateRuleChange: deliberate,
	}
	g.log.WithFields(logrus.Fields{
		"session":    sessionID(sess),
		"actions":    len(docActions),
		"deliberate": deliberate,
	}).Debug("bundle started")
	return nil
}

func (g *GranularAccess) activeBundle() *bundle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.bundle
}

// CanApplyBundle decides whether the active bundle may be committed for the
// session that initiated it. Deliberate rule changes need ownership; with
// rules in force every action is vetted at its own step; and a bundle that
// rewrites the rule tables must leave them loadable, so a bad rule edit is
// rejected here instead of wedging the document.
func (g *GranularAccess) CanApplyBundle(ctx context.Context) error {
	b := g.activeBundle()
	if b == nil {
		return ErrNoBundle.New()
	}
	span, ctx := opentracing.StartSpanFromContext(ctx, "gac.canApplyBundle",
		opentracing.Tag{Key: "actions", Value: len(b.docActions)})
	defer span.Finish()

	if b.hasDeliberateRuleChange && !g.recovery {
		full, err := g.HasFullAccess(ctx, b.sess)
		if err != nil {
			return err
		}
		if !full {
			return deniedError("Only owners can modify access rules", nil)
		}
	}

	if g.ruler.HaveRules() && !g.recovery {
		for idx, a := range b.docActions {
			cur := &actionCursor{sess: b.sess, action: a, idx: idx}
			if err := g.checkIncomingDocAction(ctx, cur); err != nil {
				g.log.WithFields(logrus.Fields{
					"session": sessionID(b.sess),
					"table":   a.Table(),
					"err":     err,
				}).Info("bundle blocked by access rules")
				return err
			}
		}
	}

	if touchesACLTables(b.docActions) {
		if err := g.checkRuleChangesValid(b.docActions); err != nil {
			return err
		}
	}
	return nil
}

// checkRuleChangesValid simulates the bundle's structural changes on a
// sandbox copy of the metadata and rebuilds the rules from the result. Rules
// that fail to compile, or that point at tables and columns the document
// will not have, bounce the bundle as a bad request.
func (g *GranularAccess) checkRuleChangesValid(docActions []doc.Action) error {
	sandbox := make(map[string]*doc.TableData, len(doc.StructuralTables))
	for _, tableID := range doc.StructuralTables {
		if t := g.docData.Table(tableID); t != nil {
			sandbox[tableID] = t.Clone()
		} else {
			sandbox[tableID] = doc.NewTableData(tableID, nil, nil)
		}
	}
	view := doc.NewSnapshot(sandbox)
	for _, a := range docActions {
		if !doc.IsStructuralTable(a.Table()) {
			continue
		}
		if err := view.ReceiveAction(a); err != nil {
			return apiError(400, err.Error())
		}
	}
	coll := acl.Build(view, g.compiler)
	if err := coll.RuleError(); err != nil {
		return apiError(400, err.Error())
	}
	if err := coll.CheckDocEntities(view); err != nil {
		return apiError(400, err.Error())
	}
	return nil
}

// AppliedBundle records that the data engine committed the bundle. From here
// on, filters reconstruct pre-action states through the undo actions. Caches
// keyed on data the bundle may have changed are shed: user-attribute records
// are set aside for the divergence check during broadcast, and evaluator
// caches are dropped on any schema change.
func (g *GranularAccess) AppliedBundle() error {
	b := g.activeBundle()
	if b == nil {
		return ErrNoBundle.New()
	}
	b.applied = true

	attrTables := g.ruler.Collection().UserAttributeTables()
	attrTouched, schemaTouched := false, false
	for _, a := range b.docActions {
		if attrTables[a.Table()] {
			attrTouched = true
		}
		if doc.IsSchemaAction(a) || doc.IsMetaTable(a.Table()) {
			schemaTouched = true
		}
	}
	if attrTouched {
		g.attrMu.Lock()
		g.prevUserAttrs = g.userAttrs
		g.userAttrs = map[*doc.Session]*userAttributes{}
		g.attrMu.Unlock()
	}
	if attrTouched || schemaTouched {
		g.ruler.ClearCache()
	}
	return nil
}

// SendDocUpdateForBundle broadcasts the applied bundle, rewritten per
// subscriber. A subscriber the stream cannot be expressed for, because the
// rules or their user-attribute inputs just changed under them, gets a
// reload signal instead of actions.
func (g *GranularAccess) SendDocUpdateForBundle(ctx context.Context, group *broadcast.ActionGroup) error {
	b := g.activeBundle()
	if b == nil {
		return ErrNoBundle.New()
	}
	if !b.applied {
		return ErrBundleNotApplied.New()
	}
	if g.clients == nil {
		return nil
	}
	span, ctx := opentracing.StartSpanFromContext(ctx, "gac.sendDocUpdate",
		opentracing.Tag{Key: "actions", Value: len(b.docActions)})
	defer span.Finish()

	return g.clients.Broadcast(ctx, func(sess *doc.Session) (*broadcast.Message, error) {
		actions, err := g.FilterOutgoingDocActions(ctx, sess, b.docActions)
		if err != nil {
			return nil, err
		}
		filteredGroup, err := g.FilterActionGroup(ctx, sess, group)
		if err != nil {
			return nil, err
		}
		return &broadcast.Message{
			Type: "docUserAction",
			Data: &DocUpdate{ActionGroup: filteredGroup, DocActions: actions},
		}, nil
	})
}

// FinishedBundle closes the active bundle and, if it was applied, refreshes
// the rules from the now-committed document. Calling it without a bundle is
// a no-op, so hosts can run it from their cleanup paths unconditionally.
func (g *GranularAccess) FinishedBundle() {
	g.mu.Lock()
	b := g.bundle
	g.bundle = nil
	g.mu.Unlock()
	if b == nil {
		return
	}
	g.attrMu.Lock()
	g.prevUserAttrs = nil
	g.attrMu.Unlock()
	if b.applied {
		g.updateRules(b.docActions)
	}
}

// updateRules recompiles after a committed bundle when its actions could
// have changed what the rules mean: any rule-table change, or any schema
// change while rules are in force.
func (g *GranularAccess) updateRules(docActions []doc.Action) {
	anyACL, anySchema := false, false
	for _, a := range docActions {
		if doc.IsACLTable(a.Table()) {
			anyACL = true
			break
		}
		if doc.IsSchemaAction(a) {
			anySchema = true
		}
	}
	switch {
	case anyACL:
		g.Update()
	case anySchema && g.ruler.HaveRules():
		g.Update()
	}
}

// checkUserAttributes compares the user-attribute records a session was
// resolved with before the bundle against their state after it. A difference
// means rules may now cover a different slice of the document for this
// viewer, which an incremental update cannot express.
func (g *GranularAccess) checkUserAttributes(ctx context.Context, sess *doc.Session) error {
	g.attrMu.Lock()
	prev := g.prevUserAttrs[sess]
	g.attrMu.Unlock()
	if prev == nil {
		return nil
	}
	user, err := g.GetUser(ctx, sess)
	if err != nil {
		return err
	}
	prev.mu.Lock()
	defer prev.mu.Unlock()
	for name, prevRec := range prev.rows {
		newRec, ok := user.Attributes[name]
		if !ok {
			newRec = doc.EmptyRecordView()
		}
		prevHash, err := hashstructure.Hash(prevRec.ToMap(), nil)
		if err != nil {
			return err
		}
		newHash, err := hashstructure.Hash(newRec.ToMap(), nil)
		if err != nil {
			return err
		}
		if prevHash != newHash {
			return needReloadError("document needs reload, user attributes changed")
		}
	}
	return nil
}

func touchesACLTables(docActions []doc.Action) bool {
	for _, a := range docActions {
		if doc.IsACLTable(a.Table()) {
			return true
		}
	}
	return false
}

func sessionID(sess *doc.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}
