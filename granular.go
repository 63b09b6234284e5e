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

// Package gac enforces granular access control over a collaborative
// document. It gates every mutation through a bundle lifecycle, rewrites the
// resulting action stream per viewer so each one sees exactly what the
// document's rules grant them, and censors document metadata the same way.
package gac

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gristlabs/go-granular-access/acl"
	"github.com/gristlabs/go-granular-access/broadcast"
	"github.com/gristlabs/go-granular-access/doc"
)

// Broadcaster fans one message per subscriber out to the document's
// clients. *broadcast.DocClients implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, build func(sess *doc.Session) (*broadcast.Message, error)) error
}

var _ Broadcaster = (*broadcast.DocClients)(nil)

// Options configures a GranularAccess engine.
type Options struct {
	// DocData is the live metadata snapshot of the document. The engine
	// reads rules and structure from it; the host keeps it current with
	// applied actions.
	DocData *doc.Data

	// Fetch reads rows from document storage, for reconstructing bundle
	// states and resolving user-attribute lookups.
	Fetch doc.FetchFunc

	// Compiler turns rule formulas into predicates.
	Compiler acl.Compiler

	// HomeDB resolves impersonation requests. Optional; without it, viewing
	// the document as another user is unavailable.
	HomeDB UserDirectory

	// Clients receives per-viewer document updates. Optional; without it,
	// SendDocUpdateForBundle does nothing.
	Clients Broadcaster

	// Recovery suspends rule enforcement so an owner can repair a document
	// whose rules no longer compile.
	Recovery bool

	Logger *logrus.Logger
}

// GranularAccess is the rule-enforcement engine for one open document. All
// mutation traffic flows through its bundle lifecycle and all outbound data
// through its filters. The host serializes the bundle phases; read-side
// methods are safe to call concurrently, including from broadcast fan-out.
type GranularAccess struct {
	docData  *doc.Data
	fetch    doc.FetchFunc
	compiler acl.Compiler
	homeDB   UserDirectory
	clients  Broadcaster
	recovery bool
	log      *logrus.Entry

	ruler *acl.Ruler

	mu     sync.RWMutex
	bundle *bundle

	attrMu        sync.Mutex
	userAttrs     map[*doc.Session]*userAttributes
	prevUserAttrs map[*doc.Session]*userAttributes
}

var _ acl.UserSource = (*GranularAccess)(nil)

// New builds an engine over a document and compiles its current rules.
func New(opts Options) (*GranularAccess, error) {
	if opts.DocData == nil {
		return nil, ErrMissingOption.New("DocData")
	}
	if opts.Fetch == nil {
		return nil, ErrMissingOption.New("Fetch")
	}
	if opts.Compiler == nil {
		return nil, ErrMissingOption.New("Compiler")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	g := &GranularAccess{
		docData:   opts.DocData,
		fetch:     opts.Fetch,
		compiler:  opts.Compiler,
		homeDB:    opts.HomeDB,
		clients:   opts.Clients,
		recovery:  opts.Recovery,
		log:       logger.WithField("system", "granular"),
		userAttrs: map[*doc.Session]*userAttributes{},
	}
	g.ruler = acl.NewRuler(g, opts.Compiler, g.log)
	g.ruler.Update(opts.DocData)
	return g, nil
}

// Update recompiles the access rules from the live document and drops every
// per-session cache. Hosts call it when the document changes outside the
// bundle lifecycle, for instance after loading a snapshot.
func (g *GranularAccess) Update() {
	g.ruler.Update(g.docData)
	g.attrMu.Lock()
	g.userAttrs = map[*doc.Session]*userAttributes{}
	g.attrMu.Unlock()
	g.log.Debug("access rules updated")
}

// HaveRules reports whether the document defines any access rules.
func (g *GranularAccess) HaveRules() bool { return g.ruler.HaveRules() }

func (g *GranularAccess) permInfo(ctx context.Context, sess *doc.Session) (*acl.PermissionInfo, error) {
	return g.ruler.PermissionInfo(ctx, sess)
}

// HasTableAccess reports whether the session may read any part of a table.
func (g *GranularAccess) HasTableAccess(ctx context.Context, sess *doc.Session, tableID string) (bool, error) {
	pi, err := g.permInfo(ctx, sess)
	if err != nil {
		return false, err
	}
	return pi.GetTableAccess(tableID).Perms.Read != acl.FlagDeny, nil
}

// HasQueryAccess reports whether the session may read any part of the table
// a query targets. Row filters apply when the results are delivered, not
// here.
func (g *GranularAccess) HasQueryAccess(ctx context.Context, sess *doc.Session, q doc.Query) (bool, error) {
	return g.HasTableAccess(ctx, sess, q.TableID)
}

// HasNuancedAccess reports whether granular rules stand between this session
// and the document. Owners are never nuanced, and without rules nobody is.
func (g *GranularAccess) HasNuancedAccess(ctx context.Context, sess *doc.Session) (bool, error) {
	if !g.ruler.HaveRules() {
		return false, nil
	}
	full, err := g.HasFullAccess(ctx, sess)
	if err != nil {
		return false, err
	}
	return !full, nil
}

// HasFullAccess reports whether the session acts as an owner, after any
// impersonation is applied.
func (g *GranularAccess) HasFullAccess(ctx context.Context, sess *doc.Session) (bool, error) {
	user, err := g.GetUser(ctx, sess)
	if err != nil {
		return false, err
	}
	return user.Access == doc.RoleOwner, nil
}

// CanReadEverything reports whether the rules leave every table, row and
// column of the document readable for the session.
func (g *GranularAccess) CanReadEverything(ctx context.Context, sess *doc.Session) (bool, error) {
	pi, err := g.permInfo(ctx, sess)
	if err != nil {
		return false, err
	}
	return pi.GetFullAccess().Perms.Read == acl.FlagAllow, nil
}

// CanCopyEverything reports whether the session may export the document in
// full, either by reading everything or through an explicit FullCopies
// grant.
func (g *GranularAccess) CanCopyEverything(ctx context.Context, sess *doc.Session) (bool, error) {
	full, err := g.HasFullCopiesPermission(ctx, sess)
	if err != nil {
		return false, err
	}
	if full {
		return true, nil
	}
	return g.CanReadEverything(ctx, sess)
}

// CanScanData reports whether server-side maintenance may walk raw rows on
// the session's behalf.
func (g *GranularAccess) CanScanData(ctx context.Context, sess *doc.Session) (bool, error) {
	full, err := g.HasFullAccess(ctx, sess)
	if err != nil {
		return false, err
	}
	if full {
		return true, nil
	}
	return g.CanReadEverything(ctx, sess)
}

// HasFullCopiesPermission reports whether a rule grants the FullCopies
// special permission to the session.
func (g *GranularAccess) HasFullCopiesPermission(ctx context.Context, sess *doc.Session) (bool, error) {
	pi, err := g.permInfo(ctx, sess)
	if err != nil {
		return false, err
	}
	return pi.GetSpecialAccess(acl.SpecialFullCopies).Perms.Read == acl.FlagAllow, nil
}

// HasAccessRulesPermission reports whether the session may see the
// document's rule tables.
func (g *GranularAccess) HasAccessRulesPermission(ctx context.Context, sess *doc.Session) (bool, error) {
	pi, err := g.permInfo(ctx, sess)
	if err != nil {
		return false, err
	}
	return pi.GetSpecialAccess(acl.SpecialAccessRules).Perms.Read == acl.FlagAllow, nil
}

// FilterMetaTables censors a metadata snapshot for delivery to a viewer on
// document open. The input tables are never modified; viewers who can read
// everything get them back as-is.
func (g *GranularAccess) FilterMetaTables(ctx context.Context, sess *doc.Session, tables map[string]*doc.TableData) (map[string]*doc.TableData, error) {
	ok, err := g.CanReadEverything(ctx, sess)
	if err != nil {
		return nil, err
	}
	if ok {
		return tables, nil
	}
	pi, err := g.permInfo(ctx, sess)
	if err != nil {
		return nil, err
	}
	canViewACLs, err := g.HasAccessRulesPermission(ctx, sess)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*doc.TableData, len(tables))
	for tableID, t := range tables {
		out[tableID] = t.Clone()
	}
	censor := newCensorshipInfo(pi, out, canViewACLs)
	for _, tableID := range doc.StructuralTables {
		t := out[tableID]
		if t == nil {
			continue
		}
		act := t.AsAction()
		censor.apply(act)
		out[tableID] = doc.NewTableData(tableID, act.RowIDs, act.Columns)
	}
	return out, nil
}

// FilterData rewrites a fetched table in place for a viewer: rows the rules
// hide are dropped, hidden cells are censored, and columns the viewer may
// never read disappear entirely.
func (g *GranularAccess) FilterData(ctx context.Context, sess *doc.Session, data *doc.TableData) error {
	pi, err := g.permInfo(ctx, sess)
	if err != nil {
		return err
	}
	user := pi.Input().User
	coll := g.ruler.Collection()
	tableID := data.TableID

	switch pi.GetTableAccess(tableID).Perms.Read {
	case acl.FlagDeny:
		data.RowIDs = []int64{}
		for colID := range data.Columns {
			data.Columns[colID] = []doc.CellValue{}
		}
		return nil
	case acl.FlagMixed:
		forbidden := g.forbiddenRows(user, coll, data, tableID, data.RowIDs)
		if len(forbidden) > 0 {
			if err := data.Apply(&doc.BulkRemoveRecord{TableID: tableID, RowIDs: sortedRowIDs(forbidden)}); err != nil {
				return err
			}
		}
		g.censorCells(user, coll, data.AsAction(), data)
	}

	for colID := range data.Columns {
		if colID == manualSortColID {
			continue
		}
		if pi.GetColumnAccess(tableID, colID).Perms.Read == acl.FlagDeny {
			delete(data.Columns, colID)
		}
	}
	return nil
}

// FilterOutgoingDocActions rewrites the active bundle's actions for one
// viewer. A deliberate rule change cannot be expressed as a filtered stream,
// so it asks every subscriber to reload; the same goes for a viewer whose
// user-attribute rows the bundle changed. Without rules the stream passes
// through untouched.
func (g *GranularAccess) FilterOutgoingDocActions(ctx context.Context, sess *doc.Session, actions []doc.Action) ([]doc.Action, error) {
	if b := g.activeBundle(); b != nil && b.hasDeliberateRuleChange {
		return nil, needReloadError("document needs reload, access rules changed")
	}
	if !g.ruler.HaveRules() {
		return actions, nil
	}
	if err := g.checkUserAttributes(ctx, sess); err != nil {
		return nil, err
	}
	out := make([]doc.Action, 0, len(actions))
	for idx := range actions {
		cur := &actionCursor{sess: sess, action: actions[idx], idx: idx}
		filtered, err := g.filterOutgoingDocAction(ctx, cur)
		if err != nil {
			return nil, err
		}
		out = append(out, filtered...)
	}
	return out, nil
}

// filterOutgoingDocAction routes one action through the read filters: drop,
// pass, column prune, or the full row-and-cell rewrite, depending on how the
// viewer's access to the table resolves. Structural tables take a second
// pass for metadata censorship.
func (g *GranularAccess) filterOutgoingDocAction(ctx context.Context, cur *actionCursor) ([]doc.Action, error) {
	pi, err := g.permInfoAt(ctx, cur)
	if err != nil {
		return nil, err
	}
	tableID := cur.action.Table()
	readCheck := accessCheck{axis: acl.AxisRead, severity: severityCheck}

	var results []doc.Action
	switch pi.GetTableAccess(tableID).Perms.Read {
	case acl.FlagDeny:
		// Nothing of this table reaches the viewer.
	case acl.FlagAllow:
		results = []doc.Action{cur.action}
	case acl.FlagMixedColumns:
		na, err := pruneColumns(cur.action, pi, tableID, readCheck)
		if err != nil {
			return nil, err
		}
		if na != nil {
			results = []doc.Action{na}
		}
	default:
		rewritten, err := g.filterRowsAndCells(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, a := range rewritten {
			na, err := pruneColumns(a, pi, tableID, readCheck)
			if err != nil {
				return nil, err
			}
			if na != nil {
				results = append(results, na)
			}
		}
	}

	if !doc.IsStructuralTable(tableID) || len(results) == 0 {
		return results, nil
	}
	censor, err := g.censorshipAt(ctx, cur)
	if err != nil {
		return nil, err
	}
	out := results[:0]
	for _, a := range results {
		if !doc.IsDataAction(a) {
			out = append(out, a)
			continue
		}
		na := doc.Clone(a)
		if censor.apply(na) {
			out = append(out, na)
		}
	}
	return out, nil
}

// FilterActionGroup strips an action group's description and summary for
// viewers who cannot read everything; row counts and cell snippets in a
// summary would leak what the filters hide.
func (g *GranularAccess) FilterActionGroup(ctx context.Context, sess *doc.Session, group *broadcast.ActionGroup) (*broadcast.ActionGroup, error) {
	if group == nil {
		return nil, nil
	}
	ok, err := g.CanReadEverything(ctx, sess)
	if err != nil {
		return nil, err
	}
	if ok {
		return group, nil
	}
	out := *group
	out.Desc = ""
	out.ActionSummary = nil
	return &out, nil
}
