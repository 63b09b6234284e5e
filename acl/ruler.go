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
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gristlabs/go-granular-access/doc"
)

// UserSource resolves the user a session acts as. The engine owning the
// ruler implements it; impersonation and user attributes live there.
type UserSource interface {
	GetUser(ctx context.Context, sess *doc.Session) (*doc.UserInfo, error)
}

// Ruler pairs one rule collection with a per-session cache of record-less
// PermissionInfo evaluators. It represents the rule state at one point in
// time; steps of a bundle each hold the ruler that was valid when they ran.
type Ruler struct {
	owner    UserSource
	compiler Compiler
	log      *logrus.Entry

	mu       sync.RWMutex
	coll     *RuleCollection
	sessions map[*doc.Session]*PermissionInfo
}

// NewRuler returns a ruler with no rules loaded; call Update to compile a
// document's rules into it.
func NewRuler(owner UserSource, compiler Compiler, log *logrus.Entry) *Ruler {
	return &Ruler{
		owner:    owner,
		compiler: compiler,
		log:      log,
		coll:     emptyCollection(),
		sessions: map[*doc.Session]*PermissionInfo{},
	}
}

// Collection returns the current rule collection.
func (r *Ruler) Collection() *RuleCollection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.coll
}

// HaveRules reports whether the current collection defines any rules.
func (r *Ruler) HaveRules() bool { return r.Collection().HaveRules() }

// Update rebuilds the collection from docData and drops every cached
// evaluator. Callers holding PermissionInfo values keep a consistent view of
// the old rules.
func (r *Ruler) Update(docData *doc.Data) {
	coll := Build(docData, r.compiler)
	r.mu.Lock()
	r.coll = coll
	r.sessions = map[*doc.Session]*PermissionInfo{}
	r.mu.Unlock()
}

// ClearCache drops every cached evaluator, keeping the compiled rules. Used
// when user-attribute sources change: the rules stand, but users must be
// re-resolved.
func (r *Ruler) ClearCache() {
	r.mu.Lock()
	r.sessions = map[*doc.Session]*PermissionInfo{}
	r.mu.Unlock()
}

// ReleaseSession forgets the cached evaluator of one session.
func (r *Ruler) ReleaseSession(sess *doc.Session) {
	r.mu.Lock()
	delete(r.sessions, sess)
	r.mu.Unlock()
}

// PermissionInfo returns the record-less evaluator for a session, resolving
// the session's user on first use and caching the result until the rules or
// the user inputs change.
func (r *Ruler) PermissionInfo(ctx context.Context, sess *doc.Session) (*PermissionInfo, error) {
	r.mu.RLock()
	pi, ok := r.sessions[sess]
	r.mu.RUnlock()
	if ok {
		return pi, nil
	}

	user, err := r.owner.GetUser(ctx, sess)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if pi, ok := r.sessions[sess]; ok {
		return pi, nil
	}
	pi = NewPermissionInfo(r.coll, EvalInput{User: user}, r.log)
	r.sessions[sess] = pi
	return pi, nil
}
