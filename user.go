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
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"github.com/gristlabs/go-granular-access/acl"
	"github.com/gristlabs/go-granular-access/doc"
	"github.com/gristlabs/go-granular-access/homedb"
)

// Link parameters through which an owner asks to view the document as
// somebody else.
const (
	LinkParamAsUserID = "aclAsUserId"
	LinkParamAsUser   = "aclAsUser"
)

// UserDirectory looks up users known to the host, for resolving
// impersonation requests. *homedb.Directory implements it.
type UserDirectory interface {
	UserByID(id int64) (*doc.FullUser, error)
	UserByEmail(email string) (*doc.FullUser, error)
}

var _ UserDirectory = (*homedb.Directory)(nil)

// UserOverride is the identity a session acts under while impersonating. A
// nil User with RoleNone access means the requested user was not found, which
// reads as a user with no access at all.
type UserOverride struct {
	Access doc.Role      `json:"access"`
	User   *doc.FullUser `json:"user"`
}

// userAttributes caches per-session resolution state: the impersonation
// override, if requested, and the record each user-attribute rule matched.
// Entries live until the rules change or the session is released.
type userAttributes struct {
	mu       sync.Mutex
	override *UserOverride
	rows     map[string]*doc.RecordView
}

func (g *GranularAccess) getUserAttributes(sess *doc.Session) *userAttributes {
	g.attrMu.Lock()
	defer g.attrMu.Unlock()
	attrs, ok := g.userAttrs[sess]
	if !ok {
		attrs = &userAttributes{rows: map[string]*doc.RecordView{}}
		g.userAttrs[sess] = attrs
	}
	return attrs
}

// GetUser resolves the identity rule formulas see for a session: the coarse
// role and profile from the session's authorizer, overridden by any
// impersonation request, plus one looked-up record per user-attribute rule.
// Results are cached per session until the rules or their source tables
// change.
func (g *GranularAccess) GetUser(ctx context.Context, sess *doc.Session) (*doc.UserInfo, error) {
	coll := g.ruler.Collection()
	if err := coll.RuleError(); err != nil && !g.recovery {
		return nil, ErrInvalidRules.New(err)
	}

	attrs := g.getUserAttributes(sess)
	attrs.mu.Lock()
	defer attrs.mu.Unlock()

	access := doc.RoleNone
	var profile *doc.UserProfile
	if sess.Authorizer != nil {
		access = sess.Authorizer.Access()
		profile = sess.Authorizer.User()
	}

	user := &doc.UserInfo{
		Origin:     sess.Origin,
		LinkKey:    linkKeys(sess.LinkParameters),
		Attributes: map[string]*doc.RecordView{},
	}

	if hasOverrideParams(sess.LinkParameters) {
		if access != doc.RoleOwner {
			return nil, deniedError("only an owner can view the document as another user", nil)
		}
		if attrs.override == nil {
			override, err := g.lookupOverride(sess.LinkParameters)
			if err != nil {
				return nil, err
			}
			attrs.override = override
		}
		access = attrs.override.Access
		if u := attrs.override.User; u != nil {
			user.UserID = u.ID
			user.Email = u.Email
			user.Name = u.Name
		}
	} else if profile != nil {
		user.UserID = profile.ID
		user.Email = profile.Email
		user.Name = profile.Name
	}
	user.Access = access

	if coll.HaveRules() {
		for _, uar := range coll.UserAttributeRules() {
			if doc.IsReservedUserField(uar.Name) || user.HasAttribute(uar.Name) {
				g.log.WithFields(logrus.Fields{
					"attribute": uar.Name,
				}).Warn("user attribute ignored, name is already taken")
				continue
			}
			if rec, ok := attrs.rows[uar.Name]; ok {
				user.Attributes[uar.Name] = rec
				continue
			}
			rec := g.resolveUserAttribute(ctx, user, uar)
			user.Attributes[uar.Name] = rec
			attrs.rows[uar.Name] = rec
		}
	}
	return user, nil
}

// resolveUserAttribute looks up the record a user-attribute rule attaches.
// Lookup failures degrade to an empty record so a broken attribute table
// cannot take the whole document down, but they are worth a warning.
func (g *GranularAccess) resolveUserAttribute(ctx context.Context, user *doc.UserInfo, uar acl.UserAttributeRule) *doc.RecordView {
	value := user.Get(uar.CharID)
	rows, err := g.fetch(ctx, doc.Query{
		TableID: uar.TableID,
		Filters: map[string][]doc.CellValue{uar.LookupColID: {value}},
	})
	if err != nil {
		g.log.WithFields(logrus.Fields{
			"attribute": uar.Name,
			"table":     uar.TableID,
			"err":       err,
		}).Warn("user attribute lookup failed")
		return doc.EmptyRecordView()
	}
	if rows.NumRows() == 0 {
		return doc.EmptyRecordView()
	}
	return doc.NewRecordView(rows, 0)
}

// lookupOverride resolves an impersonation request against the user
// directory. An unknown user is not an error: the override simply carries no
// access.
func (g *GranularAccess) lookupOverride(params map[string]string) (*UserOverride, error) {
	if g.homeDB == nil {
		return nil, noOwnerError("user directory is not available")
	}
	var dbUser *doc.FullUser
	var err error
	if idText := params[LinkParamAsUserID]; idText != "" {
		id, convErr := cast.ToInt64E(idText)
		if convErr != nil {
			return nil, apiError(400, fmt.Sprintf("invalid %s parameter %q", LinkParamAsUserID, idText))
		}
		dbUser, err = g.homeDB.UserByID(id)
	} else {
		dbUser, err = g.homeDB.UserByEmail(params[LinkParamAsUser])
	}
	if err != nil {
		if homedb.ErrUserNotFound.Is(err) {
			return &UserOverride{Access: doc.RoleNone}, nil
		}
		return nil, err
	}
	return &UserOverride{Access: dbUser.Access, User: dbUser}, nil
}

// GetUserOverride returns the identity the session is impersonating, or nil
// when no impersonation is in effect.
func (g *GranularAccess) GetUserOverride(ctx context.Context, sess *doc.Session) (*UserOverride, error) {
	if !hasOverrideParams(sess.LinkParameters) {
		return nil, nil
	}
	if _, err := g.GetUser(ctx, sess); err != nil {
		return nil, err
	}
	attrs := g.getUserAttributes(sess)
	attrs.mu.Lock()
	defer attrs.mu.Unlock()
	return attrs.override, nil
}

// ReleaseSession drops everything cached for a session. Hosts must call it
// when a client disconnects; entries are otherwise kept for the life of the
// engine.
func (g *GranularAccess) ReleaseSession(sess *doc.Session) {
	g.attrMu.Lock()
	delete(g.userAttrs, sess)
	delete(g.prevUserAttrs, sess)
	g.attrMu.Unlock()
	g.ruler.ReleaseSession(sess)
}

func hasOverrideParams(params map[string]string) bool {
	return params[LinkParamAsUserID] != "" || params[LinkParamAsUser] != ""
}

// linkKeys extracts the link keys rule formulas see as user.LinkKey. Every
// link parameter is exposed except the impersonation controls, which describe
// who is asking rather than what they were handed.
func linkKeys(params map[string]string) map[string]string {
	out := map[string]string{}
	for name, value := range params {
		if name == LinkParamAsUserID || name == LinkParamAsUser {
			continue
		}
		out[name] = value
	}
	return out
}
