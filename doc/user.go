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

package doc

import "strings"

// Built-in user fields, reserved against attribute rules of the same name.
const (
	UserFieldAccess  = "Access"
	UserFieldUserID  = "UserID"
	UserFieldEmail   = "Email"
	UserFieldName    = "Name"
	UserFieldLinkKey = "LinkKey"
	UserFieldOrigin  = "Origin"
)

// IsReservedUserField reports whether name is one of the built-in user
// fields that user-attribute rules may not shadow.
func IsReservedUserField(name string) bool {
	switch name {
	case UserFieldAccess, UserFieldUserID, UserFieldEmail, UserFieldName,
		UserFieldLinkKey, UserFieldOrigin:
		return true
	}
	return false
}

// UserInfo is the resolved identity rule formulas evaluate against: the
// session's coarse role and profile, plus one looked-up record per
// user-attribute rule.
type UserInfo struct {
	Access  Role
	UserID  int64
	Email   string
	Name    string
	Origin  string
	LinkKey map[string]string

	// Attributes holds the record each user-attribute rule resolved to,
	// keyed by the rule's name. Failed lookups hold an empty view.
	Attributes map[string]*RecordView
}

// Get resolves a dotted path against the user, e.g. "Email" or
// "office.city" where "office" names a user-attribute record. Unknown paths
// yield nil.
func (u *UserInfo) Get(path string) CellValue {
	if u == nil || path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	head, rest := parts[0], parts[1:]
	var v CellValue
	switch head {
	case UserFieldAccess:
		v = string(u.Access)
	case UserFieldUserID, "id":
		v = u.UserID
	case UserFieldEmail:
		v = u.Email
	case UserFieldName:
		v = u.Name
	case UserFieldOrigin:
		v = u.Origin
	case UserFieldLinkKey:
		if len(rest) == 1 {
			return u.LinkKey[rest[0]]
		}
		return nil
	default:
		rec, ok := u.Attributes[head]
		if !ok {
			return nil
		}
		if len(rest) == 0 {
			return rec
		}
		if len(rest) == 1 {
			return rec.Get(rest[0])
		}
		return nil
	}
	if len(rest) > 0 {
		return nil
	}
	return v
}

// HasAttribute reports whether a user-attribute record with the given name
// is attached.
func (u *UserInfo) HasAttribute(name string) bool {
	_, ok := u.Attributes[name]
	return ok
}
