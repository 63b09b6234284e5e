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

// Role is the coarse access level a session has on a document, before any
// granular rules are applied.
type Role string

const (
	// RoleOwner grants full control of the document.
	RoleOwner Role = "owners"
	// RoleEditor grants data and schema edits, but not rule edits.
	RoleEditor Role = "editors"
	// RoleViewer grants read-only access.
	RoleViewer Role = "viewers"
	// RoleNone denies all access.
	RoleNone Role = ""
)

// IsOwner reports whether the role is full ownership.
func (r Role) IsOwner() bool { return r == RoleOwner }

// CanEdit reports whether the role allows modifying the document.
func (r Role) CanEdit() bool { return r == RoleOwner || r == RoleEditor }

// CanView reports whether the role allows reading the document at all.
func (r Role) CanView() bool { return r == RoleOwner || r == RoleEditor || r == RoleViewer }

// UserProfile identifies a user as known to the host.
type UserProfile struct {
	ID    int64
	Email string
	Name  string
}

// FullUser is a user together with the coarse role a directory records for
// them on this document.
type FullUser struct {
	ID     int64  `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Access Role   `json:"access"`
}

// Authorizer reports the identity and coarse role behind a session. The host
// owns authentication; the engine only reads its conclusions.
type Authorizer interface {
	Access() Role
	User() *UserProfile
}

// Session is one client connection to a document. The engine keys its
// per-session caches on the *Session pointer, so hosts must pass the same
// value for the lifetime of the connection and release it when it closes.
type Session struct {
	// ID is a host-chosen identifier used only for logging.
	ID string

	Authorizer Authorizer

	// LinkParameters carries the query parameters of the link the client
	// opened the document through, including any impersonation request.
	LinkParameters map[string]string

	// Origin describes where the session came from, when known.
	Origin string
}

// StaticAuthorizer is the trivial Authorizer for a fixed user and role.
type StaticAuthorizer struct {
	Role    Role
	Profile *UserProfile
}

var _ Authorizer = (*StaticAuthorizer)(nil)

func (a *StaticAuthorizer) Access() Role { return a.Role }

func (a *StaticAuthorizer) User() *UserProfile { return a.Profile }
