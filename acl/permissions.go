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

// Package acl holds the compiled access rules of a document and evaluates
// them into permission verdicts per table and per column.
package acl

import (
	"strings"

	"gopkg.in/src-d/go-errors.v1"
)

// ErrInvalidPermissions is returned when a permissions specifier cannot be
// parsed.
var ErrInvalidPermissions = errors.NewKind("invalid permissions specifier %q")

// Flag is the verdict of rule evaluation for one permission bit.
type Flag uint8

const (
	// FlagUnset means no rule has decided the bit yet.
	FlagUnset Flag = iota
	// FlagAllow grants the bit outright.
	FlagAllow
	// FlagDeny refuses the bit outright.
	FlagDeny
	// FlagMixed means the verdict depends on the row; decide per record.
	FlagMixed
	// FlagMixedColumns means columns of the table disagree, but no rule
	// depends on the row.
	FlagMixedColumns
)

func (f Flag) String() string {
	switch f {
	case FlagAllow:
		return "allow"
	case FlagDeny:
		return "deny"
	case FlagMixed:
		return "mixed"
	case FlagMixedColumns:
		return "mixedColumns"
	}
	return "unset"
}

// Axis names one of the five permission bits.
type Axis string

const (
	AxisRead       Axis = "read"
	AxisUpdate     Axis = "update"
	AxisCreate     Axis = "create"
	AxisDelete     Axis = "delete"
	AxisSchemaEdit Axis = "schemaEdit"
)

// Axes lists every permission axis, in specifier-letter order.
var Axes = []Axis{AxisRead, AxisUpdate, AxisCreate, AxisDelete, AxisSchemaEdit}

var axisLetters = map[Axis]byte{
	AxisRead:       'R',
	AxisUpdate:     'U',
	AxisCreate:     'C',
	AxisDelete:     'D',
	AxisSchemaEdit: 'S',
}

// PermissionSet is a verdict (or rule delta) on all five permission axes.
// The zero value leaves every bit undecided.
type PermissionSet struct {
	Read       Flag
	Update     Flag
	Create     Flag
	Delete     Flag
	SchemaEdit Flag
}

// AllowAll returns a set granting every bit.
func AllowAll() PermissionSet {
	return PermissionSet{FlagAllow, FlagAllow, FlagAllow, FlagAllow, FlagAllow}
}

// DenyAll returns a set refusing every bit.
func DenyAll() PermissionSet {
	return PermissionSet{FlagDeny, FlagDeny, FlagDeny, FlagDeny, FlagDeny}
}

// Get returns the flag for one axis.
func (p PermissionSet) Get(axis Axis) Flag {
	switch axis {
	case AxisRead:
		return p.Read
	case AxisUpdate:
		return p.Update
	case AxisCreate:
		return p.Create
	case AxisDelete:
		return p.Delete
	case AxisSchemaEdit:
		return p.SchemaEdit
	}
	return FlagUnset
}

// Set overwrites the flag for one axis.
func (p *PermissionSet) Set(axis Axis, f Flag) {
	switch axis {
	case AxisRead:
		p.Read = f
	case AxisUpdate:
		p.Update = f
	case AxisCreate:
		p.Create = f
	case AxisDelete:
		p.Delete = f
	case AxisSchemaEdit:
		p.SchemaEdit = f
	}
}

// Merge fills every undecided bit of p from q. Bits p already decided keep
// their value: the first explicit verdict per bit wins.
func (p PermissionSet) Merge(q PermissionSet) PermissionSet {
	for _, axis := range Axes {
		if p.Get(axis) == FlagUnset {
			p.Set(axis, q.Get(axis))
		}
	}
	return p
}

// Mixed turns every decided bit of p into FlagMixed. Used when a
// row-dependent rule is evaluated without a record: the bits it touches
// cannot be decided until a row is supplied.
func (p PermissionSet) Mixed() PermissionSet {
	for _, axis := range Axes {
		if p.Get(axis) != FlagUnset {
			p.Set(axis, FlagMixed)
		}
	}
	return p
}

// Complete reports whether every bit has a verdict.
func (p PermissionSet) Complete() bool {
	for _, axis := range Axes {
		if p.Get(axis) == FlagUnset {
			return false
		}
	}
	return true
}

// ParsePermissions parses a rule's permissions specifier: "all", "none", or
// runs of axis letters prefixed with + or -, e.g. "+R-UCD". Letters are R
// (read), U (update), C (create), D (delete), S (schema edit).
func ParsePermissions(text string) (PermissionSet, error) {
	var p PermissionSet
	switch text {
	case "":
		return p, nil
	case "all":
		return AllowAll(), nil
	case "none":
		return DenyAll(), nil
	}
	flag := FlagUnset
	for i := 0; i < len(text); i++ {
		switch c := text[i]; c {
		case '+':
			flag = FlagAllow
		case '-':
			flag = FlagDeny
		default:
			if flag == FlagUnset {
				return PermissionSet{}, ErrInvalidPermissions.New(text)
			}
			axis, ok := letterAxis(c)
			if !ok {
				return PermissionSet{}, ErrInvalidPermissions.New(text)
			}
			p.Set(axis, flag)
		}
	}
	return p, nil
}

func letterAxis(c byte) (Axis, bool) {
	for axis, letter := range axisLetters {
		if c == letter {
			return axis, true
		}
	}
	return "", false
}

// String renders the set in specifier form, with undecidable bits behind a
// tilde, e.g. "+R-UD~S". Intended for logs.
func (p PermissionSet) String() string {
	var allow, deny, mixed strings.Builder
	for _, axis := range Axes {
		letter := axisLetters[axis]
		switch p.Get(axis) {
		case FlagAllow:
			allow.WriteByte(letter)
		case FlagDeny:
			deny.WriteByte(letter)
		case FlagMixed, FlagMixedColumns:
			mixed.WriteByte(letter)
		}
	}
	var out strings.Builder
	if allow.Len() > 0 {
		out.WriteByte('+')
		out.WriteString(allow.String())
	}
	if deny.Len() > 0 {
		out.WriteByte('-')
		out.WriteString(deny.String())
	}
	if mixed.Len() > 0 {
		out.WriteByte('~')
		out.WriteString(mixed.String())
	}
	if out.Len() == 0 {
		return "unset"
	}
	return out.String()
}

// combineFlags folds two concrete verdicts for the same axis into a summary:
// agreement keeps the value, row dependence dominates, and any other
// disagreement is a per-column split.
func combineFlags(a, b Flag) Flag {
	switch {
	case a == b:
		return a
	case a == FlagUnset:
		return b
	case b == FlagUnset:
		return a
	case a == FlagMixed || b == FlagMixed:
		return FlagMixed
	default:
		return FlagMixedColumns
	}
}

// PermissionSetWithContext is an evaluated verdict together with where it
// came from and any memos attached by denying rules.
type PermissionSetWithContext struct {
	Perms PermissionSet

	// Scope records the granularity the verdict was computed at: "table",
	// "column", "special" or "full".
	Scope string

	memos map[Axis][]string
}

// Memos returns the explanations rule authors attached to the rules that
// denied (or may deny) the given axis.
func (p PermissionSetWithContext) Memos(axis Axis) []string {
	return p.memos[axis]
}

func (p *PermissionSetWithContext) addMemo(axis Axis, memo string) {
	if memo == "" {
		return
	}
	if p.memos == nil {
		p.memos = map[Axis][]string{}
	}
	p.memos[axis] = append(p.memos[axis], memo)
}

func (p *PermissionSetWithContext) addMemos(axis Axis, memos []string) {
	for _, m := range memos {
		p.addMemo(axis, m)
	}
}
