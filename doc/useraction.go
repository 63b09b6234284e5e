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

// UserAction is a high-level command as issued by a client, before the data
// engine lowers it to document actions. For most actions Args[0] names the
// target table.
type UserAction struct {
	Name string
	Args []interface{}
}

// TableID returns the table the action targets, when its first argument is
// a table id. Actions without one yield "".
func (a UserAction) TableID() string {
	if len(a.Args) > 0 {
		if s, ok := a.Args[0].(string); ok {
			return s
		}
	}
	return ""
}

// Nested returns the action list wrapped by a container action
// (ApplyUndoActions, ApplyDocActions), or nil for ordinary actions.
func (a UserAction) Nested() []UserAction {
	if a.Name != "ApplyUndoActions" && a.Name != "ApplyDocActions" {
		return nil
	}
	if len(a.Args) == 0 {
		return nil
	}
	nested, _ := a.Args[0].([]UserAction)
	return nested
}

// ScanActions walks a user-action list recursively, descending into the
// payloads of container actions, and reports whether fn matched any action.
// Container actions themselves are also offered to fn.
func ScanActions(actions []UserAction, fn func(UserAction) bool) bool {
	for _, a := range actions {
		if nested := a.Nested(); nested != nil {
			if ScanActions(nested, fn) {
				return true
			}
		}
		if fn(a) {
			return true
		}
	}
	return false
}
