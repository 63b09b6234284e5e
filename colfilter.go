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
	"github.com/gristlabs/go-granular-access/acl"
	"github.com/gristlabs/go-granular-access/doc"
)

// manualSortColID is maintained by the data engine for row ordering and
// carries no user data, so filters always let it through.
const manualSortColID = "manualSort"

type severity int

const (
	// severityCheck reads verdicts without judging them; callers act on the
	// returned flag. Used when filtering what a viewer receives.
	severityCheck severity = iota
	// severityFatal turns any denial into an error. Used when vetting what a
	// session tries to apply.
	severityFatal
)

// accessCheck binds one permission axis to a severity.
type accessCheck struct {
	axis     acl.Axis
	severity severity
}

// get returns the verdict for the check's axis. Under severityFatal a denial
// comes back as an error carrying the denying rules' memos.
func (c accessCheck) get(ps acl.PermissionSetWithContext) (acl.Flag, error) {
	flag := ps.Perms.Get(c.axis)
	if flag == acl.FlagDeny && c.severity == severityFatal {
		return flag, deniedError("Blocked by access rules", ps.Memos(c.axis))
	}
	return flag, nil
}

// accessCheckForAction maps an action to the permission axis that governs
// it. Anything touching document metadata or structure counts as a schema
// edit; row operations map to their own verbs.
func accessCheckForAction(a doc.Action, sev severity) accessCheck {
	if doc.IsMetaTable(a.Table()) {
		return accessCheck{acl.AxisSchemaEdit, sev}
	}
	switch a.(type) {
	case *doc.UpdateRecord, *doc.BulkUpdateRecord:
		return accessCheck{acl.AxisUpdate, sev}
	case *doc.RemoveRecord, *doc.BulkRemoveRecord:
		return accessCheck{acl.AxisDelete, sev}
	case *doc.AddRecord, *doc.BulkAddRecord:
		return accessCheck{acl.AxisCreate, sev}
	default:
		return accessCheck{acl.AxisSchemaEdit, sev}
	}
}

// pruneColumns rewrites an action to exclude columns the check refuses. Cell
// payloads are cloned before anything is dropped, so the caller's action is
// never mutated. A nil result means the whole action should vanish: every
// payload column was dropped, or a column schema action targets a denied
// column. Removals carry no columns and pass through untouched.
func pruneColumns(a doc.Action, pi *acl.PermissionInfo, tableID string, check accessCheck) (doc.Action, error) {
	switch a.(type) {
	case *doc.RemoveRecord, *doc.BulkRemoveRecord:
		return a, nil
	case *doc.AddRecord, *doc.BulkAddRecord, *doc.UpdateRecord, *doc.BulkUpdateRecord,
		*doc.ReplaceTableData, *doc.TableDataAction:
		na := doc.Clone(a)
		var denied error
		doc.DropColumnsIf(na, func(colID string) bool {
			if denied != nil || colID == manualSortColID {
				return false
			}
			flag, err := check.get(pi.GetColumnAccess(tableID, colID))
			if err != nil {
				denied = err
				return false
			}
			return flag == acl.FlagDeny
		})
		if denied != nil {
			return nil, denied
		}
		if len(doc.ColIDsOf(na)) == 0 {
			return nil, nil
		}
		return na, nil
	case *doc.AddColumn, *doc.RemoveColumn, *doc.RenameColumn, *doc.ModifyColumn:
		flag, err := check.get(pi.GetColumnAccess(tableID, schemaActionColID(a)))
		if err != nil {
			return nil, err
		}
		if flag == acl.FlagDeny {
			return nil, nil
		}
		return a, nil
	default:
		return a, nil
	}
}

func schemaActionColID(a doc.Action) string {
	switch a := a.(type) {
	case *doc.AddColumn:
		return a.ColID
	case *doc.RemoveColumn:
		return a.ColID
	case *doc.RenameColumn:
		return a.ColID
	case *doc.ModifyColumn:
		return a.ColID
	}
	return ""
}
