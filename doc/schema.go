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

// The structural tables: fixed, privileged tables that describe the
// document itself rather than user data.
const (
	TableTables       = "_grist_Tables"
	TableColumns      = "_grist_Tables_column"
	TableViews        = "_grist_Views"
	TableViewSections = "_grist_Views_section"
	TableViewFields   = "_grist_Views_section_field"
	TableACLResources = "_grist_ACLResources"
	TableACLRules     = "_grist_ACLRules"
)

// StructuralTables lists every structural table.
var StructuralTables = []string{
	TableTables,
	TableColumns,
	TableViews,
	TableViewSections,
	TableViewFields,
	TableACLResources,
	TableACLRules,
}

// IsStructuralTable reports whether tableID is one of the structural tables.
func IsStructuralTable(tableID string) bool {
	switch tableID {
	case TableTables, TableColumns, TableViews, TableViewSections,
		TableViewFields, TableACLResources, TableACLRules:
		return true
	}
	return false
}

// IsACLTable reports whether tableID holds access rules.
func IsACLTable(tableID string) bool {
	return tableID == TableACLResources || tableID == TableACLRules
}

// IsMetaTable reports whether tableID belongs to the document's metadata
// namespace. Broader than IsStructuralTable: it also matches metadata tables
// this engine does not treat specially.
func IsMetaTable(tableID string) bool {
	return strings.HasPrefix(tableID, "_grist_")
}
