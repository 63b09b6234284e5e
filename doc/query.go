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

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Query selects rows of one table. Filters restricts each named column to a
// set of acceptable values; an empty filter map selects the whole table.
type Query struct {
	TableID string
	Filters map[string][]CellValue
}

func (q Query) String() string {
	if len(q.Filters) == 0 {
		return q.TableID
	}
	cols := make([]string, 0, len(q.Filters))
	for colID := range q.Filters {
		cols = append(cols, colID)
	}
	sort.Strings(cols)
	parts := make([]string, len(cols))
	for i, colID := range cols {
		parts[i] = fmt.Sprintf("%s in %v", colID, q.Filters[colID])
	}
	return fmt.Sprintf("%s[%s]", q.TableID, strings.Join(parts, ", "))
}

// FetchFunc pulls rows matching a query out of the document's backing
// store. It is the engine's only road to rows that are not in memory.
type FetchFunc func(ctx context.Context, q Query) (*TableData, error)
