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

// Package similartext suggests close matches for a name the user probably
// misspelled.
package similartext

import (
	"fmt"
	"reflect"
	"strings"
)

// maxDistanceIgnored is the edit distance from which a candidate is too far
// off to be a useful suggestion.
const maxDistanceIgnored = 3

// distance returns the edit distance between source and target, counting a
// substitution as a deletion plus an insertion. Runtime is proportional to
// len(source) * len(target), memory to len(target).
func distance(source, target []rune) int {
	height := len(source) + 1
	width := len(target) + 1
	rows := [2][]int{make([]int, width), make([]int, width)}
	for j := 0; j < width; j++ {
		rows[0][j] = j
	}
	for i := 1; i < height; i++ {
		cur, prev := rows[i%2], rows[(i-1)%2]
		cur[0] = i
		for j := 1; j < width; j++ {
			subCost := prev[j-1]
			if source[i-1] != target[j-1] {
				subCost += 2
			}
			cur[j] = min(prev[j]+1, subCost, cur[j-1]+1)
		}
	}
	return rows[(height-1)%2][width-1]
}

// Find returns a ", maybe you mean ...?" suffix listing the names closest to
// src, or an empty string when nothing comes close enough. The result is
// meant to be appended to a not-found error message.
func Find(names []string, src string) string {
	if len(src) == 0 {
		return ""
	}

	minDist := -1
	matches := map[int][]string{}
	for _, name := range names {
		d := distance([]rune(name), []rune(src))
		if d >= maxDistanceIgnored {
			continue
		}
		matches[d] = append(matches[d], name)
		if minDist == -1 || d < minDist {
			minDist = d
		}
	}
	if minDist == -1 {
		return ""
	}
	return fmt.Sprintf(", maybe you mean %s?", strings.Join(matches[minDist], " or "))
}

// FindFromMap is Find over the keys of a string-keyed map.
func FindFromMap(names interface{}, src string) string {
	v := reflect.ValueOf(names)
	if v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String {
		panic("similartext: FindFromMap needs a string-keyed map")
	}
	list := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		list = append(list, k.String())
	}
	return Find(list, src)
}
