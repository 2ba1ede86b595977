/* Copyright 2024 Mobium, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package predicate

import (
	"errors"
	"strconv"
	"strings"
)

// MatchVersion reports whether a dotted version string satisfies a
// constraint.
//
// Constraint forms:
//
//	"1.2.3"       exact match
//	"1.2.+"       any version starting with "1.2."
//	"[1.0,2.0]"   inclusive range
//	"(1.0,2.0)"   exclusive range; brackets may be mixed, and
//	              either bound may be empty for an open end
//
// Versions compare component-wise and numerically; missing
// components count as zero, so "1.2" equals "1.2.0".
func MatchVersion(constraint, version string) (bool, error) {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" {
		return false, errors.New("empty version constraint")
	}

	if strings.HasSuffix(constraint, "+") {
		prefix := strings.TrimSuffix(constraint, "+")
		return version == strings.TrimSuffix(prefix, ".") ||
			strings.HasPrefix(version, prefix), nil
	}

	open := strings.IndexAny(constraint, "[(")
	if open == 0 {
		return matchVersionRange(constraint, version)
	}

	return CompareVersions(version, constraint) == 0, nil
}

func matchVersionRange(constraint, version string) (bool, error) {
	if len(constraint) < 3 {
		return false, errors.New(`bad version range "` + constraint + `"`)
	}
	last := constraint[len(constraint)-1]
	if last != ']' && last != ')' {
		return false, errors.New(`bad version range "` + constraint + `"`)
	}
	inner := constraint[1 : len(constraint)-1]
	parts := strings.SplitN(inner, ",", 2)
	if len(parts) != 2 {
		return false, errors.New(`bad version range "` + constraint + `"`)
	}

	lo, hi := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

	if lo != "" {
		c := CompareVersions(version, lo)
		if c < 0 || (c == 0 && constraint[0] == '(') {
			return false, nil
		}
	}
	if hi != "" {
		c := CompareVersions(version, hi)
		if c > 0 || (c == 0 && last == ')') {
			return false, nil
		}
	}
	return true, nil
}

// CompareVersions returns -1, 0, or 1 as a is less than, equal to,
// or greater than b.
func CompareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		x, y := 0, 0
		if i < len(as) {
			x = versionComponent(as[i])
		}
		if i < len(bs) {
			y = versionComponent(bs[i])
		}
		if x < y {
			return -1
		}
		if x > y {
			return 1
		}
	}
	return 0
}

// versionComponent parses the leading digits of a component, so
// "3-beta" counts as 3.
func versionComponent(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
