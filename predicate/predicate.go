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

// Package predicate implements structural pattern matching over JSON
// values.
//
// Trigger predicates and audience version predicates are written in
// this syntax.  A pattern is itself a JSON value:
//
//   - nil matches anything.
//
//   - The string "?" matches any present value.
//
//   - Other scalars (strings, numbers, booleans) match by equality.
//     Numbers compare numerically, so 2 matches 2.0.
//
//   - A map whose single key starts with "$" is an operator:
//     $lt, $lte, $gt, $gte (numeric comparison), $ne (not equal),
//     $in (membership in the pattern's array), $contains (the value
//     is an array containing a match for the pattern's operand), and
//     $regex (the value is a string matching the pattern's regular
//     expression).
//
//   - Any other map matches a map value when every pattern property
//     matches the corresponding value property.  Extra value
//     properties are ignored: matching is subset matching.
//
//   - An array matches an equal-length array whose elements match
//     pairwise.
//
// Patterns typically arrive via JSON, so matching operates on the
// encoding/json value vocabulary: map[string]interface{},
// []interface{}, float64, string, bool, nil.  Canonicalize converts
// other representations.
package predicate

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// AnyValue is the pattern string that matches any present value.
const AnyValue = "?"

// Match reports whether the pattern matches the value.
//
// An error means the pattern itself is bad, not that the match
// failed.
func Match(pattern, value interface{}) (bool, error) {
	if pattern == nil {
		return true, nil
	}

	switch p := pattern.(type) {
	case string:
		if p == AnyValue {
			return value != nil, nil
		}
		s, is := value.(string)
		return is && s == p, nil
	case bool:
		b, is := value.(bool)
		return is && b == p, nil
	case map[string]interface{}:
		if op, operand, is := operator(p); is {
			return matchOperator(op, operand, value)
		}
		return matchMap(p, value)
	case []interface{}:
		return matchArray(p, value)
	default:
		if pn, is := asNumber(pattern); is {
			vn, numeric := asNumber(value)
			return numeric && vn == pn, nil
		}
		return false, errors.New("unsupported pattern type")
	}
}

// operator recognizes a single-property map whose key starts with
// "$".
func operator(m map[string]interface{}) (string, interface{}, bool) {
	if len(m) != 1 {
		return "", nil, false
	}
	for k, v := range m {
		if strings.HasPrefix(k, "$") {
			return k, v, true
		}
	}
	return "", nil, false
}

func matchOperator(op string, operand, value interface{}) (bool, error) {
	switch op {
	case "$lt", "$lte", "$gt", "$gte":
		limit, is := asNumber(operand)
		if !is {
			return false, errors.New(op + " requires a numeric operand")
		}
		n, numeric := asNumber(value)
		if !numeric {
			return false, nil
		}
		switch op {
		case "$lt":
			return n < limit, nil
		case "$lte":
			return n <= limit, nil
		case "$gt":
			return n > limit, nil
		default:
			return n >= limit, nil
		}
	case "$ne":
		matched, err := Match(operand, value)
		return !matched, err
	case "$in":
		members, is := operand.([]interface{})
		if !is {
			return false, errors.New("$in requires an array operand")
		}
		for _, member := range members {
			matched, err := Match(member, value)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil
	case "$contains":
		elements, is := value.([]interface{})
		if !is {
			return false, nil
		}
		for _, element := range elements {
			matched, err := Match(operand, element)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil
	case "$regex":
		src, is := operand.(string)
		if !is {
			return false, errors.New("$regex requires a string operand")
		}
		re, err := regexp.Compile(src)
		if err != nil {
			return false, err
		}
		s, is := value.(string)
		return is && re.MatchString(s), nil
	default:
		return false, errors.New(`unknown operator "` + op + `"`)
	}
}

func matchMap(pattern map[string]interface{}, value interface{}) (bool, error) {
	m, is := value.(map[string]interface{})
	if !is {
		return false, nil
	}
	for prop, p := range pattern {
		v, have := m[prop]
		if !have {
			return false, nil
		}
		matched, err := Match(p, v)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func matchArray(pattern []interface{}, value interface{}) (bool, error) {
	vs, is := value.([]interface{})
	if !is || len(vs) != len(pattern) {
		return false, nil
	}
	for i, p := range pattern {
		matched, err := Match(p, vs[i])
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func asNumber(x interface{}) (float64, bool) {
	switch n := x.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Canonicalize round-trips a value through JSON so that matching
// sees the encoding/json vocabulary regardless of how the value was
// constructed.
func Canonicalize(x interface{}) (interface{}, error) {
	if x == nil {
		return nil, nil
	}
	js, err := json.Marshal(&x)
	if err != nil {
		return nil, err
	}
	var y interface{}
	if err = json.Unmarshal(js, &y); err != nil {
		return nil, err
	}
	return y, nil
}
