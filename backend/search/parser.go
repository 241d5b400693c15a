// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package search parses the list filter language: free text mixed with
// key:value filters, quoting, comparisons and ranges.
//
//	"blue jays" status:final date:2025-04..2025-06 team:"Red Sox" date:>=2025
package search

import (
	"strings"
	"unicode"
)

// Operator is the comparison of a filter.
type Operator string

const (
	OpEqual          Operator = "="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpRange          Operator = ".."
)

// prefixOps is checked in order; two-character operators come first.
var prefixOps = []Operator{OpGreaterOrEqual, OpLessOrEqual, OpGreater, OpLess}

// Filter is one key:value criterion.
type Filter struct {
	Key      string
	Value    string
	MaxValue string // OpRange only
	Operator Operator
}

// Query is a parsed search string.
type Query struct {
	Filters  []Filter
	FreeText []string
}

// Parse splits input into filters and free text. Tokens that look like
// key:value but are ambiguous (empty key or value, or an unquoted second
// colon) are kept as free text. Parse never fails.
func Parse(input string) Query {
	q := Query{
		Filters:  make([]Filter, 0),
		FreeText: make([]string, 0),
	}
	for _, token := range tokenize(input) {
		f, ok := parseFilter(token)
		if ok {
			q.Filters = append(q.Filters, f)
			continue
		}
		q.FreeText = append(q.FreeText, unquote(token))
	}
	return q
}

func parseFilter(token string) (Filter, bool) {
	key, val, found := strings.Cut(token, ":")
	if !found {
		return Filter{}, false
	}
	key = strings.ToLower(strings.TrimSpace(key))
	val = strings.TrimSpace(val)
	if key == "" || val == "" || strings.HasPrefix(key, "\"") || strings.HasPrefix(key, "'") {
		return Filter{}, false
	}
	if strings.Contains(val, ":") && !isQuoted(val) && !strings.ContainsAny(val[:1], "<>") {
		return Filter{}, false
	}

	if lo, hi, ok := strings.Cut(val, ".."); ok && !isQuoted(val) {
		if strings.Contains(hi, ":") || strings.Contains(lo, ":") {
			return Filter{}, false
		}
		return Filter{Key: key, Value: unquote(lo), MaxValue: unquote(hi), Operator: OpRange}, true
	}
	for _, op := range prefixOps {
		if rest, ok := strings.CutPrefix(val, string(op)); ok {
			rest = unquote(rest)
			if strings.Contains(rest, ":") && !isQuoted(strings.TrimPrefix(val, string(op))) {
				return Filter{}, false
			}
			return Filter{Key: key, Value: rest, Operator: op}, true
		}
	}
	return Filter{Key: key, Value: unquote(val), Operator: OpEqual}, true
}

// Lower returns a copy of q with free text and filter values lowercased,
// except for the keys in keep.
func (q Query) Lower(keep ...string) Query {
	out := Query{
		Filters:  make([]Filter, len(q.Filters)),
		FreeText: make([]string, len(q.FreeText)),
	}
	for i, t := range q.FreeText {
		out.FreeText[i] = strings.ToLower(t)
	}
	for i, f := range q.Filters {
		skip := false
		for _, k := range keep {
			if f.Key == k {
				skip = true
			}
		}
		if !skip {
			f.Value = strings.ToLower(f.Value)
			f.MaxValue = strings.ToLower(f.MaxValue)
		}
		out.Filters[i] = f
	}
	return out
}

// Compare applies the filter as an ordered string comparison. Equality is a
// prefix match, so date:2025-04 matches every day of April. The upper bound
// of a range is inclusive of its prefix.
func (f Filter) Compare(v string) bool {
	switch f.Operator {
	case OpEqual:
		return strings.HasPrefix(v, f.Value)
	case OpGreater:
		return v > f.Value
	case OpGreaterOrEqual:
		return v >= f.Value
	case OpLess:
		return v < f.Value
	case OpLessOrEqual:
		return v <= f.Value || strings.HasPrefix(v, f.Value)
	case OpRange:
		return v >= f.Value && (v <= f.MaxValue || strings.HasPrefix(v, f.MaxValue))
	}
	return true
}

// tokenize splits on whitespace outside quotes. Quote characters are kept.
func tokenize(input string) []string {
	var tokens []string
	var cur strings.Builder
	var quote rune
	for _, r := range input {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case unicode.IsSpace(r):
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

func isQuoted(s string) bool {
	if len(s) < 2 {
		return false
	}
	return (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'')
}

func unquote(s string) string {
	if isQuoted(s) {
		return s[1 : len(s)-1]
	}
	return s
}
