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

package search

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		expected Query
	}{
		{
			input:    "",
			expected: Query{Filters: []Filter{}, FreeText: []string{}},
		},
		{
			input: "Blue Jays",
			expected: Query{
				Filters:  []Filter{},
				FreeText: []string{"Blue", "Jays"},
			},
		},
		{
			input: `team:"Blue Jays" status:final`,
			expected: Query{
				Filters: []Filter{
					{Key: "team", Value: "Blue Jays", Operator: OpEqual},
					{Key: "status", Value: "final", Operator: OpEqual},
				},
				FreeText: []string{},
			},
		},
		{
			input: "is:public opener",
			expected: Query{
				Filters:  []Filter{{Key: "is", Value: "public", Operator: OpEqual}},
				FreeText: []string{"opener"},
			},
		},
		{
			input: `date:>="2025-04-01"`,
			expected: Query{
				Filters:  []Filter{{Key: "date", Value: "2025-04-01", Operator: OpGreaterOrEqual}},
				FreeText: []string{},
			},
		},
		{
			input: "date:<2026 date:>2024",
			expected: Query{
				Filters: []Filter{
					{Key: "date", Value: "2026", Operator: OpLess},
					{Key: "date", Value: "2024", Operator: OpGreater},
				},
				FreeText: []string{},
			},
		},
		{
			input: "Date:2025-04..2025-06",
			expected: Query{
				Filters:  []Filter{{Key: "date", Value: "2025-04", MaxValue: "2025-06", Operator: OpRange}},
				FreeText: []string{},
			},
		},
		{
			input: `"season opener" location:'Field 3'`,
			expected: Query{
				Filters:  []Filter{{Key: "location", Value: "Field 3", Operator: OpEqual}},
				FreeText: []string{"season opener"},
			},
		},
		{
			input: "broken:range:..",
			expected: Query{
				Filters:  []Filter{},
				FreeText: []string{"broken:range:.."},
			},
		},
		{
			input: "time:12:00",
			expected: Query{
				Filters:  []Filter{},
				FreeText: []string{"time:12:00"},
			},
		},
		{
			input: `time:"12:00"`,
			expected: Query{
				Filters:  []Filter{{Key: "time", Value: "12:00", Operator: OpEqual}},
				FreeText: []string{},
			},
		},
		{
			input: "foo: :bar",
			expected: Query{
				Filters:  []Filter{},
				FreeText: []string{"foo:", ":bar"},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got := Parse(tc.input)
			if !reflect.DeepEqual(got, tc.expected) {
				t.Errorf("Parse(%q) = %+v, want %+v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestLower(t *testing.T) {
	q := Parse(`Jays team:"Red Sox" date:2025-04`).Lower("date")
	if q.FreeText[0] != "jays" {
		t.Errorf("FreeText = %v", q.FreeText)
	}
	if q.Filters[0].Value != "red sox" {
		t.Errorf("team filter = %q", q.Filters[0].Value)
	}
	if q.Filters[1].Value != "2025-04" {
		t.Errorf("date filter = %q", q.Filters[1].Value)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		query string
		value string
		want  bool
	}{
		{"date:2025-04", "2025-04-12", true},
		{"date:2025-04", "2025-05-01", false},
		{"date:>=2025-04-12", "2025-04-12", true},
		{"date:>2025-04-12", "2025-04-12", false},
		{"date:<2025", "2024-12-31", true},
		{"date:<=2025-04", "2025-04-30", true},
		{"date:2025-04..2025-06", "2025-06-30", true},
		{"date:2025-04..2025-06", "2025-07-01", false},
		{"date:2025-04..2025-06", "2025-03-31", false},
	}
	for _, tc := range tests {
		f := Parse(tc.query).Filters[0]
		if got := f.Compare(tc.value); got != tc.want {
			t.Errorf("%s Compare(%q) = %v, want %v", tc.query, tc.value, got, tc.want)
		}
	}
}
