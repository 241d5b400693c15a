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

package backend

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/ttbt-io/dugout/backend/bases"
)

func TestReplay(t *testing.T) {
	g := sampleGame(makeUUID(100), "owner@example.com")
	sheet := Replay(g, nil)

	if len(sheet.HalfInnings) != 3 {
		t.Fatalf("HalfInnings = %d, want 3", len(sheet.HalfInnings))
	}
	top1 := sheet.HalfInnings[0]
	if top1.Runs != 3 || top1.Hits != 3 {
		t.Errorf("top 1: runs=%d hits=%d, want 3 and 3", top1.Runs, top1.Hits)
	}
	hr := top1.Entries[3]
	if hr.Before != (bases.Occupancy{Second: true, Third: true}) {
		t.Errorf("home run before = %v", hr.Before)
	}
	if want := []string{bases.LabelThird, bases.LabelSecond, bases.LabelBatter}; !reflect.DeepEqual(hr.Scored, want) {
		t.Errorf("home run scored = %v, want %v", hr.Scored, want)
	}
	if hr.RBI != 3 {
		t.Errorf("RBI = %d, want 3", hr.RBI)
	}

	// Each half-inning starts with empty bases.
	for _, h := range sheet.HalfInnings {
		if !h.Entries[0].Before.Empty() {
			t.Errorf("%s %d starts with %v", h.Half, h.Inning, h.Entries[0].Before)
		}
	}

	if !reflect.DeepEqual(sheet.Line.Away, []int{3, 0}) || !reflect.DeepEqual(sheet.Line.Home, []int{0, 0}) {
		t.Errorf("line score = %v / %v", sheet.Line.Away, sheet.Line.Home)
	}
	if sheet.Line.AwayHits != 4 || sheet.Line.HomeHits != 1 {
		t.Errorf("hits = %d / %d", sheet.Line.AwayHits, sheet.Line.HomeHits)
	}
	want := LiveState{Inning: 2, Half: HalfTop, Bases: bases.Occupancy{First: true}}
	if sheet.Live != want {
		t.Errorf("Live = %+v, want %+v", sheet.Live, want)
	}
	if res, ok := sheet.Result(makeUUID(7)); !ok || !reflect.DeepEqual(res.Ignored, []string{"E6"}) {
		t.Errorf("Result(7) = %+v, %v", res, ok)
	}
}

func TestReplayInterleavedHalves(t *testing.T) {
	// Entries of a half-inning may be recorded after the next one started.
	g := &Game{ID: makeUUID(1), Entries: []PlateAppearance{
		pa(1, 1, HalfTop, "a", "1B"),
		pa(2, 1, HalfBottom, "b", "2B"),
		pa(3, 1, HalfTop, "c", "1B"),
	}}
	g.normalize()
	sheet := Replay(g, nil)
	top := sheet.HalfInnings[0]
	if top.Half != HalfTop || len(top.Entries) != 2 {
		t.Fatalf("unexpected first half %+v", top)
	}
	if top.Bases != (bases.Occupancy{First: true, Second: true}) {
		t.Errorf("top bases = %v", top.Bases)
	}
	if sheet.Live.Bases != top.Bases {
		t.Errorf("Live follows the last entry's half: %v", sheet.Live)
	}
}

func TestRenderGolden(t *testing.T) {
	got := Replay(sampleGame(makeUUID(100), "owner@example.com"), nil).Render()
	path := filepath.Join("testdata", "scoresheet.golden")
	want, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != string(want) {
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(string(want)),
			B:        difflib.SplitLines(got),
			FromFile: path,
			ToFile:   "Render()",
			Context:  2,
		})
		t.Errorf("scoresheet mismatch:\n%s", diff)
	}
}

func TestAppendEntries(t *testing.T) {
	g := &Game{ID: makeUUID(1), Status: StatusScheduled}
	g.normalize()

	added := AppendEntries(g, []PlateAppearance{pa(1, 1, HalfTop, "a", "1B"), pa(2, 1, HalfTop, "b", "K")})
	if len(added) != 2 || g.Revision != makeUUID(2) {
		t.Fatalf("added=%d revision=%s", len(added), g.Revision)
	}
	if g.Status != StatusOngoing {
		t.Errorf("Status = %s, want ongoing", g.Status)
	}

	// A retried batch only adds what is new.
	added = AppendEntries(g, []PlateAppearance{pa(2, 1, HalfTop, "b", "K"), pa(3, 1, HalfTop, "c", "HR")})
	if len(added) != 1 || added[0].ID != makeUUID(3) {
		t.Errorf("retry added %v", added)
	}
	if len(g.Entries) != 3 || g.Revision != makeUUID(3) {
		t.Errorf("entries=%d revision=%s", len(g.Entries), g.Revision)
	}
}

func TestAppendEntriesKnownIDs(t *testing.T) {
	g := &Game{ID: makeUUID(1)}
	g.normalize()
	for i := 1; i <= 150; i++ {
		AppendEntries(g, []PlateAppearance{pa(i, 1, HalfTop, "a", "K")})
	}
	tests := []struct {
		name      string
		id        int
		wantAdded int
	}{
		{"oldest", 1, 0},
		{"middle", 75, 0},
		{"latest", 150, 0},
		{"new", 151, 1},
	}
	for _, tc := range tests {
		added := AppendEntries(g, []PlateAppearance{pa(tc.id, 1, HalfTop, "a", "K")})
		if len(added) != tc.wantAdded {
			t.Errorf("%s: added %d, want %d", tc.name, len(added), tc.wantAdded)
		}
	}
	if len(g.Entries) != 151 || g.Revision != makeUUID(151) {
		t.Errorf("entries=%d revision=%s", len(g.Entries), g.Revision)
	}
}

func TestAppendAfterUndoSameID(t *testing.T) {
	g := &Game{ID: makeUUID(1)}
	g.normalize()
	AppendEntries(g, []PlateAppearance{pa(1, 1, HalfTop, "a", "K"), pa(2, 1, HalfTop, "b", "1B")})
	if _, err := UndoLast(g, makeUUID(2)); err != nil {
		t.Fatalf("UndoLast: %v", err)
	}
	added := AppendEntries(g, []PlateAppearance{pa(2, 1, HalfTop, "b", "HR")})
	if len(added) != 1 {
		t.Fatalf("corrected entry not appended: %v", added)
	}
	res, ok := Replay(g, nil).Result(makeUUID(2))
	if !ok || !reflect.DeepEqual(res.Codes, []string{"HR"}) {
		t.Errorf("Result = %+v, %v", res, ok)
	}
}

func TestUndoLast(t *testing.T) {
	g := sampleGame(makeUUID(1), "o@example.com")

	if _, err := UndoLast(g, makeUUID(3)); !errors.Is(err, ErrConflict) {
		t.Errorf("stale undo err = %v, want ErrConflict", err)
	}
	undone, err := UndoLast(g, makeUUID(7))
	if err != nil {
		t.Fatalf("UndoLast: %v", err)
	}
	if undone.ID != makeUUID(7) || g.Revision != makeUUID(6) || len(g.Entries) != 6 {
		t.Errorf("undone=%s revision=%s entries=%d", undone.ID, g.Revision, len(g.Entries))
	}
	if _, err := UndoLast(g, ""); err != nil {
		t.Errorf("UndoLast without expectation: %v", err)
	}

	empty := &Game{ID: makeUUID(2)}
	empty.normalize()
	if _, err := UndoLast(empty, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("empty undo err = %v", err)
	}
}
