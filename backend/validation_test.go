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
	"strings"
	"testing"
)

func TestValidateEntry(t *testing.T) {
	good := pa(1, 3, HalfBottom, "p7", "1B", "E6")
	if err := ValidateEntry(good); err != nil {
		t.Fatalf("ValidateEntry(good) = %v", err)
	}

	tests := []struct {
		name string
		edit func(e *PlateAppearance)
	}{
		{"short id", func(e *PlateAppearance) { e.ID = "abc" }},
		{"misplaced dashes", func(e *PlateAppearance) { e.ID = "{" + e.ID[:34] + "}" }},
		{"inning zero", func(e *PlateAppearance) { e.Inning = 0 }},
		{"inning too large", func(e *PlateAppearance) { e.Inning = 100 }},
		{"bad half", func(e *PlateAppearance) { e.Half = "middle" }},
		{"no batter", func(e *PlateAppearance) { e.BatterID = "" }},
		{"long batter", func(e *PlateAppearance) { e.BatterID = strings.Repeat("x", 65) }},
		{"no codes", func(e *PlateAppearance) { e.Codes = nil }},
		{"too many codes", func(e *PlateAppearance) { e.Codes = strings.Split("K,K,K,K,K,K,K,K,K,K,K", ",") }},
		{"lowercase code", func(e *PlateAppearance) { e.Codes = []string{"1b"} }},
		{"long code", func(e *PlateAppearance) { e.Codes = []string{"ABCDEFGHI"} }},
		{"negative timestamp", func(e *PlateAppearance) { e.Timestamp = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := good
			e.Codes = append([]string(nil), good.Codes...)
			tc.edit(&e)
			if err := ValidateEntry(e); err == nil {
				t.Errorf("ValidateEntry(%+v) = nil, want error", e)
			}
		})
	}
}

func TestValidateEntries(t *testing.T) {
	if err := ValidateEntries(nil); err == nil {
		t.Error("empty batch accepted")
	}
	dup := []PlateAppearance{pa(1, 1, HalfTop, "a", "K"), pa(1, 1, HalfTop, "b", "K")}
	if err := ValidateEntries(dup); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("duplicate ids: err = %v", err)
	}
}

func TestValidateGame(t *testing.T) {
	if err := ValidateGame(sampleGame(makeUUID(1), "o@example.com")); err != nil {
		t.Fatalf("ValidateGame(sample) = %v", err)
	}
	tests := []struct {
		name string
		edit func(g *Game)
	}{
		{"bad id", func(g *Game) { g.ID = "game-1" }},
		{"bad date", func(g *Game) { g.Date = "05/01/2025" }},
		{"long event", func(g *Game) { g.Event = strings.Repeat("e", 101) }},
		{"bad team id", func(g *Game) { g.AwayTeamID = "cubs" }},
		{"bad status", func(g *Game) { g.Status = StatusDeleted }},
		{"bad public", func(g *Game) { g.Permissions.Public = "write" }},
		{"bad user email", func(g *Game) { g.Permissions.Users["nope"] = "read" }},
		{"bad user level", func(g *Game) { g.Permissions.Users["a@example.com"] = "admin" }},
		{"bad entry", func(g *Game) { g.Entries[0].Half = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := sampleGame(makeUUID(1), "o@example.com")
			tc.edit(g)
			if err := ValidateGame(g); err == nil {
				t.Error("ValidateGame = nil, want error")
			}
		})
	}
}

func TestValidateTeamAndMedia(t *testing.T) {
	team := &Team{ID: makeUUID(1), Name: "Cubs", Color: "#0e3386", Roster: []Player{{ID: "p1", Number: "17"}}}
	if err := ValidateTeam(team); err != nil {
		t.Fatalf("ValidateTeam = %v", err)
	}
	for name, edit := range map[string]func(*Team){
		"no name":      func(tm *Team) { tm.Name = "" },
		"bad color":    func(tm *Team) { tm.Color = "blue" },
		"long short":   func(tm *Team) { tm.ShortName = "ABCDEFGHIJK" },
		"no player id": func(tm *Team) { tm.Roster = []Player{{Name: "Ann"}} },
		"bad email":    func(tm *Team) { tm.Roster = []Player{{ID: "p1", Email: "ann"}} },
	} {
		bad := *team
		edit(&bad)
		if err := ValidateTeam(&bad); err == nil {
			t.Errorf("%s: ValidateTeam = nil, want error", name)
		}
	}

	item := MediaItem{ID: makeUUID(2), URL: "https://cdn.example.com/team.jpg", Caption: "Team photo"}
	if err := ValidateMediaItem(item); err != nil {
		t.Fatalf("ValidateMediaItem = %v", err)
	}
	for _, u := range []string{"", "/relative.jpg", "javascript:alert(1)", "ftp://example.com/x"} {
		bad := item
		bad.URL = u
		if err := ValidateMediaItem(bad); err == nil {
			t.Errorf("ValidateMediaItem(%q) = nil, want error", u)
		}
	}
	long := item
	long.Caption = strings.Repeat("c", maxCaptionLength+1)
	if err := ValidateMediaItem(long); err == nil {
		t.Error("long caption accepted")
	}
}
