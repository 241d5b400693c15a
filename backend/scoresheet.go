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
	"fmt"
	"sort"
	"strings"

	"github.com/ttbt-io/dugout/backend/bases"
)

// EntryResult is the replayed outcome of one plate appearance.
type EntryResult struct {
	EntryID  string          `json:"entryId"`
	Inning   int             `json:"inning"`
	Half     string          `json:"half"`
	BatterID string          `json:"batterId"`
	Codes    []string        `json:"codes"`
	Before   bases.Occupancy `json:"before"`
	After    bases.Occupancy `json:"after"`
	Scored   []string        `json:"scored"`
	RBI      int             `json:"rbi"`
	Ignored  []string        `json:"ignored,omitempty"`
}

// HalfInning groups the entries of one team's turn at bat.
type HalfInning struct {
	Inning  int             `json:"inning"`
	Half    string          `json:"half"`
	Runs    int             `json:"runs"`
	Hits    int             `json:"hits"`
	Bases   bases.Occupancy `json:"bases"`
	Entries []EntryResult   `json:"entries"`
}

// LineScore holds runs per inning for each side. The away team bats in the
// top half.
type LineScore struct {
	Away     []int `json:"away"`
	Home     []int `json:"home"`
	AwayRuns int   `json:"awayRuns"`
	HomeRuns int   `json:"homeRuns"`
	AwayHits int   `json:"awayHits"`
	HomeHits int   `json:"homeHits"`
}

// LiveState is where the game stands after the last entry.
type LiveState struct {
	Inning int             `json:"inning"`
	Half   string          `json:"half"`
	Bases  bases.Occupancy `json:"bases"`
}

// Scoresheet is a game log replayed through the base-state mapper.
type Scoresheet struct {
	GameID      string       `json:"gameId"`
	Revision    string       `json:"revision"`
	Away        string       `json:"away"`
	Home        string       `json:"home"`
	HalfInnings []HalfInning `json:"halfInnings"`
	Line        LineScore    `json:"line"`
	Live        LiveState    `json:"live"`
}

type halfKey struct {
	inning int
	half   string
}

func (k halfKey) less(o halfKey) bool {
	if k.inning != o.inning {
		return k.inning < o.inning
	}
	return k.half == HalfTop && o.half == HalfBottom
}

func isHit(code string) bool {
	c, ok := bases.ParseEventCode(code)
	return ok && c.Bases() > 0
}

// Replay rebuilds the scoresheet from the game's entries. Each half-inning
// starts with the bases empty; entries are applied in log order within it.
func Replay(g *Game, m *bases.Mapper) Scoresheet {
	if m == nil {
		m = bases.New()
	}
	s := Scoresheet{
		GameID:      g.ID,
		Revision:    g.Revision,
		Away:        g.Away,
		Home:        g.Home,
		HalfInnings: make([]HalfInning, 0),
		Line:        LineScore{Away: make([]int, 0), Home: make([]int, 0)},
	}

	halves := make(map[halfKey]*HalfInning)
	var order []halfKey
	for _, e := range g.Entries {
		k := halfKey{inning: e.Inning, half: e.Half}
		h, ok := halves[k]
		if !ok {
			h = &HalfInning{Inning: e.Inning, Half: e.Half, Entries: make([]EntryResult, 0)}
			halves[k] = h
			order = append(order, k)
		}
		res := m.Advance(h.Bases, e.Codes)
		h.Entries = append(h.Entries, EntryResult{
			EntryID:  e.ID,
			Inning:   e.Inning,
			Half:     e.Half,
			BatterID: e.BatterID,
			Codes:    e.Codes,
			Before:   h.Bases,
			After:    res.Bases,
			Scored:   res.Scored,
			RBI:      res.Runs(),
			Ignored:  res.Ignored,
		})
		h.Bases = res.Bases
		h.Runs += res.Runs()
		for _, c := range e.Codes {
			if isHit(c) {
				h.Hits++
				break
			}
		}
	}

	if n := len(g.Entries); n > 0 {
		last := g.Entries[n-1]
		k := halfKey{inning: last.Inning, half: last.Half}
		s.Live = LiveState{Inning: last.Inning, Half: last.Half, Bases: halves[k].Bases}
	}

	sort.SliceStable(order, func(i, j int) bool { return order[i].less(order[j]) })
	innings := 0
	for _, k := range order {
		h := halves[k]
		s.HalfInnings = append(s.HalfInnings, *h)
		if k.inning > innings {
			innings = k.inning
		}
	}
	s.Line.Away = make([]int, innings)
	s.Line.Home = make([]int, innings)
	for _, k := range order {
		h := halves[k]
		if k.half == HalfTop {
			s.Line.Away[k.inning-1] += h.Runs
			s.Line.AwayRuns += h.Runs
			s.Line.AwayHits += h.Hits
		} else {
			s.Line.Home[k.inning-1] += h.Runs
			s.Line.HomeRuns += h.Runs
			s.Line.HomeHits += h.Hits
		}
	}
	return s
}

// Result returns the replayed outcome of one entry.
func (s Scoresheet) Result(entryID string) (EntryResult, bool) {
	for _, h := range s.HalfInnings {
		for _, e := range h.Entries {
			if e.EntryID == entryID {
				return e, true
			}
		}
	}
	return EntryResult{}, false
}

// hasEntry reports whether id is in the log. Retries usually hit the tail,
// so scan backwards.
func hasEntry(g *Game, id string) bool {
	for i := len(g.Entries) - 1; i >= 0; i-- {
		if g.Entries[i].ID == id {
			return true
		}
	}
	return false
}

// AppendEntries appends the entries whose ids are not already in the log and
// returns those it added. Retried batches are therefore harmless, and entry
// ids stay unique within a game.
func AppendEntries(g *Game, entries []PlateAppearance) []PlateAppearance {
	var added []PlateAppearance
	for _, e := range entries {
		if hasEntry(g, e.ID) {
			continue
		}
		g.Entries = append(g.Entries, e)
		added = append(added, e)
	}
	if len(added) > 0 {
		g.Revision = g.Entries[len(g.Entries)-1].ID
		if g.Status == StatusScheduled || g.Status == "" {
			g.Status = StatusOngoing
		}
	}
	return added
}

// UndoLast removes the most recent entry. If expectID is set it must match
// that entry, so a stale undo cannot remove someone else's entry.
func UndoLast(g *Game, expectID string) (PlateAppearance, error) {
	n := len(g.Entries)
	if n == 0 {
		return PlateAppearance{}, fmt.Errorf("%w: nothing to undo", ErrConflict)
	}
	last := g.Entries[n-1]
	if expectID != "" && last.ID != expectID {
		return PlateAppearance{}, fmt.Errorf("%w: last entry is %s, not %s", ErrConflict, last.ID, expectID)
	}
	g.Entries = g.Entries[:n-1]
	g.Revision = ""
	if n > 1 {
		g.Revision = g.Entries[n-2].ID
	}
	return last, nil
}

// Render formats the scoresheet as plain text, one line per plate appearance
// followed by the line score.
func (s Scoresheet) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s @ %s\n", orDash(s.Away), orDash(s.Home))
	for _, h := range s.HalfInnings {
		fmt.Fprintf(&b, "%s %d\n", halfLabel(h.Half), h.Inning)
		for _, e := range h.Entries {
			scored := "-"
			if len(e.Scored) > 0 {
				scored = strings.Join(e.Scored, ",")
			}
			fmt.Fprintf(&b, "  %-8s %-10s %s -> %s  rbi=%d scored=%s\n",
				orDash(e.BatterID), strings.Join(e.Codes, " "), e.Before, e.After, e.RBI, scored)
		}
		fmt.Fprintf(&b, "  runs=%d hits=%d\n", h.Runs, h.Hits)
	}
	b.WriteString("Line:")
	for i := range s.Line.Away {
		fmt.Fprintf(&b, " %d", i+1)
	}
	fmt.Fprintf(&b, "  R H\nAway:")
	for _, r := range s.Line.Away {
		fmt.Fprintf(&b, " %d", r)
	}
	fmt.Fprintf(&b, "  %d %d\nHome:", s.Line.AwayRuns, s.Line.AwayHits)
	for _, r := range s.Line.Home {
		fmt.Fprintf(&b, " %d", r)
	}
	fmt.Fprintf(&b, "  %d %d\n", s.Line.HomeRuns, s.Line.HomeHits)
	return b.String()
}

func halfLabel(half string) string {
	if half == HalfBottom {
		return "Bottom"
	}
	return "Top"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
