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
	"crypto/sha256"
	"fmt"
	"log"
	"math"
	"os"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ttbt-io/dugout/backend/bases"
)

// BattingLine is a player's batting totals.
type BattingLine struct {
	PlayerID string  `json:"playerId"`
	Games    int     `json:"games,omitempty"`
	PA       int     `json:"pa"`
	AB       int     `json:"ab"`
	H        int     `json:"h"`
	Singles  int     `json:"1b"`
	Doubles  int     `json:"2b"`
	Triples  int     `json:"3b"`
	HR       int     `json:"hr"`
	RBI      int     `json:"rbi"`
	TB       int     `json:"tb"`
	BB       int     `json:"bb"`
	HBP      int     `json:"hbp"`
	SF       int     `json:"sf"`
	K        int     `json:"k"`
	AVG      float64 `json:"avg"`
	OBP      float64 `json:"obp"`
	SLG      float64 `json:"slg"`
}

func (l *BattingLine) add(o BattingLine) {
	l.PA += o.PA
	l.AB += o.AB
	l.H += o.H
	l.Singles += o.Singles
	l.Doubles += o.Doubles
	l.Triples += o.Triples
	l.HR += o.HR
	l.RBI += o.RBI
	l.TB += o.TB
	l.BB += o.BB
	l.HBP += o.HBP
	l.SF += o.SF
	l.K += o.K
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(d)*1000) / 1000
}

func (l *BattingLine) computeRates() {
	l.AVG = ratio(l.H, l.AB)
	l.SLG = ratio(l.TB, l.AB)
	l.OBP = ratio(l.H+l.BB+l.HBP, l.AB+l.BB+l.HBP+l.SF)
}

// record adds one plate appearance.
func (l *BattingLine) record(e EntryResult) {
	l.PA++
	atBat := true
	// A plate appearance is at most one hit. If several hit codes were
	// recorded, the last one stands.
	hit := 0
	for _, c := range e.Codes {
		if nonAtBatCodes[c] {
			atBat = false
		}
		if ec, ok := bases.ParseEventCode(c); ok {
			hit = ec.Bases()
			continue
		}
		switch c {
		case CodeWalk, CodeIntentionalWalk:
			l.BB++
		case CodeHitByPitch:
			l.HBP++
		case CodeSacrificeFly:
			l.SF++
		case CodeStrikeout, CodeStrikeoutLooking:
			l.K++
		}
	}
	if hit > 0 {
		l.H++
		l.TB += hit
		switch hit {
		case 1:
			l.Singles++
		case 2:
			l.Doubles++
		case 3:
			l.Triples++
		case 4:
			l.HR++
		}
	}
	if atBat {
		l.AB++
	}
	l.RBI += e.RBI
}

// TeamBatting is one side's batting lines.
type TeamBatting struct {
	TeamID string        `json:"teamId,omitempty"`
	Name   string        `json:"name,omitempty"`
	Games  int           `json:"games,omitempty"`
	Lines  []BattingLine `json:"lines"`
	Totals BattingLine   `json:"totals"`
}

func buildTeamBatting(teamID, name string, lines map[string]*BattingLine) TeamBatting {
	tb := TeamBatting{TeamID: teamID, Name: name, Lines: make([]BattingLine, 0, len(lines))}
	for _, l := range lines {
		l.computeRates()
		tb.Lines = append(tb.Lines, *l)
		tb.Totals.add(*l)
	}
	sort.Slice(tb.Lines, func(i, j int) bool { return tb.Lines[i].PlayerID < tb.Lines[j].PlayerID })
	tb.Totals.computeRates()
	return tb
}

// GameStats is the box score of one game.
type GameStats struct {
	GameID   string      `json:"gameId"`
	Revision string      `json:"revision"`
	Away     TeamBatting `json:"away"`
	Home     TeamBatting `json:"home"`
}

// ComputeGameStats derives batting lines from a replayed scoresheet. Batters
// in the top half belong to the away side.
func ComputeGameStats(g *Game, sheet Scoresheet) GameStats {
	away := make(map[string]*BattingLine)
	home := make(map[string]*BattingLine)
	for _, h := range sheet.HalfInnings {
		side := away
		if h.Half == HalfBottom {
			side = home
		}
		for _, e := range h.Entries {
			l, ok := side[e.BatterID]
			if !ok {
				l = &BattingLine{PlayerID: e.BatterID}
				side[e.BatterID] = l
			}
			l.record(e)
		}
	}
	return GameStats{
		GameID:   g.ID,
		Revision: g.Revision,
		Away:     buildTeamBatting(g.AwayTeamID, g.Away, away),
		Home:     buildTeamBatting(g.HomeTeamID, g.Home, home),
	}
}

// statsKey identifies a game's log by content. The revision alone is not
// enough: an undone entry can be appended again under the same id.
type statsKey struct {
	gameID string
	digest [sha256.Size]byte
}

func newStatsKey(g *Game) statsKey {
	h := sha256.New()
	fmt.Fprintf(h, "%q %q %q %q %d\n", g.AwayTeamID, g.Away, g.HomeTeamID, g.Home, len(g.Entries))
	for _, e := range g.Entries {
		fmt.Fprintf(h, "%q %d %q %q %q\n", e.ID, e.Inning, e.Half, e.BatterID, e.Codes)
	}
	k := statsKey{gameID: g.ID}
	h.Sum(k.digest[:0])
	return k
}

// StatsService computes and caches game and team stats. Per-game sheets are
// cached by log content, so any append or undo invalidates them implicitly.
type StatsService struct {
	gs      *GameStore
	r       *Registry
	mapper  *bases.Mapper
	metrics *Metrics
	cache   *lru.Cache[statsKey, GameStats]
}

// NewStatsService creates a StatsService holding up to size game sheets.
func NewStatsService(gs *GameStore, r *Registry, mapper *bases.Mapper, metrics *Metrics, size int) *StatsService {
	s := &StatsService{gs: gs, r: r, mapper: mapper, metrics: metrics}
	cache, err := lru.NewWithEvict(size, func(k statsKey, _ GameStats) {
		metrics.statsCacheEvicted()
	})
	if err != nil {
		log.Fatalf("stats cache: %v", err)
	}
	s.cache = cache
	return s
}

// ForGame returns the stats of a loaded game.
func (s *StatsService) ForGame(g *Game) GameStats {
	key := newStatsKey(g)
	if st, ok := s.cache.Get(key); ok {
		s.metrics.statsCacheResult(true)
		return st
	}
	s.metrics.statsCacheResult(false)
	st := ComputeGameStats(g, Replay(g, s.mapper))
	s.cache.Add(key, st)
	return st
}

// GameStats loads a game and returns its stats.
func (s *StatsService) GameStats(gameID string) (GameStats, error) {
	g, err := s.gs.LoadGame(gameID)
	if err != nil {
		return GameStats{}, err
	}
	if g.Status == StatusDeleted {
		return GameStats{}, os.ErrNotExist
	}
	return s.ForGame(g), nil
}

// TeamStats aggregates the team's side of every game it played.
func (s *StatsService) TeamStats(team *Team) (TeamBatting, error) {
	lines := make(map[string]*BattingLine)
	games := 0
	for _, gameID := range s.r.TeamGames(team.ID) {
		g, err := s.gs.LoadGame(gameID)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return TeamBatting{}, fmt.Errorf("load game %s: %w", gameID, err)
		}
		if g.Status == StatusDeleted {
			continue
		}
		st := s.ForGame(g)
		var side TeamBatting
		switch team.ID {
		case g.AwayTeamID:
			side = st.Away
		case g.HomeTeamID:
			side = st.Home
		default:
			continue
		}
		games++
		for _, l := range side.Lines {
			agg, ok := lines[l.PlayerID]
			if !ok {
				agg = &BattingLine{PlayerID: l.PlayerID}
				lines[l.PlayerID] = agg
			}
			agg.add(l)
			agg.Games++
		}
	}
	tb := buildTeamBatting(team.ID, team.Name, lines)
	tb.Games = games
	tb.Totals.Games = games
	return tb, nil
}
