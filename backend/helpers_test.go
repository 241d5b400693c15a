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
	"testing"

	"github.com/c2FmZQ/storage"
)

func makeUUID(i int) string {
	return fmt.Sprintf("%08x-0000-0000-0000-000000000000", i)
}

type testEnv struct {
	dir      string
	storage  *storage.Storage
	games    *GameStore
	teams    *TeamStore
	registry *Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	s := storage.New(dir, nil)
	gs := NewGameStore(dir, s)
	ts := NewTeamStore(dir, s)
	return &testEnv{dir: dir, storage: s, games: gs, teams: ts, registry: NewRegistry(gs, ts)}
}

func pa(id int, inning int, half, batter string, codes ...string) PlateAppearance {
	return PlateAppearance{ID: makeUUID(id), Inning: inning, Half: half, BatterID: batter, Codes: codes, Timestamp: int64(id)}
}

// sampleGame is a short game used across tests: three runs for the away
// side in the first, a triple for the home side.
func sampleGame(id, owner string) *Game {
	g := &Game{
		ID:      id,
		Date:    "2025-05-01",
		Away:    "Cubs",
		Home:    "Sox",
		OwnerID: owner,
		Entries: []PlateAppearance{
			pa(1, 1, HalfTop, "a1", "1B"),
			pa(2, 1, HalfTop, "a2", "2B"),
			pa(3, 1, HalfTop, "a3", "K"),
			pa(4, 1, HalfTop, "a4", "HR"),
			pa(5, 1, HalfBottom, "h1", "BB"),
			pa(6, 1, HalfBottom, "h2", "3B"),
			pa(7, 2, HalfTop, "a5", "1B", "E6"),
		},
	}
	g.normalize()
	return g
}
