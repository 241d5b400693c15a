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
	"testing"
)

func TestGameStoreSaveLoad(t *testing.T) {
	env := newTestEnv(t)
	g := sampleGame(makeUUID(1), "owner@example.com")
	if err := env.games.SaveGame(g); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}

	// A fresh store reads from disk.
	fresh := NewGameStore(env.dir, env.storage)
	loaded, err := fresh.LoadGame(g.ID)
	if err != nil {
		t.Fatalf("LoadGame: %v", err)
	}
	if loaded.Revision != makeUUID(7) || len(loaded.Entries) != 7 || loaded.Away != "Cubs" {
		t.Errorf("loaded = %+v", loaded.summary())
	}
	if _, err := fresh.LoadGame(makeUUID(2)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadGame(missing) err = %v, want ErrNotExist", err)
	}
}

func TestGameStoreDirtyFlush(t *testing.T) {
	env := newTestEnv(t)
	g := sampleGame(makeUUID(1), "owner@example.com")
	if err := env.games.SaveGameInMemory(g, false); err != nil {
		t.Fatalf("SaveGameInMemory: %v", err)
	}
	path := filepath.Join(env.dir, gameFilename(g.ID))
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("game written before flush: %v", err)
	}
	// Dirty games are listed even before they reach disk.
	n := 0
	for lg, err := range env.games.ListAllGames() {
		if err != nil {
			t.Fatalf("ListAllGames: %v", err)
		}
		if lg.ID == g.ID {
			n++
		}
	}
	if n != 1 {
		t.Errorf("dirty game listed %d times, want 1", n)
	}

	if err := env.games.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("game not flushed: %v", err)
	}
	if ids := env.games.dirtyIDs(); len(ids) != 0 {
		t.Errorf("dirty after flush: %v", ids)
	}
}

func TestGameStoreCacheIsolation(t *testing.T) {
	env := newTestEnv(t)
	g := sampleGame(makeUUID(1), "owner@example.com")
	if err := env.games.SaveGame(g); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}
	a, _ := env.games.LoadGame(g.ID)
	a.Entries[0].Codes[0] = "HR"
	a.Away = "Changed"
	b, _ := env.games.LoadGame(g.ID)
	if b.Entries[0].Codes[0] != "1B" || b.Away != "Cubs" {
		t.Errorf("mutating a loaded game leaked into the cache: %+v", b.summary())
	}

	c := g.clone()
	c.Permissions.Users["x@example.com"] = "read"
	if _, ok := g.Permissions.Users["x@example.com"]; ok {
		t.Error("clone shares the permissions map")
	}
}

func TestGameStoreDeleteAndPurge(t *testing.T) {
	env := newTestEnv(t)
	g := sampleGame(makeUUID(1), "owner@example.com")
	if err := env.games.SaveGame(g); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}
	if err := env.games.DeleteGame(g.ID); err != nil {
		t.Fatalf("DeleteGame: %v", err)
	}
	ts, err := env.games.LoadGame(g.ID)
	if err != nil {
		t.Fatalf("LoadGame(tombstone): %v", err)
	}
	if ts.Status != StatusDeleted || ts.OwnerID != "owner@example.com" || len(ts.Entries) != 0 || ts.DeletedAt == 0 {
		t.Errorf("tombstone = %+v", ts)
	}
	if err := env.games.DeleteGame(makeUUID(99)); err != nil {
		t.Errorf("DeleteGame(missing) = %v, want nil", err)
	}

	if err := env.games.PurgeGame(g.ID); err != nil {
		t.Fatalf("PurgeGame: %v", err)
	}
	if _, err := env.games.LoadGame(g.ID); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadGame after purge err = %v", err)
	}
}

func TestGameStoreRejectsNewerSchema(t *testing.T) {
	env := newTestEnv(t)
	g := sampleGame(makeUUID(1), "owner@example.com")
	g.SchemaVersion = CurrentSchemaVersion + 1
	if err := env.storage.SaveDataFile(gameFilename(g.ID), g); err != nil {
		t.Fatalf("SaveDataFile: %v", err)
	}
	if _, err := env.games.LoadGame(g.ID); err == nil {
		t.Error("expected schema version error")
	}
}

func TestTeamStore(t *testing.T) {
	env := newTestEnv(t)
	team := &Team{
		ID:      makeUUID(10),
		Name:    "Cubs",
		OwnerID: "coach@example.com",
		Roster:  []Player{{ID: "p1", Name: "Ann", Email: "ann@example.com"}},
	}
	if err := env.teams.SaveTeam(team); err != nil {
		t.Fatalf("SaveTeam: %v", err)
	}
	loaded, err := env.teams.LoadTeam(team.ID)
	if err != nil {
		t.Fatalf("LoadTeam: %v", err)
	}
	if loaded.Name != "Cubs" || loaded.Media == nil || loaded.Roles.Admins == nil {
		t.Errorf("loaded = %+v", loaded)
	}
	if m := loaded.metadata(); len(m.RosterEmails) != 1 || m.RosterEmails[0] != "ann@example.com" {
		t.Errorf("RosterEmails = %v", m.RosterEmails)
	}

	var ids []string
	for tm, err := range env.teams.ListAllTeamMetadata() {
		if err != nil {
			t.Fatalf("ListAllTeamMetadata: %v", err)
		}
		ids = append(ids, tm.ID)
	}
	if len(ids) != 1 || ids[0] != team.ID {
		t.Errorf("listed %v", ids)
	}

	if err := env.teams.DeleteTeam(team.ID); err != nil {
		t.Fatalf("DeleteTeam: %v", err)
	}
	ts, err := env.teams.LoadTeam(team.ID)
	if err != nil {
		t.Fatalf("LoadTeam(tombstone): %v", err)
	}
	if ts.Status != StatusDeleted || ts.Name != "" || ts.OwnerID != "coach@example.com" {
		t.Errorf("tombstone = %+v", ts)
	}
	if err := env.teams.PurgeTeam(team.ID); err != nil {
		t.Fatalf("PurgeTeam: %v", err)
	}
	if _, err := env.teams.LoadTeam(team.ID); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadTeam after purge err = %v", err)
	}
}
