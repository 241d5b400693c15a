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
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/hashicorp/raft"
)

func applyCmd(t *testing.T, f *FSM, index uint64, cmd RaftCommand) error {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	res := f.Apply(&raft.Log{Index: index, Type: raft.LogCommand, Data: data})
	if res == nil {
		return nil
	}
	return res.(error)
}

func newTestFSM(t *testing.T) (*testEnv, *FSM) {
	env := newTestEnv(t)
	return env, NewFSM(env.games, env.teams, env.registry, nil, env.storage)
}

func TestFSMGameCommands(t *testing.T) {
	env, f := newTestFSM(t)
	g := sampleGame(makeUUID(1), "owner@example.com")
	g.Entries = nil

	if err := applyCmd(t, f, 1, RaftCommand{Type: CmdSaveGame, ID: g.ID, Game: g}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !env.registry.GameExists(g.ID) {
		t.Fatal("saved game not indexed")
	}

	entries := sampleGame(g.ID, "").Entries
	if err := applyCmd(t, f, 2, RaftCommand{Type: CmdAppendEntries, ID: g.ID, Entries: entries}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := applyCmd(t, f, 3, RaftCommand{Type: CmdUndoEntry, ID: g.ID, EntryID: makeUUID(7)}); err != nil {
		t.Fatalf("undo: %v", err)
	}
	// Replaying an applied index changes nothing.
	if err := applyCmd(t, f, 3, RaftCommand{Type: CmdUndoEntry, ID: g.ID, EntryID: makeUUID(7)}); err != nil {
		t.Fatalf("replayed undo: %v", err)
	}
	loaded, err := env.games.LoadGame(g.ID)
	if err != nil {
		t.Fatalf("LoadGame: %v", err)
	}
	if len(loaded.Entries) != 6 || loaded.Revision != makeUUID(6) || loaded.LastRaftIndex != 3 {
		t.Errorf("entries=%d revision=%s index=%d", len(loaded.Entries), loaded.Revision, loaded.LastRaftIndex)
	}
	if f.LastAppliedIndex() != 3 {
		t.Errorf("LastAppliedIndex = %d", f.LastAppliedIndex())
	}

	if err := applyCmd(t, f, 4, RaftCommand{Type: CmdUndoEntry, ID: g.ID, EntryID: makeUUID(1)}); !errors.Is(err, ErrConflict) {
		t.Errorf("stale undo err = %v, want ErrConflict", err)
	}
	if err := applyCmd(t, f, 5, RaftCommand{Type: CmdAppendEntries, ID: makeUUID(2), Entries: entries}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("append to missing game err = %v", err)
	}

	if err := applyCmd(t, f, 6, RaftCommand{Type: CmdDeleteGame, ID: g.ID, Time: 42}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	tomb, _ := env.games.LoadGame(g.ID)
	if tomb.Status != StatusDeleted || tomb.DeletedAt != 42 {
		t.Errorf("tombstone = %+v", tomb)
	}
	if !env.registry.IsGameDeleted(g.ID) {
		t.Error("registry did not record the delete")
	}
	if err := applyCmd(t, f, 7, RaftCommand{Type: CmdSaveGame, ID: g.ID, Game: g}); !errors.Is(err, os.ErrExist) {
		t.Errorf("save over tombstone err = %v, want ErrExist", err)
	}
	if err := applyCmd(t, f, 8, RaftCommand{Type: "BOGUS"}); err == nil {
		t.Error("unknown command accepted")
	}
}

func TestFSMTeamAndClusterCommands(t *testing.T) {
	env, f := newTestFSM(t)
	team := &Team{Name: "Cubs", OwnerID: "coach@example.com"}
	id := makeUUID(10)

	if err := applyCmd(t, f, 1, RaftCommand{Type: CmdSaveTeam, ID: id, Team: team}); err != nil {
		t.Fatalf("save team: %v", err)
	}
	if got, err := env.teams.LoadTeam(id); err != nil || got.Name != "Cubs" || got.LastRaftIndex != 1 {
		t.Fatalf("LoadTeam = %+v, %v", got, err)
	}
	if err := applyCmd(t, f, 2, RaftCommand{Type: CmdDeleteTeam, ID: id, Time: 7}); err != nil {
		t.Fatalf("delete team: %v", err)
	}
	if !env.registry.IsTeamDeleted(id) {
		t.Error("team delete not indexed")
	}
	if err := applyCmd(t, f, 3, RaftCommand{Type: CmdSaveTeam, ID: id, Team: team}); !errors.Is(err, os.ErrExist) {
		t.Errorf("save over team tombstone err = %v", err)
	}

	meta := &NodeMeta{NodeID: "n1", HttpAddr: "10.0.0.1:8080", RaftAddr: "10.0.0.1:9090"}
	if err := applyCmd(t, f, 4, RaftCommand{Type: CmdNodeMeta, NodeMeta: meta}); err != nil {
		t.Fatalf("node meta: %v", err)
	}
	if got := f.GetNodeAddr("n1"); got != "10.0.0.1:8080" {
		t.Errorf("GetNodeAddr = %q", got)
	}
	// Node metadata survives a restart.
	if got := NewFSM(env.games, env.teams, env.registry, nil, env.storage).GetNodeAddr("n1"); got != "10.0.0.1:8080" {
		t.Errorf("reloaded GetNodeAddr = %q", got)
	}

	policy := &UserAccessPolicy{DefaultPolicy: "deny", Admins: []string{"ops@example.com"}}
	if err := applyCmd(t, f, 5, RaftCommand{Type: CmdUpdateAccessPolicy, Policy: policy}); err != nil {
		t.Fatalf("policy: %v", err)
	}
	if p := env.registry.GetAccessPolicy(); p == nil || p.DefaultPolicy != "deny" {
		t.Errorf("registry policy = %+v", p)
	}
	if p, err := loadAccessPolicy(env.storage); err != nil || p == nil || p.DefaultPolicy != "deny" {
		t.Errorf("stored policy = %+v, %v", p, err)
	}
}

func TestFSMSnapshotRoundTrip(t *testing.T) {
	src, f := newTestFSM(t)
	g := sampleGame(makeUUID(1), "owner@example.com")
	if err := applyCmd(t, f, 1, RaftCommand{Type: CmdSaveGame, ID: g.ID, Game: g}); err != nil {
		t.Fatalf("save: %v", err)
	}
	team := &Team{Name: "Cubs", OwnerID: "coach@example.com"}
	if err := applyCmd(t, f, 2, RaftCommand{Type: CmdSaveTeam, ID: makeUUID(10), Team: team}); err != nil {
		t.Fatalf("save team: %v", err)
	}
	applyCmd(t, f, 3, RaftCommand{Type: CmdNodeMeta, NodeMeta: &NodeMeta{NodeID: "n1", HttpAddr: "h:1"}})
	applyCmd(t, f, 4, RaftCommand{Type: CmdUpdateAccessPolicy, Policy: &UserAccessPolicy{DefaultPolicy: "allow", DefaultMaxGames: 3}})

	// The game is only dirty in memory; Snapshot must flush it.
	if _, err := f.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(src.games.dirtyIDs()) != 0 {
		t.Error("snapshot left dirty games")
	}
	var buf bytes.Buffer
	if err := f.persist(&buf); err != nil {
		t.Fatalf("persist: %v", err)
	}

	dst, f2 := newTestFSM(t)
	stale := sampleGame(makeUUID(99), "stale@example.com")
	if err := dst.games.SaveGame(stale); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}
	if err := f2.Restore(nopCloser{&buf}); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := dst.games.LoadGame(g.ID)
	if err != nil {
		t.Fatalf("LoadGame: %v", err)
	}
	if len(got.Entries) != 7 || got.Revision != g.Revision {
		t.Errorf("restored game = %+v", got.summary())
	}
	if _, err := dst.games.LoadGame(stale.ID); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale game survived restore: %v", err)
	}
	if !dst.registry.GameExists(g.ID) || dst.registry.GameExists(stale.ID) || !dst.registry.TeamExists(makeUUID(10)) {
		t.Error("registry not rebuilt from snapshot")
	}
	if f2.GetNodeAddr("n1") != "h:1" {
		t.Errorf("nodes not restored: %+v", f2.Nodes())
	}
	if p := dst.registry.GetAccessPolicy(); p == nil || p.DefaultMaxGames != 3 {
		t.Errorf("policy not restored: %+v", p)
	}
}

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }
