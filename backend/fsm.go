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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/raft"
)

var ErrConflict = errors.New("conflict detected")

const nodesFile = "nodes.json"

// FSM implements the raft.FSM interface. Every node applies the same
// commands to its own stores.
type FSM struct {
	gs      *GameStore
	ts      *TeamStore
	r       *Registry
	hm      *HubManager
	storage *storage.Storage

	nodeMap          sync.Map // map[string]*NodeMeta
	lastAppliedIndex atomic.Uint64
}

// NewFSM creates a new FSM.
func NewFSM(gs *GameStore, ts *TeamStore, r *Registry, hm *HubManager, s *storage.Storage) *FSM {
	f := &FSM{
		gs:      gs,
		ts:      ts,
		r:       r,
		hm:      hm,
		storage: s,
	}
	f.loadNodes()
	return f
}

// LastAppliedIndex returns the index of the last applied log entry.
func (f *FSM) LastAppliedIndex() uint64 {
	return f.lastAppliedIndex.Load()
}

func (f *FSM) loadNodes() {
	if f.storage == nil {
		return
	}
	var nodes map[string]*NodeMeta
	if err := f.storage.ReadDataFile(nodesFile, &nodes); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[FSM] Error: failed to read %s: %v", nodesFile, err)
		}
		return
	}
	for k, v := range nodes {
		f.nodeMap.Store(k, v)
	}
}

func (f *FSM) nodes() map[string]*NodeMeta {
	nodes := make(map[string]*NodeMeta)
	f.nodeMap.Range(func(k, v any) bool {
		nodes[k.(string)] = v.(*NodeMeta)
		return true
	})
	return nodes
}

func (f *FSM) saveNodes() {
	if f.storage == nil {
		return
	}
	if err := f.storage.SaveDataFile(nodesFile, f.nodes()); err != nil {
		log.Printf("[FSM] Error: failed to save %s: %v", nodesFile, err)
	}
}

// GetNodeMeta returns what the cluster knows about a node, or nil.
func (f *FSM) GetNodeMeta(nodeID string) *NodeMeta {
	if v, ok := f.nodeMap.Load(nodeID); ok {
		return v.(*NodeMeta)
	}
	return nil
}

// GetNodeAddr returns the HTTP address of a node, or "".
func (f *FSM) GetNodeAddr(nodeID string) string {
	if m := f.GetNodeMeta(nodeID); m != nil {
		return m.HttpAddr
	}
	return ""
}

// Nodes returns the known nodes sorted by id.
func (f *FSM) Nodes() []NodeMeta {
	var out []NodeMeta
	for _, m := range f.nodes() {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Apply applies a Raft log entry. It returns nil or the error the command
// produced, which Propose hands back to the caller.
func (f *FSM) Apply(l *raft.Log) any {
	if l.Type != raft.LogCommand || len(l.Data) == 0 {
		return nil
	}
	var cmd RaftCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		log.Printf("[FSM] Apply Error: failed to decode command at index %d: %v", l.Index, err)
		return err
	}
	res := f.applyCommand(cmd, l.Index)
	f.lastAppliedIndex.Store(l.Index)
	return res
}

func (f *FSM) applyCommand(cmd RaftCommand, index uint64) error {
	switch cmd.Type {
	case CmdSaveGame:
		return f.applySaveGame(cmd, index)
	case CmdAppendEntries:
		return f.applyAppendEntries(cmd, index)
	case CmdUndoEntry:
		return f.applyUndoEntry(cmd, index)
	case CmdDeleteGame:
		return f.applyDeleteGame(cmd, index)
	case CmdSaveTeam:
		return f.applySaveTeam(cmd, index)
	case CmdDeleteTeam:
		return f.applyDeleteTeam(cmd, index)
	case CmdNodeMeta:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta")
		}
		meta := *cmd.NodeMeta
		f.nodeMap.Store(meta.NodeID, &meta)
		f.saveNodes()
		return nil
	case CmdUpdateAccessPolicy:
		if cmd.Policy == nil {
			return fmt.Errorf("missing policy data")
		}
		if f.storage != nil {
			if err := saveAccessPolicy(f.storage, cmd.Policy); err != nil {
				return err
			}
		}
		f.r.UpdateAccessPolicy(cmd.Policy)
		return nil
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

// loadGame returns the stored game, or nil when there is none. applied is
// true when the command at index has already reached this game.
func (f *FSM) loadGame(id string, index uint64) (g *Game, applied bool, err error) {
	g, err = f.gs.LoadGame(id)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load game %s: %w", id, err)
	}
	return g, index > 0 && index <= g.LastRaftIndex, nil
}

func (f *FSM) commitGame(g *Game, added []PlateAppearance, undone *PlateAppearance) error {
	if err := f.gs.SaveGameInMemory(g, false); err != nil {
		return err
	}
	f.r.UpdateGame(g)
	if f.hm != nil {
		f.hm.notify(g, added, undone)
	}
	return nil
}

func (f *FSM) applySaveGame(cmd RaftCommand, index uint64) error {
	if cmd.Game == nil {
		return fmt.Errorf("missing game data")
	}
	existing, applied, err := f.loadGame(cmd.ID, index)
	if err != nil || applied {
		return err
	}
	if existing != nil && existing.Status == StatusDeleted {
		return os.ErrExist
	}
	g := cmd.Game.clone()
	g.ID = cmd.ID
	g.LastRaftIndex = index
	g.normalize()
	return f.commitGame(g, nil, nil)
}

func (f *FSM) applyAppendEntries(cmd RaftCommand, index uint64) error {
	g, applied, err := f.loadGame(cmd.ID, index)
	if err != nil || applied {
		return err
	}
	if g == nil || g.Status == StatusDeleted {
		return os.ErrNotExist
	}
	added := AppendEntries(g, cmd.Entries)
	g.LastRaftIndex = index
	return f.commitGame(g, added, nil)
}

func (f *FSM) applyUndoEntry(cmd RaftCommand, index uint64) error {
	g, applied, err := f.loadGame(cmd.ID, index)
	if err != nil || applied {
		return err
	}
	if g == nil || g.Status == StatusDeleted {
		return os.ErrNotExist
	}
	undone, err := UndoLast(g, cmd.EntryID)
	if err != nil {
		return err
	}
	g.LastRaftIndex = index
	return f.commitGame(g, nil, &undone)
}

func (f *FSM) applyDeleteGame(cmd RaftCommand, index uint64) error {
	g, applied, err := f.loadGame(cmd.ID, index)
	if err != nil || applied || g == nil {
		return err
	}
	t := g.tombstone(cmd.Time)
	t.LastRaftIndex = index
	if err := f.gs.SaveGame(t); err != nil {
		return err
	}
	f.r.UpdateGame(t)
	if f.hm != nil {
		f.hm.notify(t, nil, nil)
	}
	return nil
}

func (f *FSM) loadTeam(id string, index uint64) (t *Team, applied bool, err error) {
	t, err = f.ts.LoadTeam(id)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load team %s: %w", id, err)
	}
	return t, index > 0 && index <= t.LastRaftIndex, nil
}

func (f *FSM) applySaveTeam(cmd RaftCommand, index uint64) error {
	if cmd.Team == nil {
		return fmt.Errorf("missing team data")
	}
	existing, applied, err := f.loadTeam(cmd.ID, index)
	if err != nil || applied {
		return err
	}
	if existing != nil && existing.Status == StatusDeleted {
		return os.ErrExist
	}
	t := *cmd.Team
	t.ID = cmd.ID
	t.LastRaftIndex = index
	t.normalize()
	if err := f.ts.SaveTeam(&t); err != nil {
		return err
	}
	f.r.UpdateTeam(&t)
	return nil
}

func (f *FSM) applyDeleteTeam(cmd RaftCommand, index uint64) error {
	existing, applied, err := f.loadTeam(cmd.ID, index)
	if err != nil || applied || existing == nil {
		return err
	}
	t := existing.tombstone(cmd.Time)
	t.LastRaftIndex = index
	if err := f.ts.SaveTeam(t); err != nil {
		return err
	}
	f.r.UpdateTeam(t)
	return nil
}

// fsmSnapshot streams the stores when raft asks for a snapshot.
type fsmSnapshot struct {
	fsm *FSM
}

// Persist saves the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.fsm.persist(sink); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release releases the snapshot.
func (s *fsmSnapshot) Release() {}

// Snapshot flushes dirty games so the snapshot reads what was applied.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	if err := f.gs.FlushAll(); err != nil {
		log.Printf("[FSM] Snapshot Error: flushing games failed: %v", err)
		return nil, err
	}
	return &fsmSnapshot{fsm: f}, nil
}

// Restore replaces all local state with the snapshot's.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	if err := f.restore(rc); err != nil {
		return err
	}
	f.r.Rebuild()
	if f.hm != nil {
		f.hm.refreshAll()
	}
	return nil
}

// FlushAll persists every game that was only applied in memory.
func (f *FSM) FlushAll() error {
	return f.gs.FlushAll()
}
