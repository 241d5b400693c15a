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
	"fmt"
	"iter"
	"log"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
)

// Player is a roster member.
type Player struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Number string `json:"number"`
	Pos    string `json:"pos"`
	// Email links the roster spot to a login so the player can see their own
	// stats. Optional.
	Email string `json:"email,omitempty"`
}

// Permissions defines access control for a game.
type Permissions struct {
	Public string            `json:"public"` // "none", "read"
	Users  map[string]string `json:"users"`  // "email": "read"|"write"
}

// PlateAppearance is one entry of a game's scoring log.
type PlateAppearance struct {
	ID        string   `json:"id"`
	Inning    int      `json:"inning"`
	Half      string   `json:"half"`
	BatterID  string   `json:"batterId"`
	Codes     []string `json:"codes"`
	Timestamp int64    `json:"timestamp"`
	// ScoredBy is the user who recorded the entry.
	ScoredBy string `json:"scoredBy,omitempty"`
}

// Game is the full game record as stored on disk.
type Game struct {
	ID            string            `json:"id"`
	SchemaVersion int               `json:"schemaVersion"`
	Date          string            `json:"date,omitempty"`
	Location      string            `json:"location,omitempty"`
	Event         string            `json:"event,omitempty"`
	Away          string            `json:"away,omitempty"`
	Home          string            `json:"home,omitempty"`
	AwayTeamID    string            `json:"awayTeamId,omitempty"`
	HomeTeamID    string            `json:"homeTeamId,omitempty"`
	Status        string            `json:"status"`
	OwnerID       string            `json:"ownerId"`
	Permissions   Permissions       `json:"permissions,omitempty"`
	Entries       []PlateAppearance `json:"entries,omitempty"`

	// Revision is the id of the last entry, or empty for a fresh game.
	Revision string `json:"revision,omitempty"`

	// DeletedAt is the timestamp (Unix Nano) when the game was deleted.
	DeletedAt int64 `json:"deletedAt,omitempty"`

	// LastRaftIndex is the index of the last raft log entry applied to this
	// game. Replayed entries at or below it are skipped.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (g *Game) normalize() {
	if g.SchemaVersion == 0 {
		g.SchemaVersion = CurrentSchemaVersion
	}
	if g.Status == "" {
		g.Status = StatusOngoing
	}
	if g.Permissions.Users == nil {
		g.Permissions.Users = make(map[string]string)
	}
	if g.Entries == nil {
		g.Entries = make([]PlateAppearance, 0)
	}
	g.Revision = ""
	if n := len(g.Entries); n > 0 {
		g.Revision = g.Entries[n-1].ID
	}
}

// clone returns a deep copy, so a failed write cannot corrupt cached state.
func (g *Game) clone() *Game {
	c := *g
	c.Entries = make([]PlateAppearance, len(g.Entries))
	for i, e := range g.Entries {
		e.Codes = slices.Clone(e.Codes)
		c.Entries[i] = e
	}
	c.Permissions.Users = maps.Clone(g.Permissions.Users)
	return &c
}

func (g *Game) exists() bool {
	return g.OwnerID != "" || len(g.Entries) > 0
}

func (g *Game) metadata() GameMetadata {
	return GameMetadata{
		ID:          g.ID,
		OwnerID:     g.OwnerID,
		Permissions: g.Permissions,
		AwayTeamID:  g.AwayTeamID,
		HomeTeamID:  g.HomeTeamID,
		Status:      g.Status,
		Date:        g.Date,
		Event:       g.Event,
		Location:    g.Location,
		Away:        g.Away,
		Home:        g.Home,
		DeletedAt:   g.DeletedAt,
	}
}

func (g *Game) summary() GameSummary {
	return GameSummary{
		ID:       g.ID,
		Date:     g.Date,
		Location: g.Location,
		Event:    g.Event,
		Away:     g.Away,
		Home:     g.Home,
		Revision: g.Revision,
		Status:   g.Status,
		OwnerID:  g.OwnerID,
		Entries:  len(g.Entries),
	}
}

// GameSummary is the list view of a game.
type GameSummary struct {
	ID       string `json:"id"`
	Date     string `json:"date"`
	Location string `json:"location"`
	Event    string `json:"event"`
	Away     string `json:"away"`
	Home     string `json:"home"`
	Revision string `json:"revision"`
	Status   string `json:"status"`
	OwnerID  string `json:"ownerId"`
	Entries  int    `json:"entries"`
}

// GameMetadata contains only the fields needed for indexing and search.
type GameMetadata struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"ownerId"`
	Permissions Permissions `json:"permissions"`
	AwayTeamID  string      `json:"awayTeamId"`
	HomeTeamID  string      `json:"homeTeamId"`
	Status      string      `json:"status"`
	Date        string      `json:"date"`
	Event       string      `json:"event"`
	Location    string      `json:"location"`
	Away        string      `json:"away"`
	Home        string      `json:"home"`
	DeletedAt   int64       `json:"deletedAt"`
}

// GameStore manages game persistence. Writes go to an in-memory JSON cache
// first; dirty games reach disk on Flush or when saved with forceSync.
type GameStore struct {
	DataDir string
	Debug   bool
	storage *storage.Storage
	mu      sync.Map // gameId -> *sync.RWMutex
	cache   sync.Map // gameId -> []byte

	dirtyMu sync.Mutex
	dirty   map[string]bool
}

// NewGameStore creates a new GameStore.
func NewGameStore(dataDir string, s *storage.Storage) *GameStore {
	return &GameStore{
		DataDir: dataDir,
		storage: s,
		dirty:   make(map[string]bool),
	}
}

func (gs *GameStore) lock(gameId string) *sync.RWMutex {
	m, _ := gs.mu.LoadOrStore(gameId, &sync.RWMutex{})
	return m.(*sync.RWMutex)
}

func gameFilename(gameId string) string {
	return filepath.Join("games", url.PathEscape(gameId)+".json")
}

// SaveGame writes the game to disk and refreshes the cache.
func (gs *GameStore) SaveGame(game *Game) error {
	mutex := gs.lock(game.ID)
	mutex.Lock()
	defer mutex.Unlock()

	if err := gs.storage.SaveDataFile(gameFilename(game.ID), game); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	if b, err := json.Marshal(game); err == nil {
		gs.cache.Store(game.ID, b)
	}

	gs.dirtyMu.Lock()
	delete(gs.dirty, game.ID)
	gs.dirtyMu.Unlock()
	return nil
}

// SaveGameInMemory updates the cache and marks the game dirty. With forceSync
// it behaves like SaveGame.
func (gs *GameStore) SaveGameInMemory(game *Game, forceSync bool) error {
	if forceSync {
		return gs.SaveGame(game)
	}
	b, err := json.Marshal(game)
	if err != nil {
		return err
	}
	gs.cache.Store(game.ID, b)

	gs.dirtyMu.Lock()
	gs.dirty[game.ID] = true
	gs.dirtyMu.Unlock()
	return nil
}

// Flush persists one game if it is dirty.
func (gs *GameStore) Flush(gameId string) error {
	gs.dirtyMu.Lock()
	isDirty := gs.dirty[gameId]
	gs.dirtyMu.Unlock()
	if !isDirty {
		return nil
	}

	val, ok := gs.cache.Load(gameId)
	if !ok {
		gs.dirtyMu.Lock()
		delete(gs.dirty, gameId)
		gs.dirtyMu.Unlock()
		return fmt.Errorf("game %s marked dirty but not found in cache", gameId)
	}
	var g Game
	if err := json.Unmarshal(val.([]byte), &g); err != nil {
		return fmt.Errorf("unmarshal cached game %s: %w", gameId, err)
	}
	return gs.SaveGame(&g)
}

// FlushAll persists every dirty game.
func (gs *GameStore) FlushAll() error {
	for _, id := range gs.dirtyIDs() {
		if err := gs.Flush(id); err != nil {
			return fmt.Errorf("flush game %s: %w", id, err)
		}
	}
	return nil
}

func (gs *GameStore) dirtyIDs() []string {
	gs.dirtyMu.Lock()
	defer gs.dirtyMu.Unlock()
	ids := make([]string, 0, len(gs.dirty))
	for id := range gs.dirty {
		ids = append(ids, id)
	}
	return ids
}

// LoadGame loads a game by id. It returns os.ErrNotExist for unknown games.
func (gs *GameStore) LoadGame(gameId string) (*Game, error) {
	if val, ok := gs.cache.Load(gameId); ok {
		var g Game
		if err := json.Unmarshal(val.([]byte), &g); err == nil {
			if gs.Debug {
				log.Printf("[CACHE] Hit for game %s", gameId)
			}
			g.normalize()
			return &g, nil
		}
		gs.cache.Delete(gameId)
	}
	if gs.Debug {
		log.Printf("[CACHE] Miss for game %s", gameId)
	}

	mutex := gs.lock(gameId)
	mutex.RLock()
	defer mutex.RUnlock()

	var g Game
	if err := gs.storage.ReadDataFile(gameFilename(gameId), &g); err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	if g.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("game %s has unsupported schema version %d", gameId, g.SchemaVersion)
	}
	g.normalize()

	if b, err := json.Marshal(&g); err == nil {
		gs.cache.Store(gameId, b)
	}
	return &g, nil
}

// LoadGameAsJSON returns the stored game as JSON.
func (gs *GameStore) LoadGameAsJSON(gameId string) ([]byte, error) {
	g, err := gs.LoadGame(gameId)
	if err != nil {
		return nil, err
	}
	return json.Marshal(g)
}

// tombstone returns the record that replaces a deleted game. Only the owner
// is kept so quotas and listings stay correct until the tombstone is purged.
func (g *Game) tombstone(deletedAt int64) *Game {
	return &Game{
		ID:            g.ID,
		SchemaVersion: CurrentSchemaVersion,
		Status:        StatusDeleted,
		OwnerID:       g.OwnerID,
		DeletedAt:     deletedAt,
		LastRaftIndex: g.LastRaftIndex,
	}
}

// DeleteGame replaces the game with a tombstone.
func (gs *GameStore) DeleteGame(gameId string) error {
	g, err := gs.LoadGame(gameId)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return gs.SaveGame(g.tombstone(time.Now().UnixNano()))
}

// PurgeGame permanently removes the game file.
func (gs *GameStore) PurgeGame(gameId string) error {
	mutex := gs.lock(gameId)
	mutex.Lock()
	defer mutex.Unlock()

	gs.cache.Delete(gameId)
	gs.dirtyMu.Lock()
	delete(gs.dirty, gameId)
	gs.dirtyMu.Unlock()

	if err := os.Remove(filepath.Join(gs.DataDir, gameFilename(gameId))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not purge game file: %w", err)
	}
	return nil
}

// ListAllGames iterates over every stored game, including games that only
// exist in the dirty cache.
func (gs *GameStore) ListAllGames() iter.Seq2[*Game, error] {
	return func(yield func(*Game, error) bool) {
		files, err := os.ReadDir(filepath.Join(gs.DataDir, "games"))
		if err != nil && !os.IsNotExist(err) {
			yield(nil, fmt.Errorf("could not read games directory: %w", err))
			return
		}

		seen := make(map[string]bool)
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			gameId, err := url.PathUnescape(strings.TrimSuffix(file.Name(), ".json"))
			if err != nil {
				continue
			}
			seen[gameId] = true

			g, err := gs.LoadGame(gameId)
			if err != nil {
				log.Printf("Warning: could not load game '%s': %v", gameId, err)
				continue
			}
			if !yield(g, nil) {
				return
			}
		}

		for _, id := range gs.dirtyIDs() {
			if seen[id] {
				continue
			}
			g, err := gs.LoadGame(id)
			if err != nil {
				log.Printf("Error: Failed to load dirty game %s: %v", id, err)
				continue
			}
			if !yield(g, nil) {
				return
			}
		}
	}
}

// ListAllGameMetadata iterates over the index fields of every game.
func (gs *GameStore) ListAllGameMetadata() iter.Seq2[GameMetadata, error] {
	return func(yield func(GameMetadata, error) bool) {
		for g, err := range gs.ListAllGames() {
			if err != nil {
				yield(GameMetadata{}, err)
				return
			}
			if !yield(g.metadata(), nil) {
				return
			}
		}
	}
}
