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
	"iter"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
)

// TeamRoles lists the members of a team by role.
type TeamRoles struct {
	Admins       []string `json:"admins"`
	Scorekeepers []string `json:"scorekeepers"`
	Players      []string `json:"players"`
}

func (r *TeamRoles) normalize() {
	if r.Admins == nil {
		r.Admins = make([]string, 0)
	}
	if r.Scorekeepers == nil {
		r.Scorekeepers = make([]string, 0)
	}
	if r.Players == nil {
		r.Players = make([]string, 0)
	}
}

// MediaItem is one entry of a team's photo and video gallery.
type MediaItem struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Caption    string `json:"caption,omitempty"`
	UploadedBy string `json:"uploadedBy"`
	CreatedAt  int64  `json:"createdAt"`
}

// Team is a persistent roster with its gallery and permissions.
type Team struct {
	ID            string      `json:"id"`
	SchemaVersion int         `json:"schemaVersion"`
	Name          string      `json:"name,omitempty"`
	ShortName     string      `json:"shortName,omitempty"`
	Color         string      `json:"color,omitempty"`
	Roster        []Player    `json:"roster,omitempty"`
	Media         []MediaItem `json:"media,omitempty"`
	OwnerID       string      `json:"ownerId"`
	Roles         TeamRoles   `json:"roles,omitempty"`
	UpdatedAt     int64       `json:"updatedAt,omitempty"`

	// Status is "active" (or empty) or "deleted".
	Status    string `json:"status,omitempty"`
	DeletedAt int64  `json:"deletedAt,omitempty"`

	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (t *Team) normalize() {
	if t.SchemaVersion == 0 {
		t.SchemaVersion = CurrentSchemaVersion
	}
	if t.Roster == nil {
		t.Roster = make([]Player, 0)
	}
	if t.Media == nil {
		t.Media = make([]MediaItem, 0)
	}
	t.Roles.normalize()
}

// TeamMetadata contains only the fields needed for indexing.
type TeamMetadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ShortName string    `json:"shortName"`
	OwnerID   string    `json:"ownerId"`
	Roles     TeamRoles `json:"roles"`
	// RosterEmails are the logins linked to roster spots.
	RosterEmails []string `json:"rosterEmails,omitempty"`
	UpdatedAt    int64    `json:"updatedAt"`
	Status       string   `json:"status"`
	DeletedAt    int64    `json:"deletedAt"`
}

func (t *Team) metadata() TeamMetadata {
	m := TeamMetadata{
		ID:        t.ID,
		Name:      t.Name,
		ShortName: t.ShortName,
		OwnerID:   t.OwnerID,
		Roles:     t.Roles,
		UpdatedAt: t.UpdatedAt,
		Status:    t.Status,
		DeletedAt: t.DeletedAt,
	}
	for _, p := range t.Roster {
		if p.Email != "" {
			m.RosterEmails = append(m.RosterEmails, p.Email)
		}
	}
	return m
}

// TeamStore manages team persistence. Teams are small and written through.
type TeamStore struct {
	DataDir string
	storage *storage.Storage
	mu      sync.Map // teamId -> *sync.Mutex
}

// NewTeamStore creates a new TeamStore.
func NewTeamStore(dataDir string, s *storage.Storage) *TeamStore {
	return &TeamStore{
		DataDir: dataDir,
		storage: s,
	}
}

func (ts *TeamStore) lock(teamId string) *sync.Mutex {
	m, _ := ts.mu.LoadOrStore(teamId, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func teamFilename(teamId string) string {
	return filepath.Join("teams", url.PathEscape(teamId)+".json")
}

// SaveTeam saves the team atomically.
func (ts *TeamStore) SaveTeam(team *Team) error {
	mutex := ts.lock(team.ID)
	mutex.Lock()
	defer mutex.Unlock()

	if err := ts.storage.SaveDataFile(teamFilename(team.ID), team); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	return nil
}

// LoadTeam loads a team by id. It returns os.ErrNotExist for unknown teams.
func (ts *TeamStore) LoadTeam(teamId string) (*Team, error) {
	var t Team
	if err := ts.storage.ReadDataFile(teamFilename(teamId), &t); err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	if t.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("team %s has unsupported schema version %d", teamId, t.SchemaVersion)
	}
	t.normalize()
	return &t, nil
}

func (t *Team) tombstone(deletedAt int64) *Team {
	return &Team{
		ID:            t.ID,
		SchemaVersion: CurrentSchemaVersion,
		OwnerID:       t.OwnerID,
		Status:        StatusDeleted,
		DeletedAt:     deletedAt,
		LastRaftIndex: t.LastRaftIndex,
	}
}

// DeleteTeam replaces the team with a tombstone.
func (ts *TeamStore) DeleteTeam(teamId string) error {
	t, err := ts.LoadTeam(teamId)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return ts.SaveTeam(t.tombstone(time.Now().UnixNano()))
}

// PurgeTeam permanently removes the team file.
func (ts *TeamStore) PurgeTeam(teamId string) error {
	mutex := ts.lock(teamId)
	mutex.Lock()
	defer mutex.Unlock()

	if err := os.Remove(filepath.Join(ts.DataDir, teamFilename(teamId))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not purge team file: %w", err)
	}
	return nil
}

// ListAllTeams iterates over every stored team.
func (ts *TeamStore) ListAllTeams() iter.Seq2[*Team, error] {
	return func(yield func(*Team, error) bool) {
		files, err := os.ReadDir(filepath.Join(ts.DataDir, "teams"))
		if err != nil {
			if !os.IsNotExist(err) {
				yield(nil, fmt.Errorf("could not read teams directory: %w", err))
			}
			return
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			teamId, err := url.PathUnescape(strings.TrimSuffix(file.Name(), ".json"))
			if err != nil {
				continue
			}
			t, err := ts.LoadTeam(teamId)
			if err != nil {
				log.Printf("Warning: could not load team '%s': %v", teamId, err)
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

// ListAllTeamMetadata iterates over the index fields of every team.
func (ts *TeamStore) ListAllTeamMetadata() iter.Seq2[TeamMetadata, error] {
	return func(yield func(TeamMetadata, error) bool) {
		for t, err := range ts.ListAllTeams() {
			if err != nil {
				yield(TeamMetadata{}, err)
				return
			}
			if !yield(t.metadata(), nil) {
				return
			}
		}
	}
}
