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
	"cmp"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ttbt-io/dugout/backend/search"
)

const tombstoneTTL = 30 * 24 * time.Hour
const gcInterval = 12 * time.Hour

// Registry is the in-memory index of game and team metadata. It answers
// listing, search, access and quota questions without loading full records.
// Tombstones stay indexed until they are purged.
type Registry struct {
	gameStore *GameStore
	teamStore *TeamStore

	mu        sync.RWMutex
	games     map[string]GameMetadata
	teams     map[string]TeamMetadata
	teamGames map[string]map[string]bool

	accessPolicy *UserAccessPolicy

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a Registry and indexes both stores.
func NewRegistry(gs *GameStore, ts *TeamStore) *Registry {
	r := &Registry{
		gameStore: gs,
		teamStore: ts,
		stopChan:  make(chan struct{}),
	}
	r.Rebuild()
	return r
}

// StartGC starts the background tombstone garbage collector.
func (r *Registry) StartGC() {
	go func() {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.PurgeOldTombstones(time.Now())
			case <-r.stopChan:
				return
			}
		}
	}()
}

// StopGC stops the background tombstone garbage collector.
func (r *Registry) StopGC() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}

func expired(status string, deletedAt int64, cutoff int64) bool {
	return status == StatusDeleted && deletedAt > 0 && deletedAt < cutoff
}

// PurgeOldTombstones permanently deletes tombstones older than the TTL.
func (r *Registry) PurgeOldTombstones(now time.Time) {
	cutoff := now.Add(-tombstoneTTL).UnixNano()

	r.mu.RLock()
	var games, teams []string
	for id, m := range r.games {
		if expired(m.Status, m.DeletedAt, cutoff) {
			games = append(games, id)
		}
	}
	for id, m := range r.teams {
		if expired(m.Status, m.DeletedAt, cutoff) {
			teams = append(teams, id)
		}
	}
	r.mu.RUnlock()

	var purgedGames, purgedTeams int
	for _, id := range games {
		if err := r.gameStore.PurgeGame(id); err != nil {
			log.Printf("Registry: purge game %s: %v", id, err)
			continue
		}
		r.mu.Lock()
		delete(r.games, id)
		r.mu.Unlock()
		purgedGames++
	}
	for _, id := range teams {
		if err := r.teamStore.PurgeTeam(id); err != nil {
			log.Printf("Registry: purge team %s: %v", id, err)
			continue
		}
		r.mu.Lock()
		delete(r.teams, id)
		delete(r.teamGames, id)
		r.mu.Unlock()
		purgedTeams++
	}
	if purgedGames > 0 || purgedTeams > 0 {
		log.Printf("Registry: GC complete. Purged %d games, %d teams.", purgedGames, purgedTeams)
	}
}

// UpdateAccessPolicy updates the cached access policy.
func (r *Registry) UpdateAccessPolicy(policy *UserAccessPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessPolicy = policy
}

// GetAccessPolicy returns the current access policy, or nil for the default
// open policy.
func (r *Registry) GetAccessPolicy() *UserAccessPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accessPolicy
}

// Rebuild reconstructs the index by scanning the underlying stores.
func (r *Registry) Rebuild() {
	games := make(map[string]GameMetadata)
	teams := make(map[string]TeamMetadata)
	teamGames := make(map[string]map[string]bool)

	for t, err := range r.teamStore.ListAllTeamMetadata() {
		if err != nil {
			log.Printf("Registry: Error listing teams: %v", err)
			break
		}
		teams[t.ID] = t
	}
	for g, err := range r.gameStore.ListAllGameMetadata() {
		if err != nil {
			log.Printf("Registry: Error listing games: %v", err)
			break
		}
		games[g.ID] = g
		if g.Status != StatusDeleted {
			linkTeamGame(teamGames, g)
		}
	}

	r.mu.Lock()
	r.games, r.teams, r.teamGames = games, teams, teamGames
	r.mu.Unlock()
	log.Printf("Registry: Rebuild complete. Indexed %d games, %d teams.", r.CountTotalGames(), r.CountTotalTeams())
}

func linkTeamGame(idx map[string]map[string]bool, g GameMetadata) {
	for _, teamId := range []string{g.AwayTeamID, g.HomeTeamID} {
		if teamId == "" {
			continue
		}
		if idx[teamId] == nil {
			idx[teamId] = make(map[string]bool)
		}
		idx[teamId][g.ID] = true
	}
}

func unlinkTeamGame(idx map[string]map[string]bool, g GameMetadata) {
	for _, teamId := range []string{g.AwayTeamID, g.HomeTeamID} {
		delete(idx[teamId], g.ID)
	}
}

// UpdateGame indexes a saved game.
func (r *Registry) UpdateGame(g *Game) {
	m := g.metadata()
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.games[m.ID]; ok {
		unlinkTeamGame(r.teamGames, old)
	}
	r.games[m.ID] = m
	if m.Status != StatusDeleted {
		linkTeamGame(r.teamGames, m)
	}
}

// UpdateTeam indexes a saved team.
func (r *Registry) UpdateTeam(t *Team) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teams[t.ID] = t.metadata()
}

// DeleteGame records a game tombstone.
func (r *Registry) DeleteGame(gameId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.games[gameId]
	if ok {
		unlinkTeamGame(r.teamGames, old)
	}
	r.games[gameId] = GameMetadata{ID: gameId, OwnerID: old.OwnerID, Status: StatusDeleted, DeletedAt: time.Now().UnixNano()}
}

// DeleteTeam records a team tombstone.
func (r *Registry) DeleteTeam(teamId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.teams[teamId]
	r.teams[teamId] = TeamMetadata{ID: teamId, OwnerID: old.OwnerID, Status: StatusDeleted, DeletedAt: time.Now().UnixNano()}
}

func (r *Registry) IsGameDeleted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.games[id]
	return ok && m.Status == StatusDeleted
}

func (r *Registry) IsTeamDeleted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.teams[id]
	return ok && m.Status == StatusDeleted
}

func (r *Registry) GameExists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.games[id]
	return ok && m.Status != StatusDeleted
}

func (r *Registry) TeamExists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.teams[id]
	return ok && m.Status != StatusDeleted
}

// liveTeam must be called with r.mu held.
func (r *Registry) liveTeam(id string) (TeamMetadata, bool) {
	m, ok := r.teams[id]
	if !ok || m.Status == StatusDeleted {
		return TeamMetadata{}, false
	}
	return m, true
}

// GameAccess resolves a user's access to a game from the index.
func (r *Registry) GameAccess(userId string, role Role, gameId string) AccessLevel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.games[gameId]
	if !ok {
		return AccessNone
	}
	return gameAccess(userId, role, m, r.liveTeam)
}

// TeamAccess resolves a user's access to a team from the index.
func (r *Registry) TeamAccess(userId string, role Role, teamId string) AccessLevel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.liveTeam(teamId)
	userId = normalizeEmail(userId)
	if !ok || userId == "" {
		return AccessNone
	}
	if role == RoleLeagueAdmin {
		return AccessAdmin
	}
	return m.level(userId)
}

// TeamGames returns the live games the team played in, sorted by date.
func (r *Registry) TeamGames(teamId string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.teamGames[teamId]))
	for id := range r.teamGames[teamId] {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		return cmp.Or(cmp.Compare(r.games[a].Date, r.games[b].Date), cmp.Compare(a, b))
	})
	return ids
}

func (r *Registry) CountOwnedGames(userId string) int {
	userId = normalizeEmail(userId)
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.games {
		if m.Status != StatusDeleted && normalizeEmail(m.OwnerID) == userId {
			n++
		}
	}
	return n
}

func (r *Registry) CountOwnedTeams(userId string) int {
	userId = normalizeEmail(userId)
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.teams {
		if m.Status != StatusDeleted && normalizeEmail(m.OwnerID) == userId {
			n++
		}
	}
	return n
}

func (r *Registry) CountTotalGames() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.games {
		if m.Status != StatusDeleted {
			n++
		}
	}
	return n
}

func (r *Registry) CountTotalTeams() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.teams {
		if m.Status != StatusDeleted {
			n++
		}
	}
	return n
}

func orderBy(order string, c int) int {
	if order == "desc" {
		return -c
	}
	return c
}

// ListGames returns the ids of the games the user can read that match query,
// sorted by sortBy (date, event, location) and order (asc, desc). Dates sort
// newest first by default.
func (r *Registry) ListGames(userId string, role Role, sortBy, order, query string) []string {
	if sortBy == "" {
		sortBy = "date"
	}
	if order == "" {
		order = "asc"
		if sortBy == "date" {
			order = "desc"
		}
	}
	q := search.Parse(query).Lower("date")

	r.mu.RLock()
	defer r.mu.RUnlock()
	var metas []GameMetadata
	for _, m := range r.games {
		if m.Status == StatusDeleted || gameAccess(userId, role, m, r.liveTeam) < AccessRead {
			continue
		}
		if !matchesGame(m, q) {
			continue
		}
		metas = append(metas, m)
	}
	field := func(m GameMetadata) string {
		switch sortBy {
		case "event":
			return strings.ToLower(m.Event)
		case "location":
			return strings.ToLower(m.Location)
		case "date":
			return m.Date
		}
		return ""
	}
	slices.SortFunc(metas, func(a, b GameMetadata) int {
		return orderBy(order, cmp.Or(cmp.Compare(field(a), field(b)), cmp.Compare(a.ID, b.ID)))
	})
	ids := make([]string, len(metas))
	for i, m := range metas {
		ids[i] = m.ID
	}
	return ids
}

// ListTeams returns the ids of the teams the user belongs to that match
// query, sorted by name or updated.
func (r *Registry) ListTeams(userId string, role Role, sortBy, order, query string) []string {
	if sortBy == "" {
		sortBy = "name"
	}
	if order == "" {
		order = "asc"
	}
	q := search.Parse(query).Lower()
	userId = normalizeEmail(userId)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var metas []TeamMetadata
	for _, m := range r.teams {
		if m.Status == StatusDeleted || userId == "" {
			continue
		}
		if role != RoleLeagueAdmin && m.level(userId) < AccessRead {
			continue
		}
		if !matchesTeam(m, q) {
			continue
		}
		metas = append(metas, m)
	}
	slices.SortFunc(metas, func(a, b TeamMetadata) int {
		var c int
		switch sortBy {
		case "name":
			c = cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		case "updated":
			c = cmp.Compare(a.UpdatedAt, b.UpdatedAt)
		}
		return orderBy(order, cmp.Or(c, cmp.Compare(a.ID, b.ID)))
	})
	ids := make([]string, len(metas))
	for i, m := range metas {
		ids[i] = m.ID
	}
	return ids
}

func containsLower(s, substrLower string) bool {
	return strings.Contains(strings.ToLower(s), substrLower)
}

// matchesGame expects q to be lowercased except for dates.
func matchesGame(m GameMetadata, q search.Query) bool {
	for _, token := range q.FreeText {
		if !containsLower(m.Event, token) && !containsLower(m.Location, token) &&
			!containsLower(m.Away, token) && !containsLower(m.Home, token) {
			return false
		}
	}
	for _, f := range q.Filters {
		var ok bool
		switch f.Key {
		case "event":
			ok = containsLower(m.Event, f.Value)
		case "location":
			ok = containsLower(m.Location, f.Value)
		case "away":
			ok = containsLower(m.Away, f.Value)
		case "home":
			ok = containsLower(m.Home, f.Value)
		case "team":
			ok = containsLower(m.Away, f.Value) || containsLower(m.Home, f.Value)
		case "status":
			ok = m.Status == f.Value
		case "date":
			ok = f.Compare(m.Date)
		case "is":
			switch f.Value {
			case "public":
				ok = m.Permissions.Public == "read"
			case "private":
				ok = m.Permissions.Public != "read"
			}
		default:
			ok = true
		}
		if !ok {
			return false
		}
	}
	return true
}

func matchesTeam(m TeamMetadata, q search.Query) bool {
	for _, token := range q.FreeText {
		if !containsLower(m.Name, token) && !containsLower(m.ShortName, token) {
			return false
		}
	}
	for _, f := range q.Filters {
		switch f.Key {
		case "name":
			if !containsLower(m.Name, f.Value) {
				return false
			}
		case "short":
			if !containsLower(m.ShortName, f.Value) {
				return false
			}
		}
	}
	return true
}
