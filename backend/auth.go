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
	"log"
	"net/http"
	"slices"
	"strings"
)

// ErrForbidden is returned when the caller lacks the required access level.
var ErrForbidden = errors.New("forbidden")

type contextKey int

const (
	// userIDKey holds the authenticated user's ID (email). The value is always
	// a string.
	userIDKey contextKey = iota
	// roleKey holds the user's global Role.
	roleKey
)

// getUserID returns the UserID from the request context, if present.
func getUserID(r *http.Request) string {
	if s, ok := r.Context().Value(userIDKey).(string); ok {
		return s
	}
	return ""
}

// getUserRole returns the caller's global role. Authenticated users without
// a role claim are players.
func getUserRole(r *http.Request) Role {
	if role, ok := r.Context().Value(roleKey).(Role); ok {
		return role
	}
	return RolePlayer
}

// parseRole maps a claim value to a Role. Unknown values become RolePlayer.
func parseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleTeamAdmin:
		return RoleTeamAdmin
	case RoleLeagueAdmin:
		return RoleLeagueAdmin
	}
	return RolePlayer
}

// normalizeEmail ensures consistent casing and whitespace for User IDs.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// maskEmail obscures an email address for safe logging.
// e.g. "user@example.com" -> "u***@example.com"
func maskEmail(email string) string {
	if email == "" {
		return "<empty>"
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || len(parts[0]) < 1 {
		return "****"
	}
	return string(parts[0][0]) + "***@" + parts[1]
}

type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessWrite
	AccessAdmin
)

func (a AccessLevel) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessAdmin:
		return "admin"
	}
	return "none"
}

func containsEmail(list []string, userId string) bool {
	return slices.ContainsFunc(list, func(u string) bool { return normalizeEmail(u) == userId })
}

// level is the access the team grants userId, which must be normalized.
func (m TeamMetadata) level(userId string) AccessLevel {
	switch {
	case userId == "":
		return AccessNone
	case normalizeEmail(m.OwnerID) == userId, containsEmail(m.Roles.Admins, userId):
		return AccessAdmin
	case containsEmail(m.Roles.Scorekeepers, userId):
		return AccessWrite
	case containsEmail(m.Roles.Players, userId), containsEmail(m.RosterEmails, userId):
		return AccessRead
	}
	return AccessNone
}

// gameAccess resolves access from index data. team looks up a linked team and
// reports false when it is unknown or deleted.
func gameAccess(userId string, role Role, g GameMetadata, team func(id string) (TeamMetadata, bool)) AccessLevel {
	userId = normalizeEmail(userId)
	if g.Status == StatusDeleted {
		return AccessNone
	}
	if userId != "" && role == RoleLeagueAdmin {
		return AccessAdmin
	}
	if userId != "" && normalizeEmail(g.OwnerID) == userId {
		return AccessAdmin
	}

	level := AccessNone
	if userId != "" {
		for u, perm := range g.Permissions.Users {
			if normalizeEmail(u) != userId {
				continue
			}
			switch perm {
			case "write":
				level = max(level, AccessWrite)
			case "read":
				level = max(level, AccessRead)
			}
		}
		for _, teamId := range []string{g.AwayTeamID, g.HomeTeamID} {
			if teamId == "" || level == AccessAdmin {
				continue
			}
			if m, ok := team(teamId); ok {
				level = max(level, m.level(userId))
			}
		}
	}
	if level == AccessNone && g.Permissions.Public == "read" {
		return AccessRead
	}
	return level
}

// GetGameAccess calculates the effective access level for a user on a game.
// League admins can administer every game.
func GetGameAccess(userId string, role Role, game *Game, tStore *TeamStore) AccessLevel {
	level := gameAccess(userId, role, game.metadata(), func(id string) (TeamMetadata, bool) {
		if tStore == nil {
			return TeamMetadata{}, false
		}
		t, err := tStore.LoadTeam(id)
		if err != nil || t.Status == StatusDeleted {
			return TeamMetadata{}, false
		}
		return t.metadata(), true
	})
	log.Printf("[AUTH] user=%s game=%s access=%s", maskEmail(userId), game.ID, level)
	return level
}

// GetTeamAccess calculates the effective access level for a user on a team.
func GetTeamAccess(userId string, role Role, team *Team) AccessLevel {
	userId = normalizeEmail(userId)
	if userId == "" || team.Status == StatusDeleted {
		return AccessNone
	}
	if role == RoleLeagueAdmin {
		return AccessAdmin
	}
	return team.metadata().level(userId)
}
