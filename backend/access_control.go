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
	"os"
	"path/filepath"

	"github.com/c2FmZQ/storage"
)

const accessPolicyFile = "sys_access_policy"

// UserAccessPolicy defines who may use the service and how much they may
// create.
type UserAccessPolicy struct {
	DefaultPolicy      string                  `json:"defaultPolicy"` // "allow" or "deny"
	DefaultMaxTeams    int                     `json:"defaultMaxTeams"`
	DefaultMaxGames    int                     `json:"defaultMaxGames"`
	DefaultDenyMessage string                  `json:"defaultDenyMessage"`
	Admins             []string                `json:"admins"`
	Users              map[string]UserOverride `json:"users"`
}

// UserOverride defines specific access rules for a single user.
type UserOverride struct {
	Access   string `json:"access"` // "allow" or "deny"
	MaxTeams int    `json:"maxTeams"`
	MaxGames int    `json:"maxGames"`
}

// normalize lowercases e-mails and checks the policy values.
func (p *UserAccessPolicy) normalize() error {
	if p.DefaultPolicy == "" {
		p.DefaultPolicy = "allow"
	}
	if p.DefaultPolicy != "allow" && p.DefaultPolicy != "deny" {
		return fmt.Errorf("invalid default policy %q", p.DefaultPolicy)
	}
	for i, a := range p.Admins {
		p.Admins[i] = normalizeEmail(a)
	}
	users := make(map[string]UserOverride, len(p.Users))
	for email, o := range p.Users {
		if o.Access != "" && o.Access != "allow" && o.Access != "deny" {
			return fmt.Errorf("invalid access %q for %s", o.Access, maskEmail(email))
		}
		users[normalizeEmail(email)] = o
	}
	p.Users = users
	if p.Admins == nil {
		p.Admins = make([]string, 0)
	}
	return nil
}

// loadAccessPolicy reads the persisted policy. A missing file is not an
// error and yields nil.
func loadAccessPolicy(s *storage.Storage) (*UserAccessPolicy, error) {
	var p UserAccessPolicy
	if err := s.ReadDataFile(accessPolicyFile, &p); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read access policy: %w", err)
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	return &p, nil
}

func saveAccessPolicy(s *storage.Storage, p *UserAccessPolicy) error {
	if err := s.SaveDataFile(accessPolicyFile, p); err != nil {
		return fmt.Errorf("save access policy: %w", err)
	}
	return nil
}

func deleteAccessPolicy(s *storage.Storage) error {
	if err := os.Remove(filepath.Join(s.Dir(), accessPolicyFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete access policy: %w", err)
	}
	return nil
}

// AccessControl manages service-level permissions and quotas. Per-resource
// access is resolved by GetGameAccess and GetTeamAccess.
type AccessControl struct {
	r              *Registry
	bootstrapAdmin string
}

// NewAccessControl creates a new AccessControl service.
func NewAccessControl(r *Registry, bootstrapAdmin string) *AccessControl {
	return &AccessControl{
		r:              r,
		bootstrapAdmin: normalizeEmail(bootstrapAdmin),
	}
}

func (ac *AccessControl) isPolicyAdmin(email string) bool {
	if ac.bootstrapAdmin != "" && email == ac.bootstrapAdmin {
		return true
	}
	policy := ac.r.GetAccessPolicy()
	return policy != nil && containsEmail(policy.Admins, email)
}

// IsAllowed checks if a user is allowed to access the service.
// Returns allowed status and a denial message (if denied).
func (ac *AccessControl) IsAllowed(email string) (bool, string) {
	email = normalizeEmail(email)
	if email == "" {
		return false, "Authentication required"
	}
	if ac.isPolicyAdmin(email) {
		return true, ""
	}
	policy := ac.r.GetAccessPolicy()
	if policy == nil {
		return true, ""
	}
	if override, ok := policy.Users[email]; ok && override.Access != "" {
		if override.Access == "deny" {
			return false, policy.DefaultDenyMessage
		}
		return true, ""
	}
	if policy.DefaultPolicy == "deny" {
		return false, policy.DefaultDenyMessage
	}
	return true, ""
}

// IsAdmin reports whether the user administers the whole service: the
// bootstrap admin, policy admins and league admins.
func (ac *AccessControl) IsAdmin(email string, role Role) bool {
	email = normalizeEmail(email)
	if email == "" {
		return false
	}
	return role == RoleLeagueAdmin || ac.isPolicyAdmin(email)
}

// CanCreateTeam reports whether the user may create new teams. Players can
// only join teams others created.
func (ac *AccessControl) CanCreateTeam(email string, role Role) bool {
	return role == RoleTeamAdmin || ac.IsAdmin(email, role)
}

func (ac *AccessControl) limits(email string) (maxGames, maxTeams int) {
	policy := ac.r.GetAccessPolicy()
	if policy == nil {
		return 0, 0
	}
	maxGames, maxTeams = policy.DefaultMaxGames, policy.DefaultMaxTeams
	if override, ok := policy.Users[normalizeEmail(email)]; ok {
		if override.MaxGames != 0 {
			maxGames = override.MaxGames
		}
		if override.MaxTeams != 0 {
			maxTeams = override.MaxTeams
		}
	}
	return maxGames, maxTeams
}

// A limit of 0 means unlimited. A negative limit means none.
func checkLimit(kind string, limit, current int) error {
	if limit != 0 && current >= limit {
		return fmt.Errorf("%s limit reached (%d)", kind, max(limit, 0))
	}
	return nil
}

// CheckGameQuota verifies if a user can create a new game.
func (ac *AccessControl) CheckGameQuota(email string, currentCount int) error {
	maxGames, _ := ac.limits(email)
	return checkLimit("game", maxGames, currentCount)
}

// CheckTeamQuota verifies if a user can create a new team.
func (ac *AccessControl) CheckTeamQuota(email string, currentCount int) error {
	_, maxTeams := ac.limits(email)
	return checkLimit("team", maxTeams, currentCount)
}

// GetUserQuotas returns the effective max games and teams for a user.
func (ac *AccessControl) GetUserQuotas(email string) (maxGames, maxTeams int) {
	return ac.limits(email)
}
