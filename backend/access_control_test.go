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
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestAccessControl(t *testing.T) {
	Convey("Given an access control service", t, func() {
		env := newTestEnv(t)
		ac := NewAccessControl(env.registry, "Root@example.com")

		Convey("Without a policy everyone signed in is allowed and unlimited", func() {
			ok, _ := ac.IsAllowed("someone@example.com")
			So(ok, ShouldBeTrue)
			ok, msg := ac.IsAllowed("")
			So(ok, ShouldBeFalse)
			So(msg, ShouldEqual, "Authentication required")
			So(ac.CheckGameQuota("someone@example.com", 1000), ShouldBeNil)
			So(ac.CheckTeamQuota("someone@example.com", 1000), ShouldBeNil)
		})

		Convey("The bootstrap admin is an admin regardless of role", func() {
			So(ac.IsAdmin("root@example.com", RolePlayer), ShouldBeTrue)
			So(ac.IsAdmin("someone@example.com", RolePlayer), ShouldBeFalse)
			So(ac.IsAdmin("someone@example.com", RoleLeagueAdmin), ShouldBeTrue)
			So(ac.IsAdmin("", RoleLeagueAdmin), ShouldBeFalse)
		})

		Convey("Only team admins and service admins create teams", func() {
			So(ac.CanCreateTeam("coach@example.com", RoleTeamAdmin), ShouldBeTrue)
			So(ac.CanCreateTeam("root@example.com", RolePlayer), ShouldBeTrue)
			So(ac.CanCreateTeam("kid@example.com", RolePlayer), ShouldBeFalse)
		})

		Convey("With a deny-by-default policy", func() {
			policy := &UserAccessPolicy{
				DefaultPolicy:      "deny",
				DefaultDenyMessage: "Invite only",
				DefaultMaxGames:    2,
				DefaultMaxTeams:    1,
				Admins:             []string{"Ops@example.com"},
				Users: map[string]UserOverride{
					"Friend@example.com":  {Access: "allow", MaxGames: 10},
					"blocked@example.com": {Access: "deny"},
					"nogames@example.com": {Access: "allow", MaxGames: -1},
				},
			}
			So(policy.normalize(), ShouldBeNil)
			env.registry.UpdateAccessPolicy(policy)

			Convey("Unknown users are denied with the policy message", func() {
				ok, msg := ac.IsAllowed("stranger@example.com")
				So(ok, ShouldBeFalse)
				So(msg, ShouldEqual, "Invite only")
			})

			Convey("Overrides and admins are allowed", func() {
				ok, _ := ac.IsAllowed("friend@example.com")
				So(ok, ShouldBeTrue)
				ok, _ = ac.IsAllowed("ops@example.com")
				So(ok, ShouldBeTrue)
				So(ac.IsAdmin("ops@example.com", RolePlayer), ShouldBeTrue)
				ok, _ = ac.IsAllowed("blocked@example.com")
				So(ok, ShouldBeFalse)
			})

			Convey("Quotas come from the defaults unless overridden", func() {
				So(ac.CheckGameQuota("friend@example.com", 9), ShouldBeNil)
				So(ac.CheckGameQuota("friend@example.com", 10), ShouldNotBeNil)
				So(ac.CheckTeamQuota("friend@example.com", 1), ShouldNotBeNil)
				games, teams := ac.GetUserQuotas("friend@example.com")
				So(games, ShouldEqual, 10)
				So(teams, ShouldEqual, 1)
			})

			Convey("A negative limit allows nothing", func() {
				So(ac.CheckGameQuota("nogames@example.com", 0), ShouldNotBeNil)
			})
		})

		Convey("Invalid policies are rejected", func() {
			So((&UserAccessPolicy{DefaultPolicy: "maybe"}).normalize(), ShouldNotBeNil)
			bad := &UserAccessPolicy{Users: map[string]UserOverride{"a@example.com": {Access: "sometimes"}}}
			So(bad.normalize(), ShouldNotBeNil)
		})

		Convey("The policy survives a save and load", func() {
			p := &UserAccessPolicy{DefaultPolicy: "deny", Admins: []string{"a@example.com"}}
			So(saveAccessPolicy(env.storage, p), ShouldBeNil)
			loaded, err := loadAccessPolicy(env.storage)
			So(err, ShouldBeNil)
			So(loaded.DefaultPolicy, ShouldEqual, "deny")
			So(loaded.Admins, ShouldResemble, []string{"a@example.com"})

			So(deleteAccessPolicy(env.storage), ShouldBeNil)
			loaded, err = loadAccessPolicy(env.storage)
			So(err, ShouldBeNil)
			So(loaded, ShouldBeNil)
		})
	})
}
