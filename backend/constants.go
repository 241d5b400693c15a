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

// Schema Versions
const (
	SchemaVersionV1      = 1
	CurrentSchemaVersion = SchemaVersionV1
)

const (
	CurrentProtocolVersion = 1
	CurrentAppVersion      = "0.1.0"
)

// Half innings
const (
	HalfTop    = "top"
	HalfBottom = "bottom"
)

// Game status
const (
	StatusScheduled = "scheduled"
	StatusOngoing   = "ongoing"
	StatusFinal     = "final"
	StatusDeleted   = "deleted"
)

// Plate appearance outcome codes. Only the hits move runners; see package
// bases for the occupancy transitions.
const (
	CodeSingle           = "1B"
	CodeDouble           = "2B"
	CodeTriple           = "3B"
	CodeHomeRun          = "HR"
	CodeWalk             = "BB"
	CodeIntentionalWalk  = "IBB"
	CodeHitByPitch       = "HBP"
	CodeStrikeout        = "K"
	CodeStrikeoutLooking = "KL"
	CodeSacrifice        = "SAC"
	CodeSacrificeFly     = "SF"
	CodeFieldersChoice   = "FC"
	CodeDoublePlay       = "DP"
)

// Codes that end a plate appearance without an official at-bat.
var nonAtBatCodes = map[string]bool{
	CodeWalk:            true,
	CodeIntentionalWalk: true,
	CodeHitByPitch:      true,
	CodeSacrifice:       true,
	CodeSacrificeFly:    true,
}

// Global roles carried in the "role" token claim.
type Role string

const (
	RolePlayer      Role = "player"
	RoleTeamAdmin   Role = "team-admin"
	RoleLeagueAdmin Role = "league-admin"
)

// Limits
const (
	maxEntriesPerRequest = 100
	maxCaptionLength     = 200
	maxMediaItems        = 500
)
