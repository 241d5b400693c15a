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
	"net/mail"
	"net/url"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	codeRegex  = regexp.MustCompile(`^[A-Z0-9]{1,8}$`)
	colorRegex = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
)

// isValidUUID checks for a canonical 8-4-4-4-12 UUID.
func isValidUUID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// isValidEmail checks if the string is a valid email address.
func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

func validateStringLen(s string, max int, name string) error {
	if utf8.RuneCountInString(s) > max {
		return fmt.Errorf("%s exceeds max length of %d", name, max)
	}
	return nil
}

func validateEmails(list []string, name string) error {
	for _, e := range list {
		if !isValidEmail(e) {
			return fmt.Errorf("%s: invalid email %q", name, e)
		}
	}
	return nil
}

// ValidateGame checks the game header. Entries are checked by ValidateEntry.
func ValidateGame(g *Game) error {
	if !isValidUUID(g.ID) {
		return fmt.Errorf("invalid game id")
	}
	if g.Date != "" {
		if _, err := time.Parse("2006-01-02", g.Date); err != nil {
			return fmt.Errorf("invalid date %q: want YYYY-MM-DD", g.Date)
		}
	}
	for name, v := range map[string]string{"location": g.Location, "event": g.Event, "away": g.Away, "home": g.Home} {
		if err := validateStringLen(v, 100, name); err != nil {
			return err
		}
	}
	for name, id := range map[string]string{"awayTeamId": g.AwayTeamID, "homeTeamId": g.HomeTeamID} {
		if id != "" && !isValidUUID(id) {
			return fmt.Errorf("invalid %s", name)
		}
	}
	switch g.Status {
	case "", StatusScheduled, StatusOngoing, StatusFinal:
	default:
		return fmt.Errorf("invalid status %q", g.Status)
	}
	switch g.Permissions.Public {
	case "", "none", "read":
	default:
		return fmt.Errorf("invalid public permission %q", g.Permissions.Public)
	}
	for email, level := range g.Permissions.Users {
		if !isValidEmail(email) {
			return fmt.Errorf("permissions: invalid email %q", email)
		}
		if level != "read" && level != "write" {
			return fmt.Errorf("permissions: invalid level %q for %s", level, maskEmail(email))
		}
	}
	if len(g.Entries) > 0 {
		if err := ValidateEntries(g.Entries); err != nil {
			return err
		}
	}
	return nil
}

// ValidateEntry checks a single plate appearance.
func ValidateEntry(e PlateAppearance) error {
	if !isValidUUID(e.ID) {
		return fmt.Errorf("invalid entry id %q", e.ID)
	}
	if e.Inning < 1 || e.Inning > 99 {
		return fmt.Errorf("entry %s: inning out of range", e.ID)
	}
	if e.Half != HalfTop && e.Half != HalfBottom {
		return fmt.Errorf("entry %s: half must be %q or %q", e.ID, HalfTop, HalfBottom)
	}
	if e.BatterID == "" {
		return fmt.Errorf("entry %s: missing batterId", e.ID)
	}
	if err := validateStringLen(e.BatterID, 64, "batterId"); err != nil {
		return err
	}
	if len(e.Codes) == 0 || len(e.Codes) > 10 {
		return fmt.Errorf("entry %s: want 1 to 10 codes", e.ID)
	}
	for _, c := range e.Codes {
		if !codeRegex.MatchString(c) {
			return fmt.Errorf("entry %s: invalid code %q", e.ID, c)
		}
	}
	if e.Timestamp < 0 {
		return fmt.Errorf("entry %s: negative timestamp", e.ID)
	}
	return nil
}

// ValidateEntries checks a batch of plate appearances.
func ValidateEntries(entries []PlateAppearance) error {
	if len(entries) == 0 {
		return fmt.Errorf("no entries")
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if err := ValidateEntry(e); err != nil {
			return err
		}
		if seen[e.ID] {
			return fmt.Errorf("duplicate entry id %s", e.ID)
		}
		seen[e.ID] = true
	}
	return nil
}

// ValidateMediaItem checks a gallery item.
func ValidateMediaItem(m MediaItem) error {
	if !isValidUUID(m.ID) {
		return fmt.Errorf("invalid media id")
	}
	if err := validateStringLen(m.URL, 2048, "url"); err != nil {
		return err
	}
	u, err := url.Parse(m.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("media url must be an absolute http or https URL")
	}
	return validateStringLen(m.Caption, maxCaptionLength, "caption")
}

// ValidateTeam checks a team record.
func ValidateTeam(t *Team) error {
	if !isValidUUID(t.ID) {
		return fmt.Errorf("invalid team id")
	}
	if t.Name == "" {
		return fmt.Errorf("team name is required")
	}
	if err := validateStringLen(t.Name, 100, "name"); err != nil {
		return err
	}
	if err := validateStringLen(t.ShortName, 10, "shortName"); err != nil {
		return err
	}
	if t.Color != "" && !colorRegex.MatchString(t.Color) {
		return fmt.Errorf("invalid color %q", t.Color)
	}
	if len(t.Roster) > 100 {
		return fmt.Errorf("roster too large")
	}
	for _, p := range t.Roster {
		if p.ID == "" {
			return fmt.Errorf("roster: player id is required")
		}
		if err := validateStringLen(p.ID, 64, "player id"); err != nil {
			return err
		}
		if err := validateStringLen(p.Name, 100, "player name"); err != nil {
			return err
		}
		if err := validateStringLen(p.Number, 4, "player number"); err != nil {
			return err
		}
		if err := validateStringLen(p.Pos, 4, "player position"); err != nil {
			return err
		}
		if p.Email != "" && !isValidEmail(p.Email) {
			return fmt.Errorf("roster: invalid email %q", p.Email)
		}
	}
	if err := validateEmails(t.Roles.Admins, "admins"); err != nil {
		return err
	}
	if err := validateEmails(t.Roles.Scorekeepers, "scorekeepers"); err != nil {
		return err
	}
	if err := validateEmails(t.Roles.Players, "players"); err != nil {
		return err
	}
	if len(t.Media) > maxMediaItems {
		return fmt.Errorf("too many media items")
	}
	for _, m := range t.Media {
		if err := ValidateMediaItem(m); err != nil {
			return err
		}
	}
	return nil
}
