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

// Package voice turns transcribed scorekeeper speech into scoring events.
package voice

import (
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Kind is the type of a spoken command.
type Kind string

const (
	KindScore   Kind = "score"
	KindUndo    Kind = "undo"
	KindNext    Kind = "next"
	KindUnknown Kind = "unknown"
)

// Command is the result of parsing one transcript.
type Command struct {
	Kind       Kind     `json:"kind"`
	Codes      []string `json:"codes,omitempty"`
	Transcript string   `json:"transcript"`
}

const position = `(pitcher|catcher|first|second|third|short(?:stop)?|left|center|centre|right)(?: field(?:er)?)?`

var positionNumbers = map[string]string{
	"pitcher":   "1",
	"catcher":   "2",
	"first":     "3",
	"second":    "4",
	"third":     "5",
	"short":     "6",
	"shortstop": "6",
	"left":      "7",
	"center":    "8",
	"centre":    "8",
	"right":     "9",
}

type rule struct {
	re *regexp.Regexp
	// code builds the event code from the submatches. The last submatch, when
	// present, is the fielder's position.
	code func(m []string) string
}

func fixed(code string) func([]string) string {
	return func([]string) string { return code }
}

func withFielder(prefix string) func([]string) string {
	return func(m []string) string {
		if len(m) > 1 {
			if n, ok := positionNumbers[m[len(m)-1]]; ok {
				return prefix + n
			}
		}
		return prefix
	}
}

// Rules are tried in order; a later rule never matches text already claimed
// by an earlier one. "double play" must precede "double", and "ground rule
// double" must precede the ground ball rule. An empty code claims text
// without producing an event.
var rules = []rule{
	{regexp.MustCompile(`\bwalk[- ]off\b`), fixed("")},
	{regexp.MustCompile(`\bdouble play\b`), fixed("DP")},
	{regexp.MustCompile(`\bground[- ]rule double\b`), fixed("2B")},
	{regexp.MustCompile(`\bsac(?:rifice)? fly\b`), fixed("SF")},
	{regexp.MustCompile(`\bsac(?:rifice)?(?: bunt)?\b`), fixed("SAC")},
	{regexp.MustCompile(`\bfielder'?s choice\b`), fixed("FC")},
	{regexp.MustCompile(`\bhit by (?:the )?pitch\b`), fixed("HBP")},
	{regexp.MustCompile(`\b(?:home run|homer(?:ed)?|grand slam|dinger)\b`), fixed("HR")},
	{regexp.MustCompile(`\btriple[ds]?\b`), fixed("3B")},
	{regexp.MustCompile(`\b(?:double[ds]?|two[- ]base hit)\b`), fixed("2B")},
	{regexp.MustCompile(`\b(?:single[ds]?|base hit)\b`), fixed("1B")},
	{regexp.MustCompile(`\bintentional(?:ly)? walk(?:ed|s)?\b`), fixed("IBB")},
	{regexp.MustCompile(`\b(?:walk(?:ed|s)?|base on balls)\b`), fixed("BB")},
	{regexp.MustCompile(`\b(?:struck out looking|strikes out looking|strike ?out looking|caught looking)\b`), fixed("KL")},
	{regexp.MustCompile(`\b(?:strike ?out|struck out|strikes out|k)\b`), fixed("K")},
	{regexp.MustCompile(`\b(?:fly|flied|flies) ?(?:out|ball)?(?: to (?:the )?` + position + `)?\b`), withFielder("F")},
	{regexp.MustCompile(`\b(?:line ?out|lined out|lines out)(?: to (?:the )?` + position + `)?\b`), withFielder("L")},
	{regexp.MustCompile(`\b(?:pop(?:ped)? ?(?:up|out)|pops (?:up|out))(?: to (?:the )?` + position + `)?\b`), withFielder("P")},
	{regexp.MustCompile(`\b(?:grounder|ground(?:ed|s)? ?(?:out|ball)?)(?: to (?:the )?` + position + `)?\b`), withFielder("G")},
	{regexp.MustCompile(`\berror(?: (?:on|by) (?:the )?` + position + `)?`), withFielder("E")},
}

var (
	undoRe     = regexp.MustCompile(`^(?:undo|scratch that|take that back|never ?mind)\b`)
	nextRe     = regexp.MustCompile(`^(?:next batter|next up|next)$`)
	cleanupRe  = regexp.MustCompile(`[^a-z0-9' -]+`)
	collapseRe = regexp.MustCompile(`\s+`)
)

// Parser matches transcripts against the command grammar.
type Parser struct {
	logger hclog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the diagnostic logger.
func WithLogger(l hclog.Logger) Option {
	return func(p *Parser) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a Parser.
func New(opts ...Option) *Parser {
	p := &Parser{logger: hclog.NewNullLogger()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = cleanupRe.ReplaceAllString(s, " ")
	s = collapseRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

type match struct {
	start, end int
	code       string
}

// Parse maps a transcript to a command. Codes are returned in the order they
// were spoken. Unrecognized speech yields KindUnknown.
func (p *Parser) Parse(transcript string) Command {
	text := normalize(transcript)
	cmd := Command{Kind: KindUnknown, Transcript: transcript}
	if text == "" {
		return cmd
	}
	if undoRe.MatchString(text) {
		cmd.Kind = KindUndo
		return cmd
	}
	if nextRe.MatchString(text) {
		cmd.Kind = KindNext
		return cmd
	}

	var found []match
	claimed := make([]bool, len(text))
	for _, r := range rules {
		for _, loc := range r.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if overlaps(claimed, start, end) {
				continue
			}
			var groups []string
			for i := 0; i < len(loc); i += 2 {
				if loc[i] < 0 {
					groups = append(groups, "")
					continue
				}
				groups = append(groups, text[loc[i]:loc[i+1]])
			}
			for i := start; i < end; i++ {
				claimed[i] = true
			}
			found = append(found, match{start: start, end: end, code: r.code(groups)})
		}
	}
	if len(found) == 0 {
		p.logger.Debug("unrecognized transcript", "text", text)
		return cmd
	}
	sort.Slice(found, func(i, j int) bool { return found[i].start < found[j].start })
	cmd.Kind = KindScore
	for _, m := range found {
		if m.code != "" {
			cmd.Codes = append(cmd.Codes, m.code)
		}
	}
	if len(cmd.Codes) == 0 {
		cmd.Kind = KindUnknown
		return cmd
	}
	p.logger.Trace("parsed transcript", "text", text, "codes", strings.Join(cmd.Codes, ","))
	return cmd
}

func overlaps(claimed []bool, start, end int) bool {
	for i := start; i < end; i++ {
		if claimed[i] {
			return true
		}
	}
	return false
}

var defaultParser = New()

// Parse maps a transcript with a Parser that discards diagnostics.
func Parse(transcript string) Command {
	return defaultParser.Parse(transcript)
}
