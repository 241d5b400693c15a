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

// Package bases maps batting events onto base occupancy.
//
// Occupancy is a three-slot record (first, second, third). Each hit code is a
// transition over the eight possible occupancy states. Runner identity is never
// tracked, only whether a base is occupied.
package bases

import (
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Labels recorded in Result.Scored.
const (
	LabelFirst  = "first"
	LabelSecond = "second"
	LabelThird  = "third"
	LabelBatter = "batter"
)

// Occupancy records which bases currently hold a runner.
type Occupancy struct {
	First  bool `json:"first"`
	Second bool `json:"second"`
	Third  bool `json:"third"`
}

// Loaded is the bases-loaded occupancy.
var Loaded = Occupancy{First: true, Second: true, Third: true}

// Count returns the number of occupied bases.
func (o Occupancy) Count() int {
	n := 0
	for _, b := range []bool{o.First, o.Second, o.Third} {
		if b {
			n++
		}
	}
	return n
}

// Empty reports whether all bases are vacant.
func (o Occupancy) Empty() bool {
	return !o.First && !o.Second && !o.Third
}

// State returns the occupancy as a 3-bit value: bit 0 is first base, bit 2 is third.
func (o Occupancy) State() uint8 {
	var s uint8
	if o.First {
		s |= 1
	}
	if o.Second {
		s |= 2
	}
	if o.Third {
		s |= 4
	}
	return s
}

// FromState is the inverse of State. Bits above the third are ignored.
func FromState(s uint8) Occupancy {
	return Occupancy{First: s&1 != 0, Second: s&2 != 0, Third: s&4 != 0}
}

// String renders the occupancy in scorebook notation, e.g. "1-3" or "---".
func (o Occupancy) String() string {
	b := []byte("---")
	if o.First {
		b[0] = '1'
	}
	if o.Second {
		b[1] = '2'
	}
	if o.Third {
		b[2] = '3'
	}
	return string(b)
}

// occupied returns the runner at each base, lead runner first.
func (o Occupancy) occupied() []int {
	var bases []int
	if o.Third {
		bases = append(bases, 3)
	}
	if o.Second {
		bases = append(bases, 2)
	}
	if o.First {
		bases = append(bases, 1)
	}
	return bases
}

func (o *Occupancy) set(base int) {
	switch base {
	case 1:
		o.First = true
	case 2:
		o.Second = true
	case 3:
		o.Third = true
	}
}

func baseLabel(base int) string {
	switch base {
	case 1:
		return LabelFirst
	case 2:
		return LabelSecond
	default:
		return LabelThird
	}
}

// EventCode is a batting-event token.
type EventCode string

// Hit codes that move runners. Every other code is a no-op for occupancy.
const (
	Single  EventCode = "1B"
	Double  EventCode = "2B"
	Triple  EventCode = "3B"
	HomeRun EventCode = "HR"
)

var eventAliases = map[string]EventCode{
	"1B":      Single,
	"SINGLE":  Single,
	"2B":      Double,
	"DOUBLE":  Double,
	"3B":      Triple,
	"TRIPLE":  Triple,
	"HR":      HomeRun,
	"HOMERUN": HomeRun,
	"HOMER":   HomeRun,
}

// ParseEventCode normalizes a raw token. It accepts the scorebook tokens
// (1B, 2B, 3B, HR) and the spelled-out names, case-insensitively.
// ok is false for every code that does not advance runners.
func ParseEventCode(raw string) (EventCode, bool) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "", "-", "", "_", "").Replace(key)
	c, ok := eventAliases[key]
	return c, ok
}

// Bases returns how many bases the batter gains: 1 for a single up to 4 for a
// home run. It is 0 for codes that do not advance runners.
func (c EventCode) Bases() int {
	switch c {
	case Single:
		return 1
	case Double:
		return 2
	case Triple:
		return 3
	case HomeRun:
		return 4
	}
	return 0
}

// Apply is the transition function for one event. It returns the next
// occupancy and the labels of the runners who scored, lead runner first.
// Codes that do not advance runners return o unchanged.
func (o Occupancy) Apply(c EventCode) (Occupancy, []string) {
	n := c.Bases()
	if n == 0 {
		return o, nil
	}
	snapshot := o
	var next Occupancy
	var scored []string
	for _, base := range snapshot.occupied() {
		if base+n > 3 {
			scored = append(scored, baseLabel(base))
			continue
		}
		next.set(base + n)
	}
	if n > 3 {
		scored = append(scored, LabelBatter)
	} else {
		next.set(n)
	}
	return next, scored
}

// Result is the outcome of applying a sequence of event codes.
type Result struct {
	Bases Occupancy `json:"bases"`
	// Scored is append-only: a base label appears once per run it produced.
	Scored []string `json:"scored"`
	// Ignored lists the non-empty codes that did not move any runner.
	Ignored []string `json:"ignored,omitempty"`
}

// Runs returns the number of runs scored.
func (r Result) Runs() int {
	return len(r.Scored)
}

// Mapper applies event sequences to an occupancy. The zero value is not
// usable; use New. A Mapper holds no mutable state and is safe for
// concurrent use.
type Mapper struct {
	logger hclog.Logger
}

// Option configures a Mapper.
type Option func(*Mapper)

// WithLogger sets the diagnostic logger.
func WithLogger(l hclog.Logger) Option {
	return func(m *Mapper) {
		if l != nil {
			m.logger = l
		}
	}
}

// New returns a Mapper.
func New(opts ...Option) *Mapper {
	m := &Mapper{logger: hclog.NewNullLogger()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Advance applies codes left to right starting from prior. It never fails:
// empty codes are skipped and unrecognized codes leave the occupancy as is.
func (m *Mapper) Advance(prior Occupancy, codes []string) Result {
	res := Result{Bases: prior, Scored: make([]string, 0)}
	for _, raw := range codes {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		code, ok := ParseEventCode(raw)
		if !ok {
			m.logger.Debug("unknown event code", "code", raw, "bases", res.Bases.String())
			res.Ignored = append(res.Ignored, raw)
			continue
		}
		next, scored := res.Bases.Apply(code)
		m.logger.Trace("advance", "code", string(code), "from", res.Bases.String(), "to", next.String(), "scored", len(scored))
		res.Bases = next
		res.Scored = append(res.Scored, scored...)
	}
	return res
}

var defaultMapper = New()

// Advance applies codes to prior with a Mapper that discards diagnostics.
func Advance(prior Occupancy, codes ...string) Result {
	return defaultMapper.Advance(prior, codes)
}
