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
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ttbt-io/dugout/backend/bases"
)

// Metrics holds the service's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	eventsMapped    *prometheus.CounterVec
	unknownCodes    prometheus.Counter
	runsScored      prometheus.Counter
	entriesAppended prometheus.Counter
	entriesUndone   prometheus.Counter
	voiceCommands   *prometheus.CounterVec
	statsCache      *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	wsConnections   prometheus.Gauge
	activeHubs      prometheus.Gauge
	totalGames      prometheus.GaugeFunc
	totalTeams      prometheus.GaugeFunc
}

// NewMetrics registers the collectors. counts, when non-nil, backs the
// total games and teams gauges.
func NewMetrics(counts func() (games, teams int)) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	auto := promauto.With(reg)

	const ns = "dugout"
	m := &Metrics{registry: reg}
	m.eventsMapped = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "events_mapped_total",
		Help: "Hit codes applied to base occupancy, by code.",
	}, []string{"code"})
	m.unknownCodes = auto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "events_ignored_total",
		Help: "Codes that did not move any runner.",
	})
	m.runsScored = auto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "runs_scored_total",
		Help: "Runs produced by mapped events.",
	})
	m.entriesAppended = auto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "entries_appended_total",
		Help: "Plate appearances added to game logs.",
	})
	m.entriesUndone = auto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "entries_undone_total",
		Help: "Plate appearances removed by undo.",
	})
	m.voiceCommands = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "voice_commands_total",
		Help: "Parsed voice transcripts, by command kind.",
	}, []string{"kind"})
	m.statsCache = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "stats_cache_total",
		Help: "Stat sheet cache lookups, by result.",
	}, []string{"result"})
	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "http_requests_total",
		Help: "HTTP requests, by route and status code.",
	}, []string{"route", "code"})
	m.httpDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "http_request_duration_seconds",
		Help:    "HTTP request latency, by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	m.wsConnections = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "websocket_connections",
		Help: "Open websocket subscriptions.",
	})
	m.activeHubs = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "active_hubs",
		Help: "Games with a running hub.",
	})
	if counts != nil {
		m.totalGames = auto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: ns, Name: "games",
			Help: "Games in the registry, excluding tombstones.",
		}, func() float64 { g, _ := counts(); return float64(g) })
		m.totalTeams = auto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: ns, Name: "teams",
			Help: "Teams in the registry, excluding tombstones.",
		}, func() float64 { _, t := counts(); return float64(t) })
	}
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAdvance records one mapper call.
func (m *Metrics) ObserveAdvance(codes []string, res bases.Result) {
	if m == nil {
		return
	}
	for _, c := range codes {
		if ec, ok := bases.ParseEventCode(c); ok {
			m.eventsMapped.WithLabelValues(string(ec)).Inc()
		}
	}
	m.unknownCodes.Add(float64(len(res.Ignored)))
	m.runsScored.Add(float64(res.Runs()))
}

func (m *Metrics) EntriesAppended(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.entriesAppended.Add(float64(n))
}

func (m *Metrics) EntryUndone() {
	if m == nil {
		return
	}
	m.entriesUndone.Inc()
}

func (m *Metrics) VoiceCommand(kind string) {
	if m == nil {
		return
	}
	m.voiceCommands.WithLabelValues(kind).Inc()
}

func (m *Metrics) statsCacheResult(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.statsCache.WithLabelValues("hit").Inc()
	} else {
		m.statsCache.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) statsCacheEvicted() {
	if m == nil {
		return
	}
	m.statsCache.WithLabelValues("evict").Inc()
}

func (m *Metrics) wsOpened() {
	if m != nil {
		m.wsConnections.Inc()
	}
}

func (m *Metrics) wsClosed() {
	if m != nil {
		m.wsConnections.Dec()
	}
}

func (m *Metrics) hubStarted() {
	if m != nil {
		m.activeHubs.Inc()
	}
}

func (m *Metrics) hubStopped() {
	if m != nil {
		m.activeHubs.Dec()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Instrument wraps a handler with request counting under the given route
// label.
func (m *Metrics) Instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	if m == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		m.httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
