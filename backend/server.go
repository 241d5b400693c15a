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
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/ttbt-io/dugout/backend/bases"
	"github.com/ttbt-io/dugout/backend/voice"
)

func generateETag(data []byte) string {
	return fmt.Sprintf("\"%x\"", sha256.Sum256(data))
}

func hubBusyResponse(w http.ResponseWriter, retryAfter string) {
	w.Header().Set("Retry-After", retryAfter)
	http.Error(w, "Too Many Requests: Server is busy", http.StatusTooManyRequests)
}

func parsePagination(r *http.Request) (int, int, string, string, string) {
	limit := 50
	offset := 0
	sortBy := r.URL.Query().Get("sortBy")
	order := r.URL.Query().Get("order")
	query := r.URL.Query().Get("q")

	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil {
			offset = val
		}
	}

	if limit < 1 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	return limit, offset, sortBy, order, query
}

// Options represent server options.
type Options struct {
	Addr        string
	Cert        *tls.Certificate
	DataDir     string
	UseMockAuth bool
	Debug       bool
	GameStore   *GameStore
	TeamStore   *TeamStore
	Storage     *storage.Storage
	MasterKey   crypto.MasterKey
	Registry    *Registry
	Listener    net.Listener
	Metrics     *Metrics
	// Logger receives component diagnostics from the mapper, the voice
	// parser and raft.
	Logger hclog.Logger

	// Raft Options
	RaftEnabled           bool
	RaftBind              string
	RaftAdvertise         string
	RaftSecret            string
	RaftJoin              string // HTTP base URL of a member to join
	RaftBootstrap         bool
	RaftManager           *RaftManager // Allow injecting pre-configured RaftManager
	UseProductionTimeouts bool         // Set to true to use longer timeouts (e.g. for production)
	ClusterAdvertise      string

	// Auth Options
	AuthCookieName string
	AuthJWKSURL    string

	// Access Control Options
	BootstrapAdmin string

	StatsCacheSize int
	HubIdleTimeout time.Duration
}

const (
	retryAfterLoad = "2"
	retryAfterSave = "10"

	maxBodySize     = 1 << 20
	maxGameBodySize = 20 << 20
)

// Server represents the running server instance.
type Server struct {
	httpServer *http.Server
	raftMgr    *RaftManager
	registry   *Registry
}

// Shutdown gracefully shuts down the server and Raft node.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []string

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("http: %v", err))
	}
	if s.registry != nil {
		s.registry.StopGC()
	}
	if s.raftMgr != nil {
		if err := s.raftMgr.Shutdown(); err != nil {
			errs = append(errs, fmt.Sprintf("raft: %v", err))
		}
	}
	if s.registry != nil {
		if err := s.registry.gameStore.FlushAll(); err != nil {
			errs = append(errs, fmt.Sprintf("flush: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %s", strings.Join(errs, ", "))
	}
	return nil
}

// StartServer starts the web server and registers the API handlers.
func StartServer(opts Options) (*Server, error) {
	if opts.Registry == nil {
		opts = withStores(opts)
	}
	raftMgr, handler, err := NewServerHandler(opts)
	if err != nil {
		return nil, err
	}

	if raftMgr != nil {
		// Replay the log before serving so reads see current data.
		if err := raftMgr.WaitForSync(30 * time.Second); err != nil {
			log.Printf("Warning: Raft sync timed out: %v", err)
		}
		if opts.RaftJoin != "" && !opts.RaftBootstrap {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				if err := raftMgr.RequestJoin(ctx, opts.RaftJoin); err != nil {
					log.Printf("[RAFT] Join via %s failed: %v", opts.RaftJoin, err)
				}
			}()
		}
	}
	opts.Registry.StartGC()

	httpServer := &http.Server{
		Addr:    opts.Addr,
		Handler: handler,
	}
	if opts.Cert != nil {
		httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*opts.Cert},
		}
	}

	go func() {
		var err error
		switch {
		case opts.Listener != nil && httpServer.TLSConfig != nil:
			log.Printf("Starting HTTPS server on provided listener %s...", opts.Listener.Addr())
			err = httpServer.ServeTLS(opts.Listener, "", "")
		case opts.Listener != nil:
			log.Printf("Starting HTTP server on provided listener %s...", opts.Listener.Addr())
			err = httpServer.Serve(opts.Listener)
		case httpServer.TLSConfig != nil:
			log.Printf("Starting HTTPS server on %s...", opts.Addr)
			err = httpServer.ListenAndServeTLS("", "")
		default:
			log.Printf("Starting HTTP server on %s...", opts.Addr)
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, net.ErrClosed) && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	return &Server{
		httpServer: httpServer,
		raftMgr:    raftMgr,
		registry:   opts.Registry,
	}, nil
}

// withStores fills in the stores and registry the options leave unset.
func withStores(opts Options) Options {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.Storage == nil {
		opts.Storage = storage.New(opts.DataDir, opts.MasterKey)
	}
	if opts.GameStore == nil {
		opts.GameStore = NewGameStore(opts.DataDir, opts.Storage)
	}
	if opts.TeamStore == nil {
		opts.TeamStore = NewTeamStore(opts.DataDir, opts.Storage)
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry(opts.GameStore, opts.TeamStore)
	}
	return opts
}

// api holds the dependencies shared by the HTTP handlers.
type api struct {
	opts     Options
	gs       *GameStore
	ts       *TeamStore
	registry *Registry
	ac       *AccessControl
	hm       *HubManager
	raftMgr  *RaftManager
	mapper   *bases.Mapper
	parser   *voice.Parser
	stats    *StatsService
	metrics  *Metrics

	// teamLocks serializes read-modify-write cycles on one team.
	teamLocks sync.Map
}

// NewServerHandler creates and configures the HTTP handler for the server.
// When raft is enabled the node is started before the handler is returned.
func NewServerHandler(opts Options) (*RaftManager, http.Handler, error) {
	opts = withStores(opts)
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	registry := opts.Registry
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(func() (int, int) {
			return registry.CountTotalGames(), registry.CountTotalTeams()
		})
	}
	if opts.StatsCacheSize <= 0 {
		opts.StatsCacheSize = 256
	}

	mapper := bases.New(bases.WithLogger(logger.Named("bases")))
	a := &api{
		opts:     opts,
		gs:       opts.GameStore,
		ts:       opts.TeamStore,
		registry: registry,
		ac:       NewAccessControl(registry, opts.BootstrapAdmin),
		hm:       NewHubManager(opts.GameStore, opts.TeamStore, registry, mapper, metrics, opts.HubIdleTimeout),
		mapper:   mapper,
		parser:   voice.New(voice.WithLogger(logger.Named("voice"))),
		stats:    NewStatsService(opts.GameStore, registry, mapper, metrics, opts.StatsCacheSize),
		metrics:  metrics,
	}

	if opts.RaftEnabled {
		raftMgr := opts.RaftManager
		if raftMgr == nil {
			raftDataDir := filepath.Join(opts.DataDir, "raft")
			if err := os.MkdirAll(raftDataDir, 0755); err != nil {
				return nil, nil, fmt.Errorf("create raft data directory: %w", err)
			}
			fsm := NewFSM(opts.GameStore, opts.TeamStore, registry, a.hm, opts.Storage)
			raftMgr = NewRaftManager(raftDataDir, opts.RaftBind, opts.RaftAdvertise, opts.ClusterAdvertise, opts.RaftSecret, opts.MasterKey, fsm, logger.Named("raft"))
			raftMgr.UseProductionTimeouts = opts.UseProductionTimeouts
		}
		a.raftMgr = raftMgr
		a.hm.SetRaftManager(raftMgr)
	}

	mux := http.NewServeMux()
	handle := func(pattern, route string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, metrics.Instrument(route, h))
	}

	handle("POST /api/advance", "/api/advance", a.handleAdvance)
	handle("POST /api/voice", "/api/voice", a.handleVoice)
	handle("GET /api/me", "/api/me", a.handleMe)

	handle("POST /api/save-game", "/api/save-game", a.handleSaveGame)
	handle("GET /api/load/{id}", "/api/load", a.handleLoadGame)
	handle("GET /api/list-games", "/api/list-games", a.handleListGames)
	handle("POST /api/list-games", "/api/list-games", a.handleListGames)
	handle("POST /api/delete-game/{id}", "/api/delete-game", a.handleDeleteGame)
	handle("POST /api/entries", "/api/entries", a.handleEntries)
	handle("POST /api/undo", "/api/undo", a.handleUndo)
	handle("GET /api/scoresheet/{id}", "/api/scoresheet", a.handleScoresheet)
	handle("GET /api/stats/game/{id}", "/api/stats/game", a.handleGameStats)
	handle("GET /api/stats/team/{id}", "/api/stats/team", a.handleTeamStats)

	handle("POST /api/save-team", "/api/save-team", a.handleSaveTeam)
	handle("GET /api/load-team/{id}", "/api/load-team", a.handleLoadTeam)
	handle("GET /api/list-teams", "/api/list-teams", a.handleListTeams)
	handle("POST /api/list-teams", "/api/list-teams", a.handleListTeams)
	handle("POST /api/delete-team/{id}", "/api/delete-team", a.handleDeleteTeam)
	handle("POST /api/team-media/{id}", "/api/team-media", a.handleAddMedia)
	handle("DELETE /api/team-media/{id}", "/api/team-media", a.handleRemoveMedia)

	handle("/api/admin/policy", "/api/admin/policy", a.handlePolicy)
	handle("GET /ws", "/ws", a.handleWS)
	mux.Handle("GET /metrics", metrics.Handler())

	handle("/api/cluster/join", "/api/cluster/join", func(w http.ResponseWriter, r *http.Request) {
		if a.raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusNotImplemented)
			return
		}
		a.raftMgr.handleJoin(w, r)
	})
	handle("/api/cluster/status", "/api/cluster/status", func(w http.ResponseWriter, r *http.Request) {
		if a.raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusNotImplemented)
			return
		}
		a.raftMgr.handleStatus(w, r)
	})

	handler := http.Handler(mux)
	if opts.UseMockAuth {
		handler = mockAuthMiddleware(handler)
	} else {
		handler = jwtAuthMiddleware(opts, handler)
	}
	if opts.Debug {
		handler = loggingMiddleware(handler)
	}
	handler = securityMiddleware(handler)
	handler = cacheControlMiddleware(handler)

	if a.raftMgr != nil && a.raftMgr.Raft == nil {
		if err := a.raftMgr.Start(opts.RaftBootstrap); err != nil {
			return nil, nil, fmt.Errorf("start raft: %w", err)
		}
	}
	return a.raftMgr, handler, nil
}

// readBody reads a request body of at most limit bytes. The bytes are kept so
// that writes can be replayed against the leader.
func readBody(w http.ResponseWriter, r *http.Request, limit int64, v any) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		http.Error(w, "Bad Request: Body too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// writeJSONWithETag answers 304 when the client already has the same bytes.
func writeJSONWithETag(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Internal Server Error during JSON Marshal: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	etag := generateETag(data)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// fail maps an error to a response. Writes that reached a follower are
// replayed against the leader with the original body.
func (a *api) fail(w http.ResponseWriter, r *http.Request, body []byte, err error) {
	switch {
	case errors.Is(err, ErrNotLeader) && a.raftMgr != nil:
		a.raftMgr.forwardRequestToLeader(w, r, body)
	case errors.Is(err, errHubBusy):
		if r.Method == http.MethodGet {
			hubBusyResponse(w, retryAfterLoad)
		} else {
			hubBusyResponse(w, retryAfterSave)
		}
	case errors.Is(err, ErrForbidden):
		http.Error(w, "Forbidden: You do not have access to this resource", http.StatusForbidden)
	case errors.Is(err, os.ErrNotExist):
		http.Error(w, "Not Found", http.StatusNotFound)
	case errors.Is(err, ErrConflict), errors.Is(err, os.ErrExist):
		http.Error(w, "Conflict: "+err.Error(), http.StatusConflict)
	case errors.Is(err, context.Canceled):
	default:
		log.Printf("Internal Server Error on %s %s: %v", r.Method, r.URL.Path, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// user returns the caller's identity. Unless anonymous is true, the caller
// must be signed in. Callers denied by the access policy are rejected.
func (a *api) user(w http.ResponseWriter, r *http.Request, anonymous bool) (string, Role, bool) {
	userId := getUserID(r)
	role := getUserRole(r)
	if userId == "" && anonymous {
		return "", role, true
	}
	if userId == "" || !isValidEmail(userId) {
		http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
		return "", "", false
	}
	if allowed, msg := a.ac.IsAllowed(userId); !allowed {
		http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
		return "", "", false
	}
	return userId, role, true
}

func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !isValidUUID(id) {
		http.Error(w, "Bad Request: id is missing or invalid", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func (a *api) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prior bases.Occupancy `json:"prior"`
		Codes []string        `json:"codes"`
	}
	if _, ok := readBody(w, r, maxBodySize, &req); !ok {
		return
	}
	if len(req.Codes) > 100 {
		http.Error(w, "Bad Request: too many codes", http.StatusBadRequest)
		return
	}
	res := a.mapper.Advance(req.Prior, req.Codes)
	a.metrics.ObserveAdvance(req.Codes, res)
	writeJSON(w, res)
}

func (a *api) handleVoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Transcript string           `json:"transcript"`
		Prior      *bases.Occupancy `json:"prior,omitempty"`
	}
	if _, ok := readBody(w, r, maxBodySize, &req); !ok {
		return
	}
	if len(req.Transcript) > 1000 {
		http.Error(w, "Bad Request: transcript too long", http.StatusBadRequest)
		return
	}
	cmd := a.parser.Parse(req.Transcript)
	a.metrics.VoiceCommand(string(cmd.Kind))

	resp := struct {
		Command voice.Command `json:"command"`
		Preview *bases.Result `json:"preview,omitempty"`
	}{Command: cmd}
	if cmd.Kind == voice.KindScore {
		var prior bases.Occupancy
		if req.Prior != nil {
			prior = *req.Prior
		}
		res := a.mapper.Advance(prior, cmd.Codes)
		resp.Preview = &res
	}
	writeJSON(w, resp)
}

func (a *api) handleMe(w http.ResponseWriter, r *http.Request) {
	userId := getUserID(r)
	if userId == "" || !isValidEmail(userId) {
		http.Error(w, "Unauthenticated", http.StatusForbidden)
		return
	}
	role := getUserRole(r)

	allowed, msg := a.ac.IsAllowed(userId)
	maxGames, maxTeams := a.ac.GetUserQuotas(userId)
	writeJSON(w, map[string]any{
		"id":            userId,
		"role":          role,
		"allowed":       allowed,
		"message":       msg,
		"admin":         a.ac.IsAdmin(userId, role),
		"canCreateTeam": a.ac.CanCreateTeam(userId, role),
		"quotas": map[string]int{
			"maxGames":  maxGames,
			"maxTeams":  maxTeams,
			"gamesUsed": a.registry.CountOwnedGames(userId),
			"teamsUsed": a.registry.CountOwnedTeams(userId),
		},
	})
}

func (a *api) handleSaveGame(w http.ResponseWriter, r *http.Request) {
	userId, role, ok := a.user(w, r, false)
	if !ok {
		return
	}
	var g Game
	body, ok := readBody(w, r, maxGameBodySize, &g)
	if !ok {
		return
	}
	if err := ValidateGame(&g); err != nil {
		http.Error(w, fmt.Sprintf("Bad Request: Data validation failed: %v", err), http.StatusBadRequest)
		return
	}

	existing, err := a.gs.LoadGame(g.ID)
	switch {
	case errors.Is(err, os.ErrNotExist):
		existing = nil
		if err := a.ac.CheckGameQuota(userId, a.registry.CountOwnedGames(userId)); err != nil {
			http.Error(w, "Forbidden: "+err.Error(), http.StatusForbidden)
			return
		}
	case err != nil:
		a.fail(w, r, body, err)
		return
	}

	// Linking a game to a team needs write access on that team.
	for _, teamId := range []string{g.AwayTeamID, g.HomeTeamID} {
		if teamId == "" || (existing != nil && (teamId == existing.AwayTeamID || teamId == existing.HomeTeamID)) {
			continue
		}
		if a.registry.TeamAccess(userId, role, teamId) < AccessWrite {
			http.Error(w, "Forbidden: You cannot link games to this team", http.StatusForbidden)
			return
		}
	}

	resp, err := a.hm.Do(r.Context(), g.ID, HubRequest{Type: reqSave, UserId: userId, Role: role, Game: &g})
	if err != nil {
		a.fail(w, r, body, err)
		return
	}
	writeJSON(w, resp.Game.summary())
}

func (a *api) handleLoadGame(w http.ResponseWriter, r *http.Request) {
	userId, role, ok := a.user(w, r, true)
	if !ok {
		return
	}
	gameId, ok := pathID(w, r)
	if !ok {
		return
	}
	resp, err := a.hm.Do(r.Context(), gameId, HubRequest{Type: reqLoad, UserId: userId, Role: role})
	if err != nil {
		a.fail(w, r, nil, err)
		return
	}
	writeJSONWithETag(w, r, resp.Game)
}

// knownIDs reads the optional {"knownIds": [...]} body of a list request.
func knownIDs(w http.ResponseWriter, r *http.Request) []string {
	if r.Method != http.MethodPost {
		return nil
	}
	var body struct {
		KnownIds []string `json:"knownIds"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		return nil
	}
	return body.KnownIds
}

type listMeta struct {
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

func page(ids []string, offset, limit int) []string {
	if offset >= len(ids) {
		return nil
	}
	return ids[offset:min(offset+limit, len(ids))]
}

func (a *api) handleListGames(w http.ResponseWriter, r *http.Request) {
	userId, role, ok := a.user(w, r, false)
	if !ok {
		return
	}
	known := knownIDs(w, r)
	limit, offset, sortBy, order, query := parsePagination(r)
	ids := a.registry.ListGames(userId, role, sortBy, order, query)

	games := make([]GameSummary, 0)
	for _, gid := range page(ids, offset, limit) {
		g, err := a.gs.LoadGame(gid)
		if err != nil {
			continue
		}
		games = append(games, g.summary())
	}
	for _, kid := range known {
		if a.registry.IsGameDeleted(kid) {
			games = append(games, GameSummary{ID: kid, Status: StatusDeleted})
		}
	}

	writeJSONWithETag(w, r, struct {
		Data []GameSummary `json:"data"`
		Meta listMeta      `json:"meta"`
	}{games, listMeta{Total: len(ids), Offset: offset, Limit: limit}})
}

func (a *api) handleDeleteGame(w http.ResponseWriter, r *http.Request) {
	userId, role, ok := a.user(w, r, false)
	if !ok {
		return
	}
	gameId, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := a.hm.Do(r.Context(), gameId, HubRequest{Type: reqDelete, UserId: userId, Role: role}); err != nil {
		a.fail(w, r, nil, err)
		return
	}
	a.log("Game %s deleted by %s", gameId, maskEmail(userId))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Game %s deleted successfully", gameId)
}

func (a *api) handleEntries(w http.ResponseWriter, r *http.Request) {
	userId, role, ok := a.user(w, r, false)
	if !ok {
		return
	}
	var req struct {
		GameID       string            `json:"gameId"`
		BaseRevision string            `json:"baseRevision,omitempty"`
		Entries      []PlateAppearance `json:"entries"`
	}
	body, ok := readBody(w, r, maxBodySize, &req)
	if !ok {
		return
	}
	if !isValidUUID(req.GameID) {
		http.Error(w, "Bad Request: gameId is missing or invalid", http.StatusBadRequest)
		return
	}
	if len(req.Entries) > maxEntriesPerRequest {
		http.Error(w, fmt.Sprintf("Bad Request: at most %d entries per request", maxEntriesPerRequest), http.StatusBadRequest)
		return
	}
	if err := ValidateEntries(req.Entries); err != nil {
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}

	resp, err := a.hm.Do(r.Context(), req.GameID, HubRequest{
		Type:         reqAppend,
		UserId:       userId,
		Role:         role,
		Entries:      req.Entries,
		BaseRevision: req.BaseRevision,
	})
	if err != nil {
		a.fail(w, r, body, err)
		return
	}
	writeJSON(w, map[string]any{
		"revision": resp.Game.Revision,
		"results":  resp.Results,
		"live":     resp.Live,
	})
}

func (a *api) handleUndo(w http.ResponseWriter, r *http.Request) {
	userId, role, ok := a.user(w, r, false)
	if !ok {
		return
	}
	var req struct {
		GameID   string `json:"gameId"`
		ExpectID string `json:"expectId,omitempty"`
	}
	body, ok := readBody(w, r, maxBodySize, &req)
	if !ok {
		return
	}
	if !isValidUUID(req.GameID) {
		http.Error(w, "Bad Request: gameId is missing or invalid", http.StatusBadRequest)
		return
	}
	resp, err := a.hm.Do(r.Context(), req.GameID, HubRequest{Type: reqUndo, UserId: userId, Role: role, ExpectID: req.ExpectID})
	if err != nil {
		a.fail(w, r, body, err)
		return
	}
	writeJSON(w, map[string]any{
		"revision": resp.Game.Revision,
		"undone":   resp.Undone,
		"live":     resp.Live,
	})
}

// loadReadable loads a game through its hub, which checks read access.
func (a *api) loadReadable(w http.ResponseWriter, r *http.Request) (*Game, bool) {
	userId, role, ok := a.user(w, r, true)
	if !ok {
		return nil, false
	}
	gameId, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	resp, err := a.hm.Do(r.Context(), gameId, HubRequest{Type: reqLoad, UserId: userId, Role: role})
	if err != nil {
		a.fail(w, r, nil, err)
		return nil, false
	}
	return resp.Game, true
}

func (a *api) handleScoresheet(w http.ResponseWriter, r *http.Request) {
	g, ok := a.loadReadable(w, r)
	if !ok {
		return
	}
	sheet := Replay(g, a.mapper)
	if r.URL.Query().Get("format") == "text" {
		text := sheet.Render()
		etag := generateETag([]byte(text))
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, text)
		return
	}
	writeJSONWithETag(w, r, sheet)
}

func (a *api) handleGameStats(w http.ResponseWriter, r *http.Request) {
	g, ok := a.loadReadable(w, r)
	if !ok {
		return
	}
	writeJSONWithETag(w, r, a.stats.ForGame(g))
}

// loadTeam returns a live team the caller can access at level.
func (a *api) loadTeam(teamId, userId string, role Role, level AccessLevel) (*Team, error) {
	t, err := a.ts.LoadTeam(teamId)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusDeleted {
		return nil, os.ErrNotExist
	}
	if GetTeamAccess(userId, role, t) < level {
		return nil, ErrForbidden
	}
	return t, nil
}

func (a *api) handleTeamStats(w http.ResponseWriter, r *http.Request) {
	userId, role, ok := a.user(w, r, false)
	if !ok {
		return
	}
	teamId, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := a.loadTeam(teamId, userId, role, AccessRead)
	if err != nil {
		a.fail(w, r, nil, err)
		return
	}
	st, err := a.stats.TeamStats(t)
	if err != nil {
		a.fail(w, r, nil, err)
		return
	}
	writeJSONWithETag(w, r, st)
}

func (a *api) lockTeam(teamId string) func() {
	v, _ := a.teamLocks.LoadOrStore(teamId, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// commitTeam stores a team, through the log when replicated.
func (a *api) commitTeam(t *Team) error {
	if a.raftMgr != nil {
		_, err := a.raftMgr.Propose(RaftCommand{Type: CmdSaveTeam, ID: t.ID, Team: t})
		return err
	}
	if err := a.ts.SaveTeam(t); err != nil {
		return err
	}
	a.registry.UpdateTeam(t)
	return nil
}

func (a *api) handleSaveTeam(w http.ResponseWriter, r *http.Request) {
	userId, role, ok := a.user(w, r, false)
	if !ok {
		return
	}
	var t Team
	body, ok := readBody(w, r, maxBodySize, &t)
	if !ok {
		return
	}
	if err := ValidateTeam(&t); err != nil {
		http.Error(w, fmt.Sprintf("Bad Request: Data validation failed: %v", err), http.StatusBadRequest)
		return
	}

	defer a.lockTeam(t.ID)()
	existing, err := a.ts.LoadTeam(t.ID)
	switch {
	case err == nil && existing.Status == StatusDeleted:
		a.fail(w, r, body, os.ErrExist)
		return
	case err == nil:
		level := GetTeamAccess(userId, role, existing)
		if level < AccessWrite {
			http.Error(w, "Forbidden: You do not have permission to manage this team", http.StatusForbidden)
			return
		}
		rolesChanged := !slices.Equal(t.Roles.Admins, existing.Roles.Admins) ||
			!slices.Equal(t.Roles.Scorekeepers, existing.Roles.Scorekeepers) ||
			!slices.Equal(t.Roles.Players, existing.Roles.Players)
		if rolesChanged && level < AccessAdmin {
			http.Error(w, "Forbidden: Only team admins can change roles", http.StatusForbidden)
			return
		}
		t.OwnerID = existing.OwnerID
		// The gallery changes through the media endpoints only.
		t.Media = existing.Media
	case errors.Is(err, os.ErrNotExist):
		if !a.ac.CanCreateTeam(userId, role) {
			http.Error(w, "Forbidden: Only team admins can create teams", http.StatusForbidden)
			return
		}
		if err := a.ac.CheckTeamQuota(userId, a.registry.CountOwnedTeams(userId)); err != nil {
			http.Error(w, "Forbidden: "+err.Error(), http.StatusForbidden)
			return
		}
		t.OwnerID = userId
		now := time.Now().UnixMilli()
		for i := range t.Media {
			t.Media[i].UploadedBy = userId
			if t.Media[i].CreatedAt == 0 {
				t.Media[i].CreatedAt = now
			}
		}
	default:
		a.fail(w, r, body, err)
		return
	}

	t.Status = ""
	t.DeletedAt = 0
	t.UpdatedAt = time.Now().UnixMilli()
	t.normalize()
	if err := a.commitTeam(&t); err != nil {
		a.fail(w, r, body, err)
		return
	}
	writeJSON(w, t.metadata())
}

func (a *api) handleLoadTeam(w http.ResponseWriter, r *http.Request) {
	userId, role, ok := a.user(w, r, false)
	if !ok {
		return
	}
	teamId, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := a.loadTeam(teamId, userId, role, AccessRead)
	if err != nil {
		a.fail(w, r, nil, err)
		return
	}
	writeJSONWithETag(w, r, t)
}

func (a *api) handleListTeams(w http.ResponseWriter, r *http.Request) {
	userId, role, ok := a.user(w, r, false)
	if !ok {
		return
	}
	known := knownIDs(w, r)
	limit, offset, sortBy, order, query := parsePagination(r)
	ids := a.registry.ListTeams(userId, role, sortBy, order, query)

	teams := make([]any, 0)
	for _, tid := range page(ids, offset, limit) {
		t, err := a.ts.LoadTeam(tid)
		if err != nil {
			continue
		}
		teams = append(teams, t)
	}
	for _, kid := range known {
		if a.registry.IsTeamDeleted(kid) {
			teams = append(teams, map[string]string{"id": kid, "status": StatusDeleted})
		}
	}

	writeJSONWithETag(w, r, struct {
		Data []any    `json:"data"`
		Meta listMeta `json:"meta"`
	}{teams, listMeta{Total: len(ids), Offset: offset, Limit: limit}})
}

func (a *api) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	userId, role, ok := a.user(w, r, false)
	if !ok {
		return
	}
	teamId, ok := pathID(w, r)
	if !ok {
		return
	}
	defer a.lockTeam(teamId)()
	if _, err := a.loadTeam(teamId, userId, role, AccessAdmin); err != nil {
		a.fail(w, r, nil, err)
		return
	}
	if a.raftMgr != nil {
		if _, err := a.raftMgr.Propose(RaftCommand{Type: CmdDeleteTeam, ID: teamId}); err != nil {
			a.fail(w, r, nil, err)
			return
		}
	} else {
		if err := a.ts.DeleteTeam(teamId); err != nil {
			a.fail(w, r, nil, err)
			return
		}
		a.registry.DeleteTeam(teamId)
	}
	a.log("Team %s deleted by %s", teamId, maskEmail(userId))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Team %s deleted successfully", teamId)
}

func (a *api) handleAddMedia(w http.ResponseWriter, r *http.Request) {
	userId, role, ok := a.user(w, r, false)
	if !ok {
		return
	}
	teamId, ok := pathID(w, r)
	if !ok {
		return
	}
	var item MediaItem
	body, ok := readBody(w, r, maxBodySize, &item)
	if !ok {
		return
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.UploadedBy = userId
	item.CreatedAt = time.Now().UnixMilli()
	if err := ValidateMediaItem(item); err != nil {
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}

	defer a.lockTeam(teamId)()
	t, err := a.loadTeam(teamId, userId, role, AccessWrite)
	if err != nil {
		a.fail(w, r, body, err)
		return
	}
	if len(t.Media) >= maxMediaItems {
		http.Error(w, "Conflict: gallery is full", http.StatusConflict)
		return
	}
	for _, m := range t.Media {
		if m.ID == item.ID {
			// Retried upload.
			writeJSON(w, m)
			return
		}
	}
	t.Media = append(t.Media, item)
	t.UpdatedAt = item.CreatedAt
	if err := a.commitTeam(t); err != nil {
		a.fail(w, r, body, err)
		return
	}
	writeJSON(w, item)
}

func (a *api) handleRemoveMedia(w http.ResponseWriter, r *http.Request) {
	userId, role, ok := a.user(w, r, false)
	if !ok {
		return
	}
	teamId, ok := pathID(w, r)
	if !ok {
		return
	}
	mediaId := r.URL.Query().Get("mediaId")
	if !isValidUUID(mediaId) {
		http.Error(w, "Bad Request: mediaId is missing or invalid", http.StatusBadRequest)
		return
	}

	defer a.lockTeam(teamId)()
	t, err := a.loadTeam(teamId, userId, role, AccessWrite)
	if err != nil {
		a.fail(w, r, nil, err)
		return
	}
	idx := slices.IndexFunc(t.Media, func(m MediaItem) bool { return m.ID == mediaId })
	if idx < 0 {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	// Scorekeepers may only remove what they uploaded.
	if t.Media[idx].UploadedBy != userId && GetTeamAccess(userId, role, t) < AccessAdmin {
		http.Error(w, "Forbidden: You can only remove your own media", http.StatusForbidden)
		return
	}
	t.Media = slices.Delete(t.Media, idx, idx+1)
	t.UpdatedAt = time.Now().UnixMilli()
	if err := a.commitTeam(t); err != nil {
		a.fail(w, r, nil, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handlePolicy(w http.ResponseWriter, r *http.Request) {
	userId, role, ok := a.user(w, r, false)
	if !ok {
		return
	}
	if !a.ac.IsAdmin(userId, role) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	switch r.Method {
	case http.MethodGet:
		policy := a.registry.GetAccessPolicy()
		if policy == nil {
			policy = &UserAccessPolicy{
				DefaultPolicy: "allow",
				Admins:        []string{},
				Users:         make(map[string]UserOverride),
			}
		}
		writeJSON(w, policy)
	case http.MethodPost:
		var policy UserAccessPolicy
		body, ok := readBody(w, r, maxBodySize, &policy)
		if !ok {
			return
		}
		if err := policy.normalize(); err != nil {
			http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if a.raftMgr != nil {
			if _, err := a.raftMgr.Propose(RaftCommand{Type: CmdUpdateAccessPolicy, Policy: &policy}); err != nil {
				a.fail(w, r, body, err)
				return
			}
		} else {
			if err := saveAccessPolicy(a.opts.Storage, &policy); err != nil {
				a.fail(w, r, body, err)
				return
			}
			a.registry.UpdateAccessPolicy(&policy)
		}
		log.Printf("[AUTH] Access policy updated by %s", maskEmail(userId))
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (a *api) handleWS(w http.ResponseWriter, r *http.Request) {
	if userId := getUserID(r); userId != "" {
		if allowed, msg := a.ac.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return
		}
	}
	ServeWS(a.hm, w, r)
}

func (a *api) log(format string, args ...any) {
	if a.opts.Debug {
		log.Printf("[DEBUG BACKEND] "+format, args...)
	}
}

// cacheControlMiddleware keeps API responses out of shared caches.
func cacheControlMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Cache-Control", "private, no-cache, no-transform")
		}
		next.ServeHTTP(w, r)
	})
}

// securityMiddleware adds HTTP security headers to responses.
func securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs the method and URL path of every incoming HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Received request: %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
