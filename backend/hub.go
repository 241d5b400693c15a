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
	"errors"
	"fmt"
	"log"
	"maps"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ttbt-io/dugout/backend/bases"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	requestQueueSize  = 64
	defaultHubIdleTTL = 5 * time.Minute
)

// errHubBusy is returned when a hub's request queue is full.
var errHubBusy = errors.New("hub busy")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Message types for WebSocket communication
const (
	MsgTypeJoin       = "JOIN"
	MsgTypeAck        = "ACK"
	MsgTypeSyncUpdate = "SYNC_UPDATE"
	MsgTypeConflict   = "CONFLICT"
	MsgTypeError      = "ERROR"
	MsgTypeEntry      = "ENTRY"
	MsgTypeUndo       = "UNDO"
	MsgTypePing       = "PING"
	MsgTypePong       = "PONG"
)

// Message represents a WebSocket message
type Message struct {
	Type         string            `json:"type"`
	GameId       string            `json:"gameId,omitempty"`
	LastRevision string            `json:"lastRevision,omitempty"`
	Revision     string            `json:"revision,omitempty"`
	Entries      []PlateAppearance `json:"entries,omitempty"`
	Entry        *PlateAppearance  `json:"entry,omitempty"`
	Result       *EntryResult      `json:"result,omitempty"`
	Live         *LiveState        `json:"live,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type reqType int

// HubRequest types
const (
	reqRegister reqType = iota
	reqUnregister
	reqClientMessage
	reqLoad
	reqSave
	reqAppend
	reqUndo
	reqDelete
	reqApplied
)

// HubRequest is a unit of work for a game's hub goroutine.
type HubRequest struct {
	Type    reqType
	Client  *wsClient
	Message Message

	UserId string
	Role   Role

	// Game is the incoming record for reqSave, and the committed state for
	// reqApplied.
	Game *Game
	// Entries are the entries to append, or those a commit added.
	Entries      []PlateAppearance
	BaseRevision string
	ExpectID     string
	Undone       *PlateAppearance

	Reply chan HubResponse
}

// HubResponse is the hub's answer to a request with a Reply channel.
type HubResponse struct {
	Game    *Game
	Results []EntryResult
	Undone  *PlateAppearance
	Live    LiveState
	Error   error
}

// Hub serializes every read and write of one game and fans out updates to
// the websocket clients watching it.
type Hub struct {
	gameId   string
	hm       *HubManager
	rm       *RaftManager
	clients  map[*wsClient]bool
	requests chan HubRequest

	// game is nil until first use. A game that does not exist yet is
	// represented by a record with no owner and no entries.
	game *Game
}

// HubManager owns the per-game hubs.
type HubManager struct {
	mu   sync.Mutex
	hubs map[string]*Hub

	gs          *GameStore
	ts          *TeamStore
	r           *Registry
	mapper      *bases.Mapper
	metrics     *Metrics
	rm          *RaftManager
	idleTimeout time.Duration
}

// NewHubManager returns a HubManager. Hubs with no clients are stopped after
// idleTimeout.
func NewHubManager(gs *GameStore, ts *TeamStore, r *Registry, mapper *bases.Mapper, metrics *Metrics, idleTimeout time.Duration) *HubManager {
	if mapper == nil {
		mapper = bases.New()
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultHubIdleTTL
	}
	return &HubManager{
		hubs:        make(map[string]*Hub),
		gs:          gs,
		ts:          ts,
		r:           r,
		mapper:      mapper,
		metrics:     metrics,
		idleTimeout: idleTimeout,
	}
}

// SetRaftManager switches the hubs to replicated writes. It must be called
// before any hub is started.
func (hm *HubManager) SetRaftManager(rm *RaftManager) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.rm = rm
}

func (hm *HubManager) getLocked(gameId string) *Hub {
	if h, ok := hm.hubs[gameId]; ok {
		return h
	}
	h := &Hub{
		gameId:   gameId,
		hm:       hm,
		rm:       hm.rm,
		clients:  make(map[*wsClient]bool),
		requests: make(chan HubRequest, requestQueueSize),
	}
	hm.hubs[gameId] = h
	go h.run()
	return h
}

// Submit queues req on the game's hub, starting the hub if needed. It
// returns false when the queue is full.
func (hm *HubManager) Submit(gameId string, req HubRequest) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	h := hm.getLocked(gameId)
	if req.Client != nil {
		req.Client.hub = h
	}
	select {
	case h.requests <- req:
		return true
	default:
		return false
	}
}

// Do submits req and waits for the hub's reply.
func (hm *HubManager) Do(ctx context.Context, gameId string, req HubRequest) (HubResponse, error) {
	req.Reply = make(chan HubResponse, 1)
	if !hm.Submit(gameId, req) {
		return HubResponse{}, errHubBusy
	}
	select {
	case resp := <-req.Reply:
		return resp, resp.Error
	case <-ctx.Done():
		return HubResponse{}, ctx.Err()
	}
}

// notify tells a running hub about a committed change so it can refresh its
// state and broadcast. Games without a hub need nothing.
func (hm *HubManager) notify(g *Game, added []PlateAppearance, undone *PlateAppearance) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	h, ok := hm.hubs[g.ID]
	if !ok {
		return
	}
	select {
	case h.requests <- HubRequest{Type: reqApplied, Game: g.clone(), Entries: added, Undone: undone}:
	default:
		log.Printf("[HUB] Dropped update for game %s: queue full", g.ID)
	}
}

// refreshAll makes every hub reload its game on next use. It is called
// after the stores are replaced wholesale.
func (hm *HubManager) refreshAll() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for _, h := range hm.hubs {
		select {
		case h.requests <- HubRequest{Type: reqApplied}:
		default:
		}
	}
}

func (hm *HubManager) removeIfIdle(h *Hub) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if len(h.clients) > 0 || len(h.requests) > 0 {
		return false
	}
	if hm.hubs[h.gameId] == h {
		delete(hm.hubs, h.gameId)
	}
	return true
}

// ActiveHubs returns the number of running hubs.
func (hm *HubManager) ActiveHubs() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return len(hm.hubs)
}

func respond(req HubRequest, resp HubResponse) {
	if req.Reply != nil {
		req.Reply <- resp
	}
}

func (h *Hub) run() {
	h.hm.metrics.hubStarted()
	defer h.hm.metrics.hubStopped()

	idle := time.NewTicker(h.hm.idleTimeout)
	defer idle.Stop()
	lastActive := time.Now()

	for {
		select {
		case req := <-h.requests:
			lastActive = time.Now()
			h.handle(req)
		case <-idle.C:
			if len(h.clients) == 0 && time.Since(lastActive) >= h.hm.idleTimeout && h.hm.removeIfIdle(h) {
				return
			}
		}
	}
}

func (h *Hub) handle(req HubRequest) {
	switch req.Type {
	case reqRegister:
		h.clients[req.Client] = true
		h.hm.metrics.wsOpened()
		return
	case reqUnregister:
		h.drop(req.Client)
		return
	case reqApplied:
		h.applied(req)
		return
	}

	if err := h.ensureLoaded(); err != nil {
		log.Printf("[HUB] Error loading game %s: %v", h.gameId, err)
		if req.Client != nil {
			req.Client.sendJSON(Message{Type: MsgTypeError, Error: "Server error loading game"})
		}
		respond(req, HubResponse{Error: err})
		return
	}

	switch req.Type {
	case reqClientMessage:
		h.handleClientMessage(req.Client, req.Message)
	case reqLoad:
		h.handleLoad(req)
	case reqSave:
		h.handleSave(req)
	case reqAppend:
		h.handleAppend(req)
	case reqUndo:
		h.handleUndo(req)
	case reqDelete:
		h.handleDelete(req)
	}
}

func (h *Hub) ensureLoaded() error {
	if h.game != nil {
		return nil
	}
	g, err := h.hm.gs.LoadGame(h.gameId)
	if errors.Is(err, os.ErrNotExist) {
		g = &Game{ID: h.gameId}
		g.normalize()
		err = nil
	}
	if err != nil {
		return err
	}
	h.game = g
	return nil
}

func (h *Hub) drop(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.hm.metrics.wsClosed()
}

func (h *Hub) broadcast(msg Message) {
	for c := range h.clients {
		if !c.joined {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.drop(c)
		}
	}
}

func (h *Hub) live() bool {
	return h.game.exists() && h.game.Status != StatusDeleted
}

func (h *Hub) access(userId string, role Role) AccessLevel {
	return GetGameAccess(userId, role, h.game, h.hm.ts)
}

func (h *Hub) handleClientMessage(c *wsClient, msg Message) {
	if c == nil || !h.clients[c] {
		return
	}
	switch msg.Type {
	case MsgTypeJoin:
		h.handleJoin(c, msg)
	case MsgTypePing:
		c.sendJSON(Message{Type: MsgTypePong})
	default:
		log.Printf("[HUB] Unknown message type: %s", msg.Type)
		c.sendJSON(Message{Type: MsgTypeError, Error: "Unknown message type"})
	}
}

// entriesSince returns the entries after revision. ok is false when the
// revision is not in the log.
func entriesSince(entries []PlateAppearance, revision string) ([]PlateAppearance, bool) {
	if revision == "" {
		return entries, true
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].ID == revision {
			return entries[i+1:], true
		}
	}
	return nil, false
}

func (h *Hub) handleJoin(c *wsClient, msg Message) {
	if !h.live() {
		if msg.LastRevision != "" {
			log.Printf("[HUB] Client joining game %s at revision %s, but game empty on server", h.gameId, msg.LastRevision)
			c.sendJSON(Message{Type: MsgTypeConflict, GameId: h.gameId, Error: "Game not found on server"})
			return
		}
		c.sendJSON(Message{Type: MsgTypeError, GameId: h.gameId, Error: "Not Found"})
		return
	}
	if h.access(c.userId, c.role) < AccessRead {
		log.Printf("[HUB] Forbidden: User %s attempted to join game %s without permissions", maskEmail(c.userId), h.gameId)
		c.sendJSON(Message{Type: MsgTypeError, GameId: h.gameId, Error: "Forbidden: You do not have access to this game"})
		return
	}
	c.joined = true

	if msg.LastRevision == h.game.Revision {
		c.sendJSON(Message{Type: MsgTypeAck, GameId: h.gameId, Revision: h.game.Revision})
		return
	}
	missing, ok := entriesSince(h.game.Entries, msg.LastRevision)
	if !ok {
		c.sendJSON(Message{Type: MsgTypeConflict, GameId: h.gameId, Revision: h.game.Revision, Error: "Client history is divergent from server"})
		return
	}
	sheet := Replay(h.game, h.hm.mapper)
	c.sendJSON(Message{
		Type:     MsgTypeSyncUpdate,
		GameId:   h.gameId,
		Revision: h.game.Revision,
		Entries:  missing,
		Live:     &sheet.Live,
	})
}

func (h *Hub) handleLoad(req HubRequest) {
	if !h.live() {
		respond(req, HubResponse{Error: os.ErrNotExist})
		return
	}
	if h.access(req.UserId, req.Role) < AccessRead {
		respond(req, HubResponse{Error: ErrForbidden})
		return
	}
	respond(req, HubResponse{Game: h.game.clone()})
}

func (h *Hub) handleSave(req HubRequest) {
	if h.game.Status == StatusDeleted {
		respond(req, HubResponse{Error: os.ErrExist})
		return
	}
	merged := req.Game.clone()
	merged.ID = h.gameId
	if h.game.exists() {
		level := h.access(req.UserId, req.Role)
		if level < AccessWrite {
			respond(req, HubResponse{Error: ErrForbidden})
			return
		}
		sharingChanged := merged.Permissions.Public != h.game.Permissions.Public ||
			!maps.Equal(merged.Permissions.Users, h.game.Permissions.Users) ||
			merged.AwayTeamID != h.game.AwayTeamID || merged.HomeTeamID != h.game.HomeTeamID
		if sharingChanged && level < AccessAdmin {
			respond(req, HubResponse{Error: ErrForbidden})
			return
		}
		// The log only changes through append and undo.
		merged.OwnerID = h.game.OwnerID
		merged.Entries = h.game.Entries
		merged.LastRaftIndex = h.game.LastRaftIndex
	} else {
		merged.OwnerID = req.UserId
		for i := range merged.Entries {
			if merged.Entries[i].ScoredBy == "" {
				merged.Entries[i].ScoredBy = req.UserId
			}
		}
	}
	merged.DeletedAt = 0
	merged.normalize()

	if h.rm != nil {
		if _, err := h.rm.Propose(RaftCommand{Type: CmdSaveGame, ID: h.gameId, Game: merged}); err != nil {
			respond(req, HubResponse{Error: err})
			return
		}
		h.reload()
	} else {
		if err := h.hm.gs.SaveGame(merged); err != nil {
			respond(req, HubResponse{Error: err})
			return
		}
		h.hm.r.UpdateGame(merged)
		h.game = merged
	}
	respond(req, HubResponse{Game: h.game.clone()})
}

// reload reads back the state a raft commit produced.
func (h *Hub) reload() {
	h.game = nil
	if err := h.ensureLoaded(); err != nil {
		log.Printf("[HUB] Error reloading game %s: %v", h.gameId, err)
	}
}

func (h *Hub) results(ids []string) ([]EntryResult, LiveState) {
	sheet := Replay(h.game, h.hm.mapper)
	out := make([]EntryResult, 0, len(ids))
	for _, id := range ids {
		if res, ok := sheet.Result(id); ok {
			out = append(out, res)
		}
	}
	return out, sheet.Live
}

func (h *Hub) handleAppend(req HubRequest) {
	if !h.live() {
		respond(req, HubResponse{Error: os.ErrNotExist})
		return
	}
	if h.access(req.UserId, req.Role) < AccessWrite {
		respond(req, HubResponse{Error: ErrForbidden})
		return
	}

	ids := make([]string, 0, len(req.Entries))
	var fresh []PlateAppearance
	now := time.Now().UnixMilli()
	for _, e := range req.Entries {
		ids = append(ids, e.ID)
		if hasEntry(h.game, e.ID) {
			continue
		}
		e.ScoredBy = req.UserId
		if e.Timestamp == 0 {
			e.Timestamp = now
		}
		fresh = append(fresh, e)
	}

	if len(fresh) > 0 {
		if h.game.Status == StatusFinal {
			respond(req, HubResponse{Error: fmt.Errorf("%w: game is final", ErrConflict)})
			return
		}
		if req.BaseRevision != "" && req.BaseRevision != h.game.Revision {
			respond(req, HubResponse{Error: ErrConflict})
			return
		}
		if h.rm != nil {
			if _, err := h.rm.Propose(RaftCommand{Type: CmdAppendEntries, ID: h.gameId, Entries: fresh}); err != nil {
				respond(req, HubResponse{Error: err})
				return
			}
			h.reload()
		} else {
			g := h.game.clone()
			added := AppendEntries(g, fresh)
			if err := h.hm.gs.SaveGame(g); err != nil {
				respond(req, HubResponse{Error: err})
				return
			}
			h.hm.r.UpdateGame(g)
			h.applied(HubRequest{Game: g, Entries: added})
		}
	}

	results, live := h.results(ids)
	respond(req, HubResponse{Game: h.game.clone(), Results: results, Live: live})
}

func (h *Hub) handleUndo(req HubRequest) {
	if !h.live() {
		respond(req, HubResponse{Error: os.ErrNotExist})
		return
	}
	if h.access(req.UserId, req.Role) < AccessWrite {
		respond(req, HubResponse{Error: ErrForbidden})
		return
	}
	expect := req.ExpectID
	if expect == "" {
		expect = h.game.Revision
	}

	var undone PlateAppearance
	if h.rm != nil {
		if len(h.game.Entries) == 0 {
			respond(req, HubResponse{Error: ErrConflict})
			return
		}
		if _, err := h.rm.Propose(RaftCommand{Type: CmdUndoEntry, ID: h.gameId, EntryID: expect}); err != nil {
			respond(req, HubResponse{Error: err})
			return
		}
		for _, e := range h.game.Entries {
			if e.ID == expect {
				undone = e
			}
		}
		h.reload()
	} else {
		g := h.game.clone()
		var err error
		if undone, err = UndoLast(g, expect); err != nil {
			respond(req, HubResponse{Error: err})
			return
		}
		if err := h.hm.gs.SaveGame(g); err != nil {
			respond(req, HubResponse{Error: err})
			return
		}
		h.hm.r.UpdateGame(g)
		h.applied(HubRequest{Game: g, Undone: &undone})
	}
	sheet := Replay(h.game, h.hm.mapper)
	respond(req, HubResponse{Game: h.game.clone(), Undone: &undone, Live: sheet.Live})
}

func (h *Hub) handleDelete(req HubRequest) {
	if !h.live() {
		respond(req, HubResponse{Error: os.ErrNotExist})
		return
	}
	if h.access(req.UserId, req.Role) < AccessAdmin {
		respond(req, HubResponse{Error: ErrForbidden})
		return
	}
	if h.rm != nil {
		if _, err := h.rm.Propose(RaftCommand{Type: CmdDeleteGame, ID: h.gameId}); err != nil {
			respond(req, HubResponse{Error: err})
			return
		}
		h.reload()
	} else {
		if err := h.hm.gs.DeleteGame(h.gameId); err != nil {
			respond(req, HubResponse{Error: err})
			return
		}
		h.hm.r.DeleteGame(h.gameId)
		h.applied(HubRequest{Game: h.game.tombstone(time.Now().UnixNano())})
	}
	respond(req, HubResponse{})
}

// applied adopts a committed state and broadcasts what changed. A request
// without a game drops the cached state.
func (h *Hub) applied(req HubRequest) {
	if req.Game == nil {
		h.game = nil
		return
	}
	h.game = req.Game
	if h.game.Status == StatusDeleted {
		h.broadcast(Message{Type: MsgTypeError, GameId: h.gameId, Error: "Game deleted"})
		return
	}
	if len(req.Entries) == 0 && req.Undone == nil {
		return
	}

	sheet := Replay(h.game, h.hm.mapper)
	for _, e := range req.Entries {
		res, ok := sheet.Result(e.ID)
		if !ok {
			continue
		}
		h.hm.metrics.ObserveAdvance(e.Codes, bases.Result{Bases: res.After, Scored: res.Scored, Ignored: res.Ignored})
		entry := e
		h.broadcast(Message{
			Type:     MsgTypeEntry,
			GameId:   h.gameId,
			Revision: h.game.Revision,
			Entry:    &entry,
			Result:   &res,
			Live:     &sheet.Live,
		})
	}
	h.hm.metrics.EntriesAppended(len(req.Entries))

	if req.Undone != nil {
		h.hm.metrics.EntryUndone()
		h.broadcast(Message{
			Type:     MsgTypeUndo,
			GameId:   h.gameId,
			Revision: h.game.Revision,
			Entry:    req.Undone,
			Live:     &sheet.Live,
		})
	}
}

type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	userId string
	role   Role

	// joined is owned by the hub goroutine.
	joined bool
}

// readPump pumps messages from the websocket connection to the hub.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.requests <- HubRequest{Type: reqUnregister, Client: c}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[HUB] error: %v", err)
			}
			return
		}
		c.hub.requests <- HubRequest{Type: reqClientMessage, Client: c, Message: msg}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendJSON is only called from the hub goroutine, which also owns closing
// c.send.
func (c *wsClient) sendJSON(msg Message) {
	select {
	case c.send <- msg:
	default:
		log.Printf("[HUB] Dropping message %s for %s: send buffer full", msg.Type, maskEmail(c.userId))
	}
}

// ServeWS upgrades the request and attaches the connection to the game's hub.
func ServeWS(hm *HubManager, w http.ResponseWriter, req *http.Request) {
	gameId := req.URL.Query().Get("gameId")
	if !isValidUUID(gameId) {
		http.Error(w, "Invalid gameId", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("[HUB] Upgrade failed: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan Message, 256), userId: getUserID(req), role: getUserRole(req)}
	if !hm.Submit(gameId, HubRequest{Type: reqRegister, Client: client}) {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "busy"), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
