package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"stagehand/apps/server/internal/codec"
	"stagehand/apps/server/internal/coordinator"
	"stagehand/staging"
	"stagehand/staging/service"
)

const (
	RoleObserver = "observer"
	RoleDM       = "dm"

	requestTimeout = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Coordinator is what the gateway forwards client messages to.
type Coordinator interface {
	ObserverEntersRegion(ctx context.Context, regionID, observerID string, gameTime time.Time) (coordinator.EntryResult, error)
	Approve(ctx context.Context, resp coordinator.ApprovalResponse) (*staging.Staging, error)
	Regenerate(ctx context.Context, requestID, guidance string) error
	Cancel(ctx context.Context, requestID, reason string) error
	PreStage(ctx context.Context, in service.PreStageInput) (*staging.Staging, error)
	Invalidate(ctx context.Context, regionID string) error
	PendingApprovals(ctx context.Context) []coordinator.ApprovalRequired
}

// Connection represents a WebSocket client connection
type Connection struct {
	ID       string
	ClientID string
	Role     string
	Conn     *websocket.Conn
	Codec    codec.Codec
	Send     chan []byte
	Gateway  *Gateway

	done      chan struct{}
	closeOnce sync.Once
}

// Gateway manages WebSocket connections and delivers coordinator events.
type Gateway struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	observers   map[string]*Connection // observerID -> connection
	nextConnID  uint64
	seq         atomic.Uint64
	coord       Coordinator
}

func New() *Gateway {
	return &Gateway{
		connections: make(map[string]*Connection),
		observers:   make(map[string]*Connection),
	}
}

// Bind attaches the coordinator; the coordinator itself needs the gateway as
// its notifier, so this happens after both exist.
func (g *Gateway) Bind(coord Coordinator) {
	g.mu.Lock()
	g.coord = coord
	g.mu.Unlock()
}

func (g *Gateway) coordinator() Coordinator {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.coord
}

// HandleWebSocket upgrades the request. Query parameters: role (observer|dm),
// id (client id, defaults to the connection id) and codec (json|proto).
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role := q.Get("role")
	if role == "" {
		role = RoleObserver
	}
	if role != RoleObserver && role != RoleDM {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}
	cdc, err := codec.ForName(q.Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] Upgrade error: %v", err)
		return
	}

	g.mu.Lock()
	g.nextConnID++
	connID := fmt.Sprintf("conn_%d", g.nextConnID)
	clientID := q.Get("id")
	if clientID == "" {
		clientID = connID
	}
	c := &Connection{
		ID:       connID,
		ClientID: clientID,
		Role:     role,
		Conn:     conn,
		Codec:    cdc,
		Send:     make(chan []byte, 256),
		Gateway:  g,
		done:     make(chan struct{}),
	}
	g.connections[connID] = c
	if role == RoleObserver {
		if prev := g.observers[clientID]; prev != nil {
			log.Printf("[Gateway] Observer %s reconnected, replacing %s", clientID, prev.ID)
		}
		g.observers[clientID] = c
	}
	total := len(g.connections)
	g.mu.Unlock()

	log.Printf("[Gateway] Client connected: %s (%s %s, codec=%s), total: %d", connID, role, clientID, cdc.Name(), total)

	go c.readPump()
	go c.writePump()

	if role == RoleDM {
		g.catchUp(c)
	}
}

// catchUp replays open approval requests to a freshly connected approver.
func (g *Gateway) catchUp(c *Connection) {
	coord := g.coordinator()
	if coord == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	for _, ar := range coord.PendingApprovals(ctx) {
		c.sendEvent(ar)
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.Gateway.removeConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(65536)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Gateway] Read error: %v", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

func (c *Connection) handleMessage(data []byte) {
	env, err := c.Codec.Decode(data)
	if err != nil {
		log.Printf("[Gateway] Failed to decode from %s: %v", c.ID, err)
		c.sendError("bad_request", "invalid message format")
		return
	}
	coord := c.Gateway.coordinator()
	if coord == nil {
		c.sendError("unavailable", "staging coordinator not ready")
		return
	}

	log.Printf("[Gateway] Received from %s %s: type=%s region=%s request=%s", c.Role, c.ClientID, env.Type, env.RegionID, env.RequestID)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch env.Type {
	case codec.TypeEnterRegion:
		err = c.handleEnterRegion(ctx, coord, env)
	case codec.TypeApprove, codec.TypeRegenerate, codec.TypePreStage, codec.TypeCancel, codec.TypeInvalidate:
		if c.Role != RoleDM {
			c.sendError("forbidden", env.Type+" requires the dm role")
			return
		}
		err = c.handleApprover(ctx, coord, env)
	default:
		log.Printf("[Gateway] Unknown message type: %s", env.Type)
		c.sendError("bad_request", "unknown message type "+env.Type)
		return
	}
	if err != nil {
		c.sendError(errorCode(err), err.Error())
	}
}

type enterRegionPayload struct {
	RegionID string    `json:"regionId"`
	GameTime time.Time `json:"gameTime"`
}

func (c *Connection) handleEnterRegion(ctx context.Context, coord Coordinator, env codec.Envelope) error {
	var p enterRegionPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.RegionID == "" {
		p.RegionID = env.RegionID
	}
	// Pending and ready notifications are pushed by the coordinator.
	_, err := coord.ObserverEntersRegion(ctx, p.RegionID, c.ClientID, p.GameTime)
	return err
}

type regeneratePayload struct {
	RequestID string `json:"requestId"`
	Guidance  string `json:"guidance"`
}

type cancelPayload struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
}

type preStagePayload struct {
	RegionID string                `json:"regionId"`
	NPCs     []service.NPCDecision `json:"npcs"`
	TTLHours int                   `json:"ttlHours"`
	GameTime time.Time             `json:"gameTime"`
}

func (c *Connection) handleApprover(ctx context.Context, coord Coordinator, env codec.Envelope) error {
	switch env.Type {
	case codec.TypeApprove:
		var p coordinator.ApprovalResponse
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if p.RequestID == "" {
			p.RequestID = env.RequestID
		}
		if p.ApprovedBy == "" {
			p.ApprovedBy = c.ClientID
		}
		st, err := coord.Approve(ctx, p)
		if err != nil {
			return err
		}
		c.sendCommitted(p.RequestID, st)

	case codec.TypeRegenerate:
		var p regeneratePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if p.RequestID == "" {
			p.RequestID = env.RequestID
		}
		return coord.Regenerate(ctx, p.RequestID, p.Guidance)

	case codec.TypeCancel:
		var p cancelPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if p.RequestID == "" {
			p.RequestID = env.RequestID
		}
		return coord.Cancel(ctx, p.RequestID, p.Reason)

	case codec.TypePreStage:
		var p preStagePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if p.RegionID == "" {
			p.RegionID = env.RegionID
		}
		st, err := coord.PreStage(ctx, service.PreStageInput{
			RegionID:   p.RegionID,
			NPCs:       p.NPCs,
			TTLHours:   p.TTLHours,
			ApprovedBy: c.ClientID,
			GameTime:   p.GameTime,
		})
		if err != nil {
			return err
		}
		c.sendCommitted("", st)

	case codec.TypeInvalidate:
		return coord.Invalidate(ctx, env.RegionID)
	}
	return nil
}

func decodePayload(env codec.Envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return staging.Invalid("bad %s payload: %v", env.Type, err)
	}
	return nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, staging.ErrNotFound):
		return "not_found"
	case errors.Is(err, staging.ErrValidation):
		return "validation"
	case errors.Is(err, staging.ErrPersistence):
		return "persistence"
	case errors.Is(err, staging.ErrExternalCapability):
		return "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

func (c *Connection) sendCommitted(requestID string, st *staging.Staging) {
	env, err := codec.Wrap(codec.TypeCommitted, c.Gateway.seq.Add(1), st)
	if err != nil {
		log.Printf("[Gateway] Failed to wrap commit ack: %v", err)
		return
	}
	env.RequestID, env.RegionID = requestID, st.RegionID
	c.send(env)
}

func (c *Connection) sendError(code, msg string) {
	c.send(codec.WrapError(c.Gateway.seq.Add(1), code, msg))
}

func (c *Connection) sendEvent(ev coordinator.Event) {
	env, err := codec.WrapEvent(c.Gateway.seq.Add(1), ev)
	if err != nil {
		log.Printf("[Gateway] Failed to wrap %s: %v", ev.Kind(), err)
		return
	}
	c.send(env)
}

// send encodes with the connection's codec and drops the frame if the buffer is full.
func (c *Connection) send(env codec.Envelope) {
	data, err := c.Codec.Encode(env)
	if err != nil {
		log.Printf("[Gateway] Failed to encode %s for %s: %v", env.Type, c.ID, err)
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Printf("[Gateway] Send buffer full for %s, dropping %s", c.ID, env.Type)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	msgType := websocket.TextMessage
	if c.Codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(msgType, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(time.Second))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (g *Gateway) removeConnection(c *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.connections, c.ID)
	if g.observers[c.ClientID] == c {
		delete(g.observers, c.ClientID)
	}
	c.closeOnce.Do(func() { close(c.done) })
	log.Printf("[Gateway] Client disconnected: %s, total: %d", c.ID, len(g.connections))
}

// NotifyObserver delivers an event to one observer, if connected.
func (g *Gateway) NotifyObserver(observerID string, ev coordinator.Event) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c := g.observers[observerID]
	if c == nil {
		return
	}
	c.sendEvent(ev)
}

// NotifyApprovers delivers an event to every connected approver.
func (g *Gateway) NotifyApprovers(ev coordinator.Event) {
	env, err := codec.WrapEvent(g.seq.Add(1), ev)
	if err != nil {
		log.Printf("[Gateway] Failed to wrap %s: %v", ev.Kind(), err)
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.connections {
		if c.Role == RoleDM {
			c.send(env)
		}
	}
}

// Counts returns connected observers and approvers.
func (g *Gateway) Counts() (observers, approvers int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.connections {
		if c.Role == RoleDM {
			approvers++
		} else {
			observers++
		}
	}
	return observers, approvers
}
