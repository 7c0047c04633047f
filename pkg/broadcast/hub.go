package broadcast

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/mahaj/roomchat/pkg/metrics"
	"github.com/mahaj/roomchat/pkg/snowflake"
)

// Conn is a live client connection as the hub sees it.
type Conn interface {
	ID() snowflake.ID
	UserID() int64
	// Send queues a frame without blocking and reports whether it fit.
	Send(frame []byte) bool
	// Close tears the connection down. It must be safe to call twice.
	Close()
}

// Hub holds this gateway's connections, their room subscriptions and a
// per-user index. Room-scoped frames only reach connections subscribed to
// that room.
type Hub struct {
	mu    sync.RWMutex
	conns map[snowflake.ID]Conn
	rooms map[int64]map[snowflake.ID]Conn     // room_id -> subscribers
	users map[int64]map[snowflake.ID]Conn     // user_id -> connections
	subs  map[snowflake.ID]map[int64]struct{} // conn -> rooms
	log   zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		conns: make(map[snowflake.ID]Conn),
		rooms: make(map[int64]map[snowflake.ID]Conn),
		users: make(map[int64]map[snowflake.ID]Conn),
		subs:  make(map[snowflake.ID]map[int64]struct{}),
		log:   logger,
	}
}

func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c.ID()] = c
	if h.users[c.UserID()] == nil {
		h.users[c.UserID()] = make(map[snowflake.ID]Conn)
	}
	h.users[c.UserID()][c.ID()] = c
	h.subs[c.ID()] = make(map[int64]struct{})
}

// Unregister removes a connection and all its subscriptions.
func (h *Hub) Unregister(id snowflake.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(id)
}

func (h *Hub) unregisterLocked(id snowflake.ID) bool {
	c, ok := h.conns[id]
	if !ok {
		return false
	}
	for roomID := range h.subs[id] {
		h.removeSubLocked(id, roomID)
	}
	delete(h.subs, id)
	delete(h.conns, id)
	if set := h.users[c.UserID()]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(h.users, c.UserID())
		}
	}
	return true
}

// Subscribe adds the connection to a room's group. Callers check
// membership first.
func (h *Hub) Subscribe(id snowflake.ID, roomID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[id]
	if !ok {
		return false
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[snowflake.ID]Conn)
	}
	h.rooms[roomID][id] = c
	h.subs[id][roomID] = struct{}{}
	return true
}

func (h *Hub) Unsubscribe(id snowflake.ID, roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeSubLocked(id, roomID)
}

func (h *Hub) removeSubLocked(id snowflake.ID, roomID int64) {
	if set := h.rooms[roomID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if rooms := h.subs[id]; rooms != nil {
		delete(rooms, roomID)
	}
}

// Subscribed reports whether the connection is in the room's group.
func (h *Hub) Subscribed(id snowflake.ID, roomID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][id]
	return ok
}

// Deliver routes an envelope to local connections.
func (h *Hub) Deliver(env Envelope) {
	if env.Scope == ScopeEvict {
		h.evict(env.RoomID, env.UserIDs)
		return
	}

	frame, err := env.Frame()
	if err != nil {
		h.log.Error().Err(err).Str("event", string(env.Event)).Msg("encode frame")
		return
	}

	h.mu.RLock()
	var targets []Conn
	switch env.Scope {
	case ScopeRoom:
		for _, c := range h.rooms[env.RoomID] {
			if env.ExcludeUser != 0 && c.UserID() == env.ExcludeUser {
				continue
			}
			targets = append(targets, c)
		}
	case ScopeAll:
		for _, c := range h.conns {
			targets = append(targets, c)
		}
	case ScopeUsers:
		for _, uid := range env.UserIDs {
			for _, c := range h.users[uid] {
				targets = append(targets, c)
			}
		}
	default:
		h.log.Warn().Str("scope", string(env.Scope)).Msg("unknown envelope scope")
	}
	h.mu.RUnlock()

	var slow []Conn
	for _, c := range targets {
		if !c.Send(frame) {
			slow = append(slow, c)
		}
	}
	metrics.BroadcastDeliveries.WithLabelValues(string(env.Scope)).Add(float64(len(targets) - len(slow)))

	for _, c := range slow {
		h.drop(c)
	}
}

// drop disconnects a connection whose send buffer is full.
func (h *Hub) drop(c Conn) {
	h.mu.Lock()
	removed := h.unregisterLocked(c.ID())
	h.mu.Unlock()
	if removed {
		metrics.DroppedConsumers.Inc()
		h.log.Warn().Stringer("conn", c.ID()).Int64("user_id", c.UserID()).Msg("dropping slow consumer")
	}
	c.Close()
}

func (h *Hub) evict(roomID int64, userIDs []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, uid := range userIDs {
		for id := range h.users[uid] {
			h.removeSubLocked(id, roomID)
		}
	}
}
