// Package presence tracks which users have live connections.
package presence

import (
	"sort"
	"sync"

	"github.com/mahaj/roomchat/pkg/metrics"
	"github.com/mahaj/roomchat/pkg/snowflake"
)

// Registry maps live connections to users. A user is online while at least
// one of their connections is registered. All methods are safe for
// concurrent use and each one is a single atomic step.
type Registry struct {
	mu    sync.Mutex
	conns map[snowflake.ID]int64
	users map[int64]int
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[snowflake.ID]int64),
		users: make(map[int64]int),
	}
}

// Add registers a connection. first is true when it is the user's only
// live connection, i.e. the user just came online.
func (r *Registry) Add(conn snowflake.ID, userID int64) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.conns[conn]; ok {
		if prev == userID {
			return false
		}
		r.dropLocked(conn, prev)
	}
	r.conns[conn] = userID
	r.users[userID]++
	r.gaugesLocked()
	return r.users[userID] == 1
}

// Remove unregisters a connection. last is true when the user has no live
// connections left. ok is false if the connection was unknown.
func (r *Registry) Remove(conn snowflake.ID) (userID int64, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok = r.conns[conn]
	if !ok {
		return 0, false, false
	}
	last = r.dropLocked(conn, userID)
	r.gaugesLocked()
	return userID, last, true
}

func (r *Registry) dropLocked(conn snowflake.ID, userID int64) (last bool) {
	delete(r.conns, conn)
	r.users[userID]--
	if r.users[userID] <= 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

func (r *Registry) gaugesLocked() {
	metrics.ActiveConnections.Set(float64(len(r.conns)))
	metrics.OnlineUsers.Set(float64(len(r.users)))
}

// UserOf returns the user behind a connection.
func (r *Registry) UserOf(conn snowflake.ID) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.conns[conn]
	return id, ok
}

// Count returns the number of live connections for a user.
func (r *Registry) Count(userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID]
}

func (r *Registry) Online(userID int64) bool {
	return r.Count(userID) > 0
}

// OnlineUsers returns the online user ids in ascending order.
func (r *Registry) OnlineUsers() []int64 {
	r.mu.Lock()
	out := make([]int64, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
