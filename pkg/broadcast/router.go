// Package broadcast routes committed events to the connections allowed to
// see them, on this gateway and, through a Bus, on every other gateway.
package broadcast

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/mahaj/roomchat/pkg/metrics"
	"github.com/mahaj/roomchat/pkg/model"
)

// Bus carries envelopes between gateways. Every gateway consumes every
// envelope, including its own.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Consume(ctx context.Context, handle func(Envelope)) error
	Close() error
}

// Router is the only way events leave the server. It has no "everyone"
// path for room events: room traffic goes to room subscribers, member
// notifications go to member users, and only presence goes to all.
type Router struct {
	hub   *Hub
	bus   Bus
	locks *roomLocks
	log   zerolog.Logger
}

// NewRouter delivers through bus when it is non-nil and straight to hub
// otherwise.
func NewRouter(hub *Hub, bus Bus, logger zerolog.Logger) *Router {
	return &Router{hub: hub, bus: bus, locks: newRoomLocks(), log: logger}
}

func (r *Router) Hub() *Hub {
	return r.hub
}

// LockRoom serializes work on roomID within this gateway and returns the
// unlock func. Writers hold it from the commit of a room event until it is
// published, so a room's events go out in commit order. Joins and
// evictions hold it too, so a subscription never outlives a departure.
func (r *Router) LockRoom(roomID int64) func() {
	return r.locks.lock(roomID)
}

// ToRoom delivers to connections joined to roomID.
func (r *Router) ToRoom(ctx context.Context, roomID int64, event model.EventType, payload any) error {
	env, err := newEnvelope(ScopeRoom, event, payload)
	if err != nil {
		return err
	}
	env.RoomID = roomID
	return r.route(ctx, env)
}

// ToRoomExcept delivers to joined connections that do not belong to userID.
func (r *Router) ToRoomExcept(ctx context.Context, roomID, userID int64, event model.EventType, payload any) error {
	env, err := newEnvelope(ScopeRoom, event, payload)
	if err != nil {
		return err
	}
	env.RoomID = roomID
	env.ExcludeUser = userID
	return r.route(ctx, env)
}

// ToUsers delivers to every connection of the given users.
func (r *Router) ToUsers(ctx context.Context, userIDs []int64, event model.EventType, payload any) error {
	if len(userIDs) == 0 {
		return nil
	}
	env, err := newEnvelope(ScopeUsers, event, payload)
	if err != nil {
		return err
	}
	env.UserIDs = userIDs
	return r.route(ctx, env)
}

// ToAll delivers to every connection. Reserved for presence.
func (r *Router) ToAll(ctx context.Context, event model.EventType, payload any) error {
	if event != model.EventUserStatus {
		return errors.New("only presence may be sent to all connections")
	}
	env, err := newEnvelope(ScopeAll, event, payload)
	if err != nil {
		return err
	}
	return r.route(ctx, env)
}

// Evict unsubscribes the users' connections from roomID on every gateway.
func (r *Router) Evict(ctx context.Context, roomID int64, userIDs ...int64) error {
	env, err := newEnvelope(ScopeEvict, "", nil)
	if err != nil {
		return err
	}
	env.RoomID = roomID
	env.UserIDs = userIDs
	return r.route(ctx, env)
}

func (r *Router) route(ctx context.Context, env Envelope) error {
	if r.bus == nil {
		r.hub.Deliver(env)
		return nil
	}
	if env.Scope == ScopeEvict {
		// Stop local delivery now rather than after the round trip.
		r.hub.Deliver(env)
	}
	if err := r.bus.Publish(ctx, env); err != nil {
		metrics.BusPublishErrors.Inc()
		return err
	}
	return nil
}

// Run feeds bus traffic into the hub until ctx is done. Without a bus it
// just waits.
func (r *Router) Run(ctx context.Context) error {
	if r.bus == nil {
		<-ctx.Done()
		return nil
	}
	return r.bus.Consume(ctx, r.hub.Deliver)
}
