package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/roomchat/pkg/model"
	"github.com/mahaj/roomchat/pkg/snowflake"
)

type fakeConn struct {
	id     snowflake.ID
	user   int64
	out    chan []byte
	mu     sync.Mutex
	closed bool
}

func newFakeConn(id snowflake.ID, user int64, buf int) *fakeConn {
	return &fakeConn{id: id, user: user, out: make(chan []byte, buf)}
}

func (c *fakeConn) ID() snowflake.ID { return c.id }
func (c *fakeConn) UserID() int64    { return c.user }

func (c *fakeConn) Send(frame []byte) bool {
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) events() []model.EventType {
	var out []model.EventType
	for {
		select {
		case raw := <-c.out:
			var f model.Frame
			if err := json.Unmarshal(raw, &f); err == nil {
				out = append(out, f.Event)
			}
		default:
			return out
		}
	}
}

func newTestRouter() (*Router, *Hub) {
	hub := NewHub(zerolog.Nop())
	return NewRouter(hub, nil, zerolog.Nop()), hub
}

func TestRoomEventsOnlyReachSubscribers(t *testing.T) {
	r, hub := newTestRouter()
	ctx := context.Background()

	alice := newFakeConn(1, 10, 8)
	bob := newFakeConn(2, 20, 8)
	idle := newFakeConn(3, 10, 8) // alice's second device, joined to nothing
	for _, c := range []*fakeConn{alice, bob, idle} {
		hub.Register(c)
	}
	require.True(t, hub.Subscribe(alice.ID(), 100))
	require.True(t, hub.Subscribe(bob.ID(), 200))

	for _, ev := range []model.EventType{model.EventNewMessage, model.EventRoomUpdated, model.EventRoomMembersUpdated} {
		require.NoError(t, r.ToRoom(ctx, 100, ev, model.RoomUpdated{RoomID: 100}))
	}

	assert.Len(t, alice.events(), 3)
	assert.Empty(t, bob.events(), "joined to a different room")
	assert.Empty(t, idle.events(), "not joined at all")
}

func TestToRoomExceptSkipsAllSenderConnections(t *testing.T) {
	r, hub := newTestRouter()
	a1 := newFakeConn(1, 10, 8)
	a2 := newFakeConn(2, 10, 8)
	b := newFakeConn(3, 20, 8)
	for _, c := range []*fakeConn{a1, a2, b} {
		hub.Register(c)
		hub.Subscribe(c.ID(), 5)
	}

	require.NoError(t, r.ToRoomExcept(context.Background(), 5, 10, model.EventUserTyping, model.UserTyping{RoomID: 5, UserID: 10, IsTyping: true}))
	assert.Empty(t, a1.events())
	assert.Empty(t, a2.events())
	assert.Equal(t, []model.EventType{model.EventUserTyping}, b.events())
}

func TestToAllIsPresenceOnly(t *testing.T) {
	r, hub := newTestRouter()
	a := newFakeConn(1, 10, 8)
	b := newFakeConn(2, 20, 8)
	hub.Register(a)
	hub.Register(b)

	require.NoError(t, r.ToAll(context.Background(), model.EventUserStatus, model.UserStatus{UserID: 10, Status: model.StatusOnline}))
	assert.Len(t, a.events(), 1)
	assert.Len(t, b.events(), 1)

	assert.Error(t, r.ToAll(context.Background(), model.EventRoomUpdated, model.RoomUpdated{RoomID: 1}))
	assert.Empty(t, a.events())
}

func TestToUsers(t *testing.T) {
	r, hub := newTestRouter()
	a := newFakeConn(1, 10, 8)
	b := newFakeConn(2, 20, 8)
	c := newFakeConn(3, 30, 8)
	for _, conn := range []*fakeConn{a, b, c} {
		hub.Register(conn)
	}

	require.NoError(t, r.ToUsers(context.Background(), []int64{10, 30}, model.EventRoomUpdated, model.RoomUpdated{RoomID: 9}))
	assert.Len(t, a.events(), 1)
	assert.Empty(t, b.events())
	assert.Len(t, c.events(), 1)

	require.NoError(t, r.ToUsers(context.Background(), nil, model.EventRoomUpdated, nil))
}

func TestEvict(t *testing.T) {
	r, hub := newTestRouter()
	a := newFakeConn(1, 10, 8)
	b := newFakeConn(2, 20, 8)
	hub.Register(a)
	hub.Register(b)
	hub.Subscribe(a.ID(), 7)
	hub.Subscribe(a.ID(), 8)
	hub.Subscribe(b.ID(), 7)

	require.NoError(t, r.Evict(context.Background(), 7, 10))
	assert.False(t, hub.Subscribed(a.ID(), 7))
	assert.True(t, hub.Subscribed(a.ID(), 8))
	assert.True(t, hub.Subscribed(b.ID(), 7))

	require.NoError(t, r.ToRoom(context.Background(), 7, model.EventNewMessage, nil))
	assert.Empty(t, a.events())
	assert.Len(t, b.events(), 1)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	r, hub := newTestRouter()
	slow := newFakeConn(1, 10, 1)
	fast := newFakeConn(2, 20, 8)
	hub.Register(slow)
	hub.Register(fast)
	hub.Subscribe(slow.ID(), 1)
	hub.Subscribe(fast.ID(), 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.ToRoom(context.Background(), 1, model.EventNewMessage, nil))
	}
	assert.Len(t, fast.events(), 3)
	slow.mu.Lock()
	assert.True(t, slow.closed)
	slow.mu.Unlock()
	assert.False(t, hub.Subscribed(slow.ID(), 1))
}

func TestUnregisterClearsSubscriptions(t *testing.T) {
	_, hub := newTestRouter()
	a := newFakeConn(1, 10, 8)
	hub.Register(a)
	hub.Subscribe(a.ID(), 3)
	hub.Unregister(a.ID())

	assert.False(t, hub.Subscribed(a.ID(), 3))
	assert.False(t, hub.Subscribe(a.ID(), 3), "unknown connections cannot subscribe")
}

// memBus loops envelopes back the way a Kafka topic does.
type memBus struct {
	ch        chan Envelope
	published []Envelope
	mu        sync.Mutex
}

func (b *memBus) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	b.published = append(b.published, env)
	b.mu.Unlock()
	b.ch <- env
	return nil
}

func (b *memBus) Consume(ctx context.Context, handle func(Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-b.ch:
			handle(env)
		}
	}
}

func (b *memBus) Close() error { return nil }

func TestRouterThroughBus(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	bus := &memBus{ch: make(chan Envelope, 16)}
	r := NewRouter(hub, bus, zerolog.Nop())

	a := newFakeConn(1, 10, 8)
	hub.Register(a)
	hub.Subscribe(a.ID(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.NoError(t, r.ToRoom(ctx, 4, model.EventNewMessage, model.Message{ID: 1, RoomID: 4}))
	require.Eventually(t, func() bool { return len(a.out) == 1 }, time.Second, 5*time.Millisecond)

	// Eviction applies locally before the bus round trip.
	require.NoError(t, r.Evict(ctx, 4, 10))
	assert.False(t, hub.Subscribed(a.ID(), 4))

	cancel()
	assert.NoError(t, <-done)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.published, 2)
	assert.Equal(t, ScopeRoom, bus.published[0].Scope)
	assert.NotEmpty(t, bus.published[0].ID)
	assert.Equal(t, []byte("4"), Key(bus.published[0]))
	assert.Equal(t, []byte("global"), Key(Envelope{Scope: ScopeAll}))
}

func TestLockRoom(t *testing.T) {
	r := NewRouter(NewHub(zerolog.Nop()), nil, zerolog.Nop())

	unlock := r.LockRoom(1)
	other := r.LockRoom(2)
	other()

	acquired := make(chan struct{})
	go func() {
		u := r.LockRoom(1)
		close(acquired)
		u()
	}()
	assert.Never(t, func() bool {
		select {
		case <-acquired:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("room lock was not released")
	}
	assert.Eventually(t, func() bool { return r.locks.size() == 0 }, time.Second, 5*time.Millisecond)
}
