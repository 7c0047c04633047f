package archive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/roomchat/pkg/broadcast"
	"github.com/mahaj/roomchat/pkg/model"
)

type memSink struct {
	puts    []model.Message
	edits   []model.MessageEdited
	deletes []model.MessageDeleted
	err     error
}

func (s *memSink) Put(_ context.Context, m model.Message) error {
	s.puts = append(s.puts, m)
	return s.err
}

func (s *memSink) Edit(_ context.Context, e model.MessageEdited) error {
	s.edits = append(s.edits, e)
	return s.err
}

func (s *memSink) Delete(_ context.Context, d model.MessageDeleted) error {
	s.deletes = append(s.deletes, d)
	return s.err
}

func envelope(t *testing.T, scope broadcast.Scope, event model.EventType, payload any) broadcast.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return broadcast.Envelope{ID: "01", Scope: scope, RoomID: 3, Event: event, Data: data}
}

func TestProject(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{}
	now := time.Now().UTC().Truncate(time.Millisecond)

	tests := []struct {
		name    string
		env     broadcast.Envelope
		applied bool
	}{
		{"new message", envelope(t, broadcast.ScopeRoom, model.EventNewMessage, model.Message{ID: 7, RoomID: 3, Content: "c"}), true},
		{"edit", envelope(t, broadcast.ScopeRoom, model.EventMessageEdited, model.MessageEdited{RoomID: 3, MessageID: 7, Content: "d", EditedAt: now}), true},
		{"delete", envelope(t, broadcast.ScopeRoom, model.EventMessageDeleted, model.MessageDeleted{RoomID: 3, MessageID: 7}), true},
		{"typing", envelope(t, broadcast.ScopeRoom, model.EventUserTyping, model.UserTyping{RoomID: 3}), false},
		{"presence", envelope(t, broadcast.ScopeAll, model.EventUserStatus, model.UserStatus{UserID: 1}), false},
		{"eviction", broadcast.Envelope{Scope: broadcast.ScopeEvict, RoomID: 3, UserIDs: []int64{1}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applied, err := Project(ctx, sink, tt.env)
			require.NoError(t, err)
			assert.Equal(t, tt.applied, applied)
		})
	}

	require.Len(t, sink.puts, 1)
	assert.Equal(t, int64(7), sink.puts[0].ID)
	require.Len(t, sink.edits, 1)
	assert.True(t, now.Equal(sink.edits[0].EditedAt))
	require.Len(t, sink.deletes, 1)
}

func TestProjectErrors(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{err: errors.New("cluster down")}

	_, err := Project(ctx, sink, envelope(t, broadcast.ScopeRoom, model.EventNewMessage, model.Message{ID: 1}))
	assert.ErrorIs(t, err, sink.err)

	bad := broadcast.Envelope{Scope: broadcast.ScopeRoom, Event: model.EventMessageEdited, Data: json.RawMessage(`"x"`)}
	_, err = Project(ctx, &memSink{}, bad)
	assert.Error(t, err)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultPage, clampLimit(0))
	assert.Equal(t, 10, clampLimit(10))
	assert.Equal(t, MaxPage, clampLimit(MaxPage*2))
}

func TestSleepHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
	assert.True(t, sleep(context.Background(), time.Millisecond))
}
