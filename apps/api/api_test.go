package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/roomchat/pkg/auth"
	"github.com/mahaj/roomchat/pkg/db/dbtest"
	"github.com/mahaj/roomchat/pkg/keys"
	"github.com/mahaj/roomchat/pkg/messages"
	"github.com/mahaj/roomchat/pkg/model"
	"github.com/mahaj/roomchat/pkg/presence"
	"github.com/mahaj/roomchat/pkg/rooms"
)

type fixture struct {
	srv      *httptest.Server
	rooms    *rooms.Store
	messages *messages.Store
	redis    *redis.Client
	issuer   *auth.Issuer
}

func newFixture(t *testing.T, devLogin bool) *fixture {
	t.Helper()
	d := dbtest.Open(t)
	km, err := keys.NewManager([]byte(strings.Repeat("k", keys.KeySize)))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		rooms:    rooms.NewStore(d, km),
		messages: messages.NewStore(d, nil),
		redis:    rdb,
		issuer:   auth.NewIssuer("api-test", time.Hour),
	}
	s := &server{
		rooms:    f.rooms,
		history:  f.messages,
		redis:    rdb,
		issuer:   f.issuer,
		devLogin: devLogin,
		log:      zerolog.Nop(),
	}
	f.srv = httptest.NewServer(s.routes(zerolog.Nop()))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) get(t *testing.T, userID int64, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	if userID > 0 {
		tok, err := f.issuer.GenerateToken(userID)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) room(t *testing.T, creator int64, members ...int64) int64 {
	t.Helper()
	room, _, err := f.rooms.Create(context.Background(), rooms.CreateParams{
		Name: "archive", Kind: model.KindGroup, CreatorID: creator, MemberIDs: members,
	})
	require.NoError(t, err)
	return room.ID
}

func (f *fixture) send(t *testing.T, roomID, senderID int64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, _, err := f.messages.Append(context.Background(), messages.AppendParams{
			RoomID:      roomID,
			SenderID:    senderID,
			Content:     fmt.Sprintf("ct-%d", i),
			Encrypted:   true,
			Type:        model.TypeText,
			ClientMsgID: fmt.Sprintf("c-%d", i),
		})
		require.NoError(t, err)
	}
}

func TestArchivedHistoryRequiresMembership(t *testing.T) {
	f := newFixture(t, false)
	roomID := f.room(t, 1, 2)
	f.send(t, roomID, 1, 3)

	assert.Equal(t, http.StatusUnauthorized, f.get(t, 0, fmt.Sprintf("/rooms/%d/history", roomID), nil))
	assert.Equal(t, http.StatusForbidden, f.get(t, 3, fmt.Sprintf("/rooms/%d/history", roomID), nil))
	assert.Equal(t, http.StatusForbidden, f.get(t, 3, "/rooms/9999/history", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, 1, "/rooms/abc/history", nil))

	var msgs []model.Message
	require.Equal(t, http.StatusOK, f.get(t, 2, fmt.Sprintf("/rooms/%d/history", roomID), &msgs))
	require.Len(t, msgs, 3)
	assert.Less(t, msgs[0].ID, msgs[2].ID)

	var older []model.Message
	path := fmt.Sprintf("/rooms/%d/history?before_id=%d&limit=1", roomID, msgs[2].ID)
	require.Equal(t, http.StatusOK, f.get(t, 2, path, &older))
	require.Len(t, older, 1)
	assert.Equal(t, msgs[1].ID, older[0].ID)

	assert.Equal(t, http.StatusBadRequest, f.get(t, 2, fmt.Sprintf("/rooms/%d/history?limit=-1", roomID), nil))
}

func TestConversations(t *testing.T) {
	f := newFixture(t, false)
	roomID := f.room(t, 1, 2)
	f.send(t, roomID, 1, 2)

	var list []model.RoomSummary
	require.Equal(t, http.StatusOK, f.get(t, 2, "/rooms", &list))
	require.Len(t, list, 1)
	assert.Equal(t, roomID, list[0].ID)

	require.Equal(t, http.StatusOK, f.get(t, 5, "/rooms", &list))
	assert.Empty(t, list)
}

func TestOnlineUsersFromMirror(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	for node, user := range map[int64]int64{1: 4, 2: 7} {
		_, err := presence.NewRedisMirror(f.redis, node).Online(ctx, user)
		require.NoError(t, err)
	}

	var out map[string][]int64
	require.Equal(t, http.StatusOK, f.get(t, 4, "/users/online", &out))
	assert.Equal(t, []int64{7}, out["user_ids"])
}

func TestLogin(t *testing.T) {
	off := newFixture(t, false)
	resp, err := http.Post(off.srv.URL+"/login", "application/json", strings.NewReader(`{"user_id":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	on := newFixture(t, true)
	resp, err = http.Post(on.srv.URL+"/login", "application/json", bytes.NewReader([]byte(`{"user_id":0}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(on.srv.URL+"/login", "application/json", strings.NewReader(`{"user_id":12}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lr loginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lr))
	claims, err := on.issuer.ValidateToken(lr.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(12), claims.UserID)
}
