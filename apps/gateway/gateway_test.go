package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/roomchat/pkg/auth"
	"github.com/mahaj/roomchat/pkg/config"
	"github.com/mahaj/roomchat/pkg/model"
)

type testGateway struct {
	srv    *httptest.Server
	issuer *auth.Issuer
}

func startGateway(t *testing.T) *testGateway {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Env:             "test",
		DBDriver:        "sqlite",
		DatabaseURL:     filepath.Join(dir, "gw.db"),
		DBRetryAttempts: 10,
		JWTSecret:       "gateway-test",
		MasterKeyFile:   filepath.Join(dir, "master.key"),
		UploadDir:       filepath.Join(dir, "uploads"),
		UploadTokenTTL:  time.Minute,
		NodeID:          1,
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, err := build(ctx, cfg, true, zerolog.Nop())
	require.NoError(t, err)
	srv := httptest.NewServer(g.handler)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		g.Close()
	})
	return &testGateway{srv: srv, issuer: auth.NewIssuer(cfg.JWTSecret, time.Hour)}
}

func (g *testGateway) token(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := g.issuer.GenerateToken(userID)
	require.NoError(t, err)
	return tok
}

func (g *testGateway) dial(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws?token=" + g.token(t, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (g *testGateway) createRoom(t *testing.T, creator int64, members ...int64) int64 {
	t.Helper()
	body, err := json.Marshal(map[string]any{"name": "ops", "type": "group", "member_ids": members})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, g.srv.URL+"/api/rooms", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+g.token(t, creator))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var room model.Room
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&room))
	return room.ID
}

func write(t *testing.T, conn *websocket.Conn, ack string, event model.EventType, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(model.Frame{Event: event, Ack: ack, Data: raw}))
}

// await reads frames until one with the given event arrives.
func await(t *testing.T, conn *websocket.Conn, event model.EventType) model.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var f model.Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Event == event {
			return f
		}
	}
}

func TestBusRequiresPresenceMirror(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		DBDriver:      "sqlite",
		DatabaseURL:   filepath.Join(dir, "gw.db"),
		MasterKeyFile: filepath.Join(dir, "master.key"),
		UploadDir:     filepath.Join(dir, "uploads"),
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "room-events",
		NodeID:        1,
	}
	_, err := build(context.Background(), cfg, true, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
	assert.NoFileExists(t, cfg.DatabaseURL)
}

func TestUnauthenticatedUpgrade(t *testing.T) {
	g := startGateway(t)
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendOverWebsocket(t *testing.T) {
	g := startGateway(t)
	roomID := g.createRoom(t, 1, 2)

	alice := g.dial(t, 1)
	bob := g.dial(t, 2)
	eve := g.dial(t, 3)

	write(t, alice, "", model.EventJoinRoom, map[string]int64{"room_id": roomID})
	await(t, alice, model.EventJoinedRoom)
	write(t, bob, "", model.EventJoinRoom, map[string]int64{"room_id": roomID})
	await(t, bob, model.EventJoinedRoom)

	write(t, eve, "e1", model.EventJoinRoom, map[string]int64{"room_id": roomID})
	denied := await(t, eve, model.EventError)
	assert.Equal(t, "e1", denied.Ack)

	write(t, alice, "s1", model.EventSendMessage, map[string]any{
		"room_id": roomID, "content": "c2VjcmV0", "client_msg_id": "m-1",
	})
	ackFrame := await(t, alice, model.EventAck)
	assert.Equal(t, "s1", ackFrame.Ack)
	var ack model.SendAck
	require.NoError(t, json.Unmarshal(ackFrame.Data, &ack))
	assert.True(t, ack.OK)

	got := await(t, bob, model.EventNewMessage)
	var msg model.Message
	require.NoError(t, json.Unmarshal(got.Data, &msg))
	assert.Equal(t, ack.MessageID, msg.ID)
	assert.Equal(t, "c2VjcmV0", msg.Content)

	// Retrying the same client_msg_id acks the same message.
	write(t, alice, "s2", model.EventSendMessage, map[string]any{
		"room_id": roomID, "content": "c2VjcmV0", "client_msg_id": "m-1",
	})
	require.NoError(t, json.Unmarshal(await(t, alice, model.EventAck).Data, &ack))
	assert.True(t, ack.Duplicate)
	assert.Equal(t, msg.ID, ack.MessageID)
}
