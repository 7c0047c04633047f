package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/mahaj/roomchat/pkg/model"
)

var base string

func call(method, path, token string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func login(userID int64) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := call(http.MethodPost, "/api/login", "", map[string]int64{"user_id": userID}, &resp)
	return resp.Token, err
}

func dial(token string) (*websocket.Conn, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return conn, err
}

func emit(conn *websocket.Conn, ack string, event model.EventType, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(model.Frame{Event: event, Ack: ack, Data: raw})
}

func await(conn *websocket.Conn, event model.EventType) (model.Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return model.Frame{}, err
	}
	for {
		var f model.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return f, err
		}
		if f.Event == event {
			return f, nil
		}
		if f.Event == model.EventError {
			return f, fmt.Errorf("server error: %s", f.Data)
		}
	}
}

func verify(log zerolog.Logger) error {
	alice, err := login(101)
	if err != nil {
		return err
	}
	bob, err := login(102)
	if err != nil {
		return err
	}
	log.Info().Msg("logged in")

	var room model.Room
	req := map[string]any{"name": "verify", "type": model.KindGroup, "member_ids": []int64{102}}
	if err := call(http.MethodPost, "/api/rooms", alice, req, &room); err != nil {
		return err
	}
	log.Info().Int64("room_id", room.ID).Msg("room created")

	ca, err := dial(alice)
	if err != nil {
		return err
	}
	defer ca.Close()
	cb, err := dial(bob)
	if err != nil {
		return err
	}
	defer cb.Close()

	join := map[string]int64{"room_id": room.ID}
	for _, c := range []*websocket.Conn{ca, cb} {
		if err := emit(c, "", model.EventJoinRoom, join); err != nil {
			return err
		}
		if _, err := await(c, model.EventJoinedRoom); err != nil {
			return err
		}
	}

	send := map[string]any{"room_id": room.ID, "content": "dmVyaWZ5", "client_msg_id": uuid.NewString()}
	if err := emit(ca, "1", model.EventSendMessage, send); err != nil {
		return err
	}
	if _, err := await(ca, model.EventAck); err != nil {
		return err
	}
	if _, err := await(cb, model.EventNewMessage); err != nil {
		return err
	}
	log.Info().Msg("message delivered")

	var history struct {
		Messages []model.Message `json:"messages"`
	}
	if err := call(http.MethodGet, fmt.Sprintf("/api/rooms/%d/messages", room.ID), bob, nil, &history); err != nil {
		return err
	}
	if len(history.Messages) == 0 {
		return fmt.Errorf("history of room %d is empty", room.ID)
	}
	log.Info().Int("messages", len(history.Messages)).Msg("history fetched")
	return nil
}

func main() {
	pflag.StringVar(&base, "server", "http://localhost:8080", "gateway base URL (needs DEV_LOGIN=true)")
	pflag.Parse()
	base = strings.TrimRight(base, "/")

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := verify(log); err != nil {
		log.Fatal().Err(err).Msg("verification failed")
	}
	log.Info().Msg("gateway OK")
}
