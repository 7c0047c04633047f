package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/mahaj/roomchat/pkg/model"
)

type client struct {
	base   string
	token  string
	roomID int64
	key    []byte
	conn   *websocket.Conn
	log    zerolog.Logger

	// lastSeen is the newest message id printed, used by /read.
	lastSeen atomic.Int64
}

func (c *client) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
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

func (c *client) login(userID int64) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(http.MethodPost, "/api/login", map[string]int64{"user_id": userID}, &resp); err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

// openRoom resolves the room to talk in: an explicit id, or the direct
// room with peer, created on first use.
func (c *client) openRoom(roomID, peer int64) error {
	if roomID == 0 {
		var room model.Room
		req := map[string]any{"type": model.KindDirect, "member_ids": []int64{peer}}
		if err := c.do(http.MethodPost, "/api/rooms", req, &room); err != nil {
			return err
		}
		roomID = room.ID
	}
	var keyResp struct {
		Key string `json:"key"`
	}
	if err := c.do(http.MethodGet, fmt.Sprintf("/api/rooms/%d/key", roomID), nil, &keyResp); err != nil {
		return err
	}
	key, err := decodeKey(keyResp.Key)
	if err != nil {
		return err
	}
	c.roomID, c.key = roomID, key
	return nil
}

func (c *client) dial() error {
	u, err := url.Parse(c.base)
	if err != nil {
		return err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	u.RawQuery = url.Values{"token": {c.token}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *client) emit(event model.EventType, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(model.Frame{Event: event, Data: raw})
}

func (c *client) send(text string) error {
	content, err := seal(c.key, text)
	if err != nil {
		return err
	}
	return c.emit(model.EventSendMessage, map[string]any{
		"room_id":       c.roomID,
		"content":       content,
		"encrypted":     true,
		"type":          model.TypeText,
		"client_msg_id": uuid.NewString(),
	})
}

func (c *client) readLoop(done chan<- struct{}) {
	defer close(done)
	for {
		var f model.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.log.Info().Err(err).Msg("connection closed")
			return
		}
		c.print(f)
	}
}

func (c *client) print(f model.Frame) {
	switch f.Event {
	case model.EventNewMessage:
		var m model.Message
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return
		}
		if m.RoomID != c.roomID {
			return
		}
		c.lastSeen.Store(m.ID)
		text := m.Content
		if m.Encrypted {
			if plain, err := open(c.key, m.Content); err == nil {
				text = plain
			} else {
				text = "<undecryptable>"
			}
		}
		fmt.Printf("\r[%d] user %d: %s\n> ", m.ID, m.SenderID, text)
	case model.EventUserTyping:
		var t model.UserTyping
		if json.Unmarshal(f.Data, &t) == nil && t.IsTyping {
			fmt.Printf("\ruser %d is typing...\n> ", t.UserID)
		}
	case model.EventError:
		var e model.ErrorPayload
		_ = json.Unmarshal(f.Data, &e)
		fmt.Printf("\rerror %s: %s\n> ", e.Code, e.Message)
	case model.EventAck:
	default:
		fmt.Printf("\r%s %s\n> ", f.Event, f.Data)
	}
}

func main() {
	base := pflag.String("server", "http://localhost:8080", "gateway base URL")
	userID := pflag.Int64("user", 1, "user id to log in as (requires DEV_LOGIN on the gateway)")
	roomID := pflag.Int64("room", 0, "room id to join")
	peer := pflag.Int64("dm", 0, "open the direct room with this user instead of --room")
	pflag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	if *roomID == 0 && *peer == 0 {
		logger.Fatal().Msg("one of --room or --dm is required")
	}

	c := &client{base: strings.TrimRight(*base, "/"), log: logger}
	if err := c.login(*userID); err != nil {
		logger.Fatal().Err(err).Msg("login")
	}
	if err := c.openRoom(*roomID, *peer); err != nil {
		logger.Fatal().Err(err).Msg("open room")
	}
	if err := c.dial(); err != nil {
		logger.Fatal().Err(err).Msg("dial")
	}
	defer c.conn.Close()
	if err := c.emit(model.EventJoinRoom, map[string]int64{"room_id": c.roomID}); err != nil {
		logger.Fatal().Err(err).Msg("join")
	}
	logger.Info().Int64("room_id", c.roomID).Msg("joined; /typing, /read and /quit are available")

	done := make(chan struct{})
	go c.readLoop(done)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			var err error
			switch text := strings.TrimSpace(scanner.Text()); text {
			case "":
			case "/quit":
				interrupt <- os.Interrupt
				return
			case "/typing":
				err = c.emit(model.EventTyping, map[string]any{"room_id": c.roomID, "is_typing": true})
			case "/read":
				if id := c.lastSeen.Load(); id > 0 {
					err = c.emit(model.EventMessageRead, map[string]int64{"room_id": c.roomID, "message_id": id})
				}
			default:
				err = c.send(text)
			}
			if err != nil {
				logger.Error().Err(err).Msg("write")
				return
			}
			fmt.Print("> ")
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			logger.Error().Err(err).Msg("write close")
			return
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}
