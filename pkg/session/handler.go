// Package session implements the per-connection event protocol: presence
// on connect and disconnect, room subscription, sending, read receipts and
// typing. Every action is authorized against room membership.
package session

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mahaj/roomchat/pkg/broadcast"
	"github.com/mahaj/roomchat/pkg/chaterr"
	"github.com/mahaj/roomchat/pkg/messages"
	"github.com/mahaj/roomchat/pkg/metrics"
	"github.com/mahaj/roomchat/pkg/model"
	"github.com/mahaj/roomchat/pkg/presence"
	"github.com/mahaj/roomchat/pkg/rooms"
)

// Mirror shares presence between gateways. Online reports whether the user
// was offline on every gateway before; Offline reports whether no gateway
// holds the user any more.
type Mirror interface {
	Online(ctx context.Context, userID int64) (first bool, err error)
	Offline(ctx context.Context, userID int64) (last bool, err error)
}

type Deps struct {
	Rooms    *rooms.Store
	Messages *messages.Store
	Presence *presence.Registry
	Router   *broadcast.Router
	// Mirror is required when Router delivers through a bus; without one
	// this gateway's registry is the whole truth.
	Mirror Mirror
	Logger zerolog.Logger
}

// eventFunc handles one inbound event. A non-nil reply is sent to the
// caller only.
type eventFunc func(ctx context.Context, s *Session, data json.RawMessage) (reply *model.Frame, err error)

type Handler struct {
	rooms    *rooms.Store
	messages *messages.Store
	presence *presence.Registry
	router   *broadcast.Router
	mirror   Mirror
	log      zerolog.Logger
	dispatch map[model.EventType]eventFunc
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		rooms:    d.Rooms,
		messages: d.Messages,
		presence: d.Presence,
		router:   d.Router,
		mirror:   d.Mirror,
		log:      d.Logger,
	}
	h.dispatch = map[model.EventType]eventFunc{
		model.EventJoinRoom:    h.joinRoom,
		model.EventLeaveRoom:   h.leaveRoom,
		model.EventSendMessage: h.sendMessage,
		model.EventMessageRead: h.messageRead,
		model.EventTyping:      h.typing,
	}
	return h
}

// Connect registers an authenticated connection and announces the user if
// this is their first live connection anywhere.
func (h *Handler) Connect(ctx context.Context, conn broadcast.Conn) *Session {
	s := &Session{h: h, conn: conn, userID: conn.UserID(), state: StateAuthenticated}
	h.router.Hub().Register(conn)
	if h.presence.Add(conn.ID(), conn.UserID()) {
		h.announce(ctx, conn.UserID(), model.StatusOnline)
	}
	h.log.Debug().Stringer("conn", conn.ID()).Int64("user_id", conn.UserID()).Msg("connected")
	return s
}

func (h *Handler) disconnect(ctx context.Context, s *Session) {
	h.router.Hub().Unregister(s.conn.ID())
	userID, last, ok := h.presence.Remove(s.conn.ID())
	if ok && last {
		h.announce(ctx, userID, model.StatusOffline)
	}
	h.log.Debug().Stringer("conn", s.conn.ID()).Int64("user_id", s.userID).Msg("disconnected")
}

// announce broadcasts a local first/last transition when it is also a
// global one. If the mirror is unreachable the local transition is
// announced as is.
func (h *Handler) announce(ctx context.Context, userID int64, status model.Status) {
	if h.mirror != nil {
		var changed bool
		var err error
		if status == model.StatusOnline {
			changed, err = h.mirror.Online(ctx, userID)
		} else {
			changed, err = h.mirror.Offline(ctx, userID)
		}
		if err != nil {
			h.log.Warn().Err(err).Int64("user_id", userID).Msg("presence mirror")
		} else if !changed {
			h.log.Debug().Int64("user_id", userID).Str("status", string(status)).Msg("presence unchanged on other gateways")
			return
		}
	}
	if err := h.router.ToAll(ctx, model.EventUserStatus, model.UserStatus{UserID: userID, Status: status}); err != nil {
		h.log.Error().Err(err).Int64("user_id", userID).Msg("broadcast presence")
	}
}

func (h *Handler) joinRoom(ctx context.Context, s *Session, data json.RawMessage) (*model.Frame, error) {
	var p roomRef
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	unlock := h.router.LockRoom(p.RoomID)
	defer unlock()

	if err := h.rooms.RequireMember(ctx, p.RoomID, s.userID); err != nil {
		return nil, withRoom(err, p.RoomID)
	}
	h.router.Hub().Subscribe(s.conn.ID(), p.RoomID)
	// Evictions from other gateways arrive over the bus without the lock.
	if err := h.rooms.RequireMember(ctx, p.RoomID, s.userID); err != nil {
		h.router.Hub().Unsubscribe(s.conn.ID(), p.RoomID)
		return nil, withRoom(err, p.RoomID)
	}
	return frame(model.EventJoinedRoom, model.JoinedRoom{RoomID: p.RoomID})
}

// leaveRoom only unsubscribes; membership is untouched.
func (h *Handler) leaveRoom(_ context.Context, s *Session, data json.RawMessage) (*model.Frame, error) {
	var p roomRef
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	h.router.Hub().Unsubscribe(s.conn.ID(), p.RoomID)
	return nil, nil
}

func (h *Handler) sendMessage(ctx context.Context, s *Session, data json.RawMessage) (*model.Frame, error) {
	var p sendMessage
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.Type == "" {
		p.Type = model.TypeText
	}
	encrypted := true
	if p.Encrypted != nil {
		encrypted = *p.Encrypted
	}

	unlock := h.router.LockRoom(p.RoomID)
	defer unlock()

	msg, created, err := h.messages.Append(ctx, messages.AppendParams{
		RoomID:      p.RoomID,
		SenderID:    s.userID,
		Content:     strings.TrimSpace(p.Content),
		Encrypted:   encrypted,
		Type:        p.Type,
		UploadToken: p.UploadToken,
		ReplyTo:     p.ReplyTo,
		ClientMsgID: p.ClientMsgID,
	})
	if err != nil {
		return nil, withRoom(err, p.RoomID)
	}

	if !created {
		metrics.IdempotentReplays.Inc()
		return frame(model.EventAck, model.SendAck{OK: true, MessageID: msg.ID, Duplicate: true})
	}
	metrics.MessagesPersisted.WithLabelValues(string(msg.Type)).Inc()

	if n, err := h.rooms.UnreadCount(ctx, msg.RoomID, msg.ID, msg.SenderID); err == nil {
		msg.UnreadCount = n
	} else {
		h.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("unread count")
	}
	if err := h.router.ToRoom(ctx, msg.RoomID, model.EventNewMessage, msg); err != nil {
		h.log.Error().Err(err).Int64("message_id", msg.ID).Msg("broadcast new_message")
	}
	h.notifyMembers(ctx, msg.RoomID)

	return frame(model.EventAck, model.SendAck{OK: true, MessageID: msg.ID})
}

// notifyMembers tells every member's connections, joined or not, that the
// room changed so room lists can refresh.
func (h *Handler) notifyMembers(ctx context.Context, roomID int64) {
	ids, err := h.rooms.MemberIDs(ctx, roomID)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("load members")
		return
	}
	if err := h.router.ToUsers(ctx, ids, model.EventRoomUpdated, model.RoomUpdated{RoomID: roomID}); err != nil {
		h.log.Error().Err(err).Int64("room_id", roomID).Msg("broadcast room_updated")
	}
}

func (h *Handler) messageRead(ctx context.Context, s *Session, data json.RawMessage) (*model.Frame, error) {
	var p messageRead
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.MessageID <= 0 {
		return nil, chaterr.Invalid(chaterr.CodeRequestInvalid, "message_id is required")
	}
	advanced, err := h.rooms.AdvanceReadMarker(ctx, p.RoomID, s.userID, p.MessageID)
	if err != nil {
		return nil, withRoom(err, p.RoomID)
	}
	if advanced {
		if err := h.router.ToRoom(ctx, p.RoomID, model.EventReadUpdated, model.ReadUpdated{
			RoomID: p.RoomID, UserID: s.userID, MessageID: p.MessageID,
		}); err != nil {
			h.log.Error().Err(err).Int64("room_id", p.RoomID).Msg("broadcast read_updated")
		}
	}
	return nil, nil
}

func (h *Handler) typing(ctx context.Context, s *Session, data json.RawMessage) (*model.Frame, error) {
	var p typing
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if err := h.rooms.RequireMember(ctx, p.RoomID, s.userID); err != nil {
		return nil, withRoom(err, p.RoomID)
	}
	return nil, h.router.ToRoomExcept(ctx, p.RoomID, s.userID, model.EventUserTyping, model.UserTyping{
		RoomID: p.RoomID, UserID: s.userID, IsTyping: p.IsTyping,
	})
}

func frame(event model.EventType, payload any) (*model.Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &model.Frame{Event: event, Data: data}, nil
}

// roomError carries the room an error refers to so the client can route it.
type roomError struct {
	error
	roomID int64
}

func (e roomError) Unwrap() error { return e.error }

func withRoom(err error, roomID int64) error {
	return roomError{error: err, roomID: roomID}
}
