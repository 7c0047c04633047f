package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/mahaj/roomchat/pkg/broadcast"
	"github.com/mahaj/roomchat/pkg/chaterr"
	"github.com/mahaj/roomchat/pkg/metrics"
	"github.com/mahaj/roomchat/pkg/model"
)

type State int

const (
	// StateAuthenticated is the first state a Session can be in: the
	// transport resolved the user before Connect.
	StateAuthenticated State = iota + 1
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Session is one authenticated connection. Room membership of the
// connection lives in the hub's subscription groups.
type Session struct {
	h      *Handler
	conn   broadcast.Conn
	userID int64

	mu    sync.Mutex
	state State
}

func (s *Session) UserID() int64 { return s.userID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Joined reports whether the connection is subscribed to roomID.
func (s *Session) Joined(roomID int64) bool {
	return s.h.router.Hub().Subscribed(s.conn.ID(), roomID)
}

// Handle decodes one inbound frame, dispatches it and writes any reply or
// error to this connection only.
func (s *Session) Handle(ctx context.Context, raw []byte) {
	if s.State() != StateAuthenticated {
		return
	}

	var in model.Frame
	if err := json.Unmarshal(raw, &in); err != nil {
		s.reply(in.Ack, nil, errBadRequest)
		metrics.InboundEvents.WithLabelValues("invalid", chaterr.CodeRequestInvalid).Inc()
		return
	}

	fn, ok := s.h.dispatch[in.Event]
	if !ok {
		s.reply(in.Ack, nil, chaterr.Invalid(chaterr.CodeEventUnknown, "unknown event"))
		metrics.InboundEvents.WithLabelValues("unknown", chaterr.CodeEventUnknown).Inc()
		return
	}

	out, err := fn(ctx, s, in.Data)
	outcome := "ok"
	if err != nil {
		outcome, _ = chaterr.Public(err)
		if chaterr.KindOf(err) == chaterr.Internal {
			s.h.log.Error().Err(err).
				Str("event", string(in.Event)).
				Int64("user_id", s.userID).
				Msg("event failed")
		}
	}
	metrics.InboundEvents.WithLabelValues(string(in.Event), outcome).Inc()
	s.reply(in.Ack, out, err)
}

func (s *Session) reply(ack string, out *model.Frame, err error) {
	if err != nil {
		code, msg := chaterr.Public(err)
		payload := model.ErrorPayload{Code: code, Message: msg}
		var re roomError
		if errors.As(err, &re) {
			payload.RoomID = re.roomID
		}
		out, err = frame(model.EventError, payload)
		if err != nil {
			return
		}
	}
	if out == nil {
		return
	}
	out.Ack = ack
	b, err := json.Marshal(out)
	if err != nil {
		return
	}
	if !s.conn.Send(b) {
		s.conn.Close()
	}
}

// Close disconnects the session. Later calls do nothing.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.mu.Unlock()
	s.h.disconnect(ctx, s)
}
