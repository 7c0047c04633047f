package session

import (
	"encoding/json"

	"github.com/mahaj/roomchat/pkg/chaterr"
	"github.com/mahaj/roomchat/pkg/model"
)

// Inbound payloads, one per client event.

type roomRef struct {
	RoomID int64 `json:"room_id"`
}

type sendMessage struct {
	RoomID      int64             `json:"room_id"`
	Content     string            `json:"content"`
	Type        model.MessageType `json:"type"`
	UploadToken string            `json:"upload_token"`
	ReplyTo     *int64            `json:"reply_to"`
	ClientMsgID string            `json:"client_msg_id"`
	Encrypted   *bool             `json:"encrypted"`
}

type messageRead struct {
	RoomID    int64 `json:"room_id"`
	MessageID int64 `json:"message_id"`
}

type typing struct {
	RoomID   int64 `json:"room_id"`
	IsTyping bool  `json:"is_typing"`
}

var errBadRequest = chaterr.Invalid(chaterr.CodeRequestInvalid, "malformed event payload")

// decode unmarshals data into v and requires a positive room id.
func decode(data json.RawMessage, v interface{ room() int64 }) error {
	if len(data) == 0 {
		return errBadRequest
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errBadRequest
	}
	if v.room() <= 0 {
		return chaterr.Invalid(chaterr.CodeRequestInvalid, "room_id is required")
	}
	return nil
}

func (p *roomRef) room() int64     { return p.RoomID }
func (p *sendMessage) room() int64 { return p.RoomID }
func (p *messageRead) room() int64 { return p.RoomID }
func (p *typing) room() int64      { return p.RoomID }
