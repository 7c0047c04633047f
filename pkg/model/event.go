package model

import (
	"encoding/json"
	"time"
)

type EventType string

// Client to server.
const (
	EventJoinRoom    EventType = "join_room"
	EventLeaveRoom   EventType = "leave_room"
	EventSendMessage EventType = "send_message"
	EventMessageRead EventType = "message_read"
	EventTyping      EventType = "typing"
)

// Server to client.
const (
	EventJoinedRoom         EventType = "joined_room"
	EventAck                EventType = "ack"
	EventError              EventType = "error"
	EventNewMessage         EventType = "new_message"
	EventReadUpdated        EventType = "read_updated"
	EventUserTyping         EventType = "user_typing"
	EventUserStatus         EventType = "user_status"
	EventRoomMembersUpdated EventType = "room_members_updated"
	EventRoomNameUpdated    EventType = "room_name_updated"
	EventRoomUpdated        EventType = "room_updated"
	EventMessageEdited      EventType = "message_edited"
	EventMessageDeleted     EventType = "message_deleted"
	EventRemovedFromRoom    EventType = "removed_from_room"
)

// Frame is one websocket text message in either direction.
type Frame struct {
	Event EventType       `json:"event"`
	Ack   string          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

type UserStatus struct {
	UserID int64  `json:"user_id"`
	Status Status `json:"status"`
}

type JoinedRoom struct {
	RoomID int64 `json:"room_id"`
}

type SendAck struct {
	OK        bool  `json:"ok"`
	MessageID int64 `json:"message_id"`
	Duplicate bool  `json:"duplicate"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  int64  `json:"room_id,omitempty"`
}

type ReadUpdated struct {
	RoomID    int64 `json:"room_id"`
	UserID    int64 `json:"user_id"`
	MessageID int64 `json:"message_id"`
}

type UserTyping struct {
	RoomID   int64 `json:"room_id"`
	UserID   int64 `json:"user_id"`
	IsTyping bool  `json:"is_typing"`
}

type MemberAction string

const (
	ActionJoined   MemberAction = "joined"
	ActionLeft     MemberAction = "left"
	ActionKicked   MemberAction = "kicked"
	ActionPromoted MemberAction = "promoted"
	ActionDemoted  MemberAction = "demoted"
)

type RoomMembersUpdated struct {
	RoomID  int64        `json:"room_id"`
	Action  MemberAction `json:"action"`
	UserIDs []int64      `json:"user_ids"`
	ActorID int64        `json:"actor_id"`
}

type RoomNameUpdated struct {
	RoomID int64  `json:"room_id"`
	Name   string `json:"name"`
}

// RoomUpdated tells members to refresh their room list entry.
type RoomUpdated struct {
	RoomID int64 `json:"room_id"`
}

type MessageEdited struct {
	RoomID    int64     `json:"room_id"`
	MessageID int64     `json:"message_id"`
	Content   string    `json:"content"`
	Encrypted bool      `json:"encrypted"`
	EditedAt  time.Time `json:"edited_at"`
}

type MessageDeleted struct {
	RoomID    int64 `json:"room_id"`
	MessageID int64 `json:"message_id"`
}

type RemovedFromRoom struct {
	RoomID int64        `json:"room_id"`
	Reason MemberAction `json:"reason"`
}
