package model

import "time"

type RoomKind string

const (
	KindDirect RoomKind = "direct"
	KindGroup  RoomKind = "group"
)

func (k RoomKind) Valid() bool {
	return k == KindDirect || k == KindGroup
}

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

type Room struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Kind      RoomKind  `json:"type"`
	CreatedBy *int64    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type Membership struct {
	RoomID            int64     `json:"room_id"`
	UserID            int64     `json:"user_id"`
	Role              Role      `json:"role"`
	LastReadMessageID int64     `json:"last_read_message_id"`
	Pinned            bool      `json:"pinned"`
	Muted             bool      `json:"muted"`
	JoinedAt          time.Time `json:"joined_at"`
}

// RoomSummary is one entry of a user's room list.
type RoomSummary struct {
	Room
	MemberCount       int       `json:"member_count"`
	PartnerID         *int64    `json:"partner_id,omitempty"`
	LastMessage       *Message  `json:"last_message,omitempty"`
	UnreadCount       int       `json:"unread_count"`
	LastReadMessageID int64     `json:"last_read_message_id"`
	Pinned            bool      `json:"pinned"`
	Muted             bool      `json:"muted"`
	JoinedAt          time.Time `json:"joined_at"`
}

// ReadCursor is a member's read position in a room.
type ReadCursor struct {
	UserID            int64 `json:"user_id"`
	LastReadMessageID int64 `json:"last_read_message_id"`
}
