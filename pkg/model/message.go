package model

import "time"

type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeSystem:
		return true
	}
	return false
}

// ClientAuthorable reports whether a client may send a message of this type.
// System messages are only ever produced by the server.
func (t MessageType) ClientAuthorable() bool {
	return t == TypeText || t == TypeImage || t == TypeFile
}

// NeedsUpload reports whether the message must be backed by an upload token.
func (t MessageType) NeedsUpload() bool {
	return t == TypeImage || t == TypeFile
}

type Message struct {
	ID          int64         `json:"id"`
	RoomID      int64         `json:"room_id"`
	SenderID    int64         `json:"sender_id"`
	Content     string        `json:"content"`
	Encrypted   bool          `json:"encrypted"`
	Type        MessageType   `json:"message_type"`
	FilePath    string        `json:"file_path,omitempty"`
	FileName    string        `json:"file_name,omitempty"`
	ReplyTo     *int64        `json:"reply_to,omitempty"`
	Reply       *ReplyPreview `json:"reply,omitempty"`
	ClientMsgID string        `json:"client_msg_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	EditedAt    *time.Time    `json:"edited_at,omitempty"`
	Deleted     bool          `json:"deleted,omitempty"`
	UnreadCount int           `json:"unread_count"`
}

// ReplyPreview is the quoted parent shown with a reply. It is only ever
// built from a message in the same room as the reply.
type ReplyPreview struct {
	ID        int64       `json:"id"`
	SenderID  int64       `json:"sender_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"message_type"`
	Encrypted bool        `json:"encrypted"`
	Deleted   bool        `json:"deleted,omitempty"`
}

// FileMeta describes an uploaded file released by a consumed upload token.
type FileMeta struct {
	Path string
	Name string
	Type MessageType
	Size int64
}
