// Package archive keeps a secondary per-room message timeline in
// Scylla/Cassandra, fed from the gateway event topic. The SQL message log
// stays authoritative; the archive serves long-range history reads.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/mahaj/roomchat/pkg/db"
	"github.com/mahaj/roomchat/pkg/model"
)

const (
	DefaultPage = 50
	MaxPage     = 500
)

// Bootstrap creates the keyspace and tables. session must not be bound to
// the keyspace yet.
func Bootstrap(session *db.Session, keyspace string, replication int) error {
	if replication <= 0 {
		replication = 1
	}
	stmts := []string{
		fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`,
			keyspace, replication),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.room_messages (
			room_id bigint,
			id bigint,
			sender_id bigint,
			content text,
			encrypted boolean,
			message_type text,
			file_path text,
			file_name text,
			reply_to bigint,
			created_at timestamp,
			edited_at timestamp,
			deleted boolean,
			PRIMARY KEY (room_id, id)
		) WITH CLUSTERING ORDER BY (id DESC)`, keyspace),
	}
	for _, stmt := range stmts {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("archive schema: %w", err)
		}
	}
	return nil
}

// Archive reads and writes the room timeline.
type Archive struct {
	session *db.Session
}

func New(session *db.Session) *Archive {
	return &Archive{session: session}
}

// Put upserts a message. Replays of the same event are harmless.
func (a *Archive) Put(ctx context.Context, m model.Message) error {
	err := a.session.Query(`
		INSERT INTO room_messages (room_id, id, sender_id, content, encrypted, message_type,
			file_path, file_name, reply_to, created_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RoomID, m.ID, m.SenderID, m.Content, m.Encrypted, string(m.Type),
		m.FilePath, m.FileName, m.ReplyTo, m.CreatedAt, m.Deleted,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("archive message %d: %w", m.ID, err)
	}
	return nil
}

func (a *Archive) Edit(ctx context.Context, e model.MessageEdited) error {
	err := a.session.Query(`
		UPDATE room_messages SET content = ?, encrypted = ?, edited_at = ?
		WHERE room_id = ? AND id = ?`,
		e.Content, e.Encrypted, e.EditedAt, e.RoomID, e.MessageID,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("archive edit %d: %w", e.MessageID, err)
	}
	return nil
}

func (a *Archive) Delete(ctx context.Context, d model.MessageDeleted) error {
	err := a.session.Query(`
		UPDATE room_messages SET content = '', encrypted = false, file_path = null, file_name = null, deleted = true
		WHERE room_id = ? AND id = ?`,
		d.RoomID, d.MessageID,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("archive delete %d: %w", d.MessageID, err)
	}
	return nil
}

// History returns up to limit messages older than beforeID (newest when
// beforeID is 0), oldest first.
func (a *Archive) History(ctx context.Context, roomID, beforeID int64, limit int) ([]model.Message, error) {
	limit = clampLimit(limit)
	query := `SELECT room_id, id, sender_id, content, encrypted, message_type, file_path, file_name,
		reply_to, created_at, edited_at, deleted FROM room_messages WHERE room_id = ?`
	args := []any{roomID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	iter := a.session.Query(query, args...).WithContext(ctx).Iter()
	var (
		out       []model.Message
		m         model.Message
		msgType   string
		replyTo   *int64
		editedAt  time.Time
		createdAt time.Time
	)
	for iter.Scan(&m.RoomID, &m.ID, &m.SenderID, &m.Content, &m.Encrypted, &msgType,
		&m.FilePath, &m.FileName, &replyTo, &createdAt, &editedAt, &m.Deleted) {
		m.Type = model.MessageType(msgType)
		m.CreatedAt = createdAt
		m.ReplyTo = nil
		if replyTo != nil {
			v := *replyTo
			m.ReplyTo = &v
		}
		m.EditedAt = nil
		if !editedAt.IsZero() {
			t := editedAt
			m.EditedAt = &t
		}
		out = append(out, m)
		m = model.Message{}
		replyTo = nil
		editedAt = time.Time{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("archive history %d: %w", roomID, err)
	}
	reverse(out)
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPage
	}
	if limit > MaxPage {
		return MaxPage
	}
	return limit
}

func reverse(msgs []model.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
