// Package messages is the durable, per-room ordered message log.
package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mahaj/roomchat/pkg/chaterr"
	"github.com/mahaj/roomchat/pkg/db"
	"github.com/mahaj/roomchat/pkg/model"
)

const (
	MaxContentBytes = 64 * 1024
	DefaultPage     = 50
	MaxPage         = 200
	searchLimit     = 50
)

// UploadConsumer releases the file behind an upload token inside the
// caller's transaction.
type UploadConsumer interface {
	ConsumeTx(ctx context.Context, tx *db.Tx, token string, userID, roomID int64, want model.MessageType) (model.FileMeta, error)
}

type Store struct {
	db      *db.DB
	uploads UploadConsumer
	now     func() time.Time
}

func NewStore(d *db.DB, uploads UploadConsumer) *Store {
	return &Store{db: d, uploads: uploads, now: func() time.Time { return time.Now().UTC() }}
}

// AppendParams is a client send.
type AppendParams struct {
	RoomID      int64
	SenderID    int64
	Content     string
	Encrypted   bool
	Type        model.MessageType
	UploadToken string
	ReplyTo     *int64
	ClientMsgID string
}

const selectMessage = `
	SELECT m.id, m.room_id, m.sender_id, m.content, m.encrypted, m.message_type,
	       m.file_path, m.file_name, m.reply_to, m.client_msg_id,
	       m.created_at, m.edited_at, m.deleted_at,
	       p.id, p.sender_id, p.content, p.message_type, p.encrypted, p.deleted_at
	FROM messages m
	LEFT JOIN messages p ON p.id = m.reply_to AND p.room_id = m.room_id`

// Append persists a client message. The sender's membership, the
// idempotency key, the upload token and the reply target are all checked in
// the same transaction as the insert, so a rejected send leaves nothing
// behind and a retried send with the same client_msg_id returns the
// original message with created=false.
func (s *Store) Append(ctx context.Context, p AppendParams) (msg model.Message, created bool, err error) {
	if err := validate(p); err != nil {
		return model.Message{}, false, err
	}

	err = s.db.WithTx(ctx, func(tx *db.Tx) error {
		created = false

		var member int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id = ?`,
			p.RoomID, p.SenderID).Scan(&member); err != nil {
			return err
		}
		if member == 0 {
			return chaterr.ErrNotMember
		}

		if p.ClientMsgID != "" {
			existing, err := byClientMsgID(ctx, tx, p.RoomID, p.ClientMsgID)
			if err == nil {
				msg = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		var file model.FileMeta
		if p.Type.NeedsUpload() {
			file, err = s.uploads.ConsumeTx(ctx, tx, p.UploadToken, p.SenderID, p.RoomID, p.Type)
			if err != nil {
				// A concurrent duplicate may have consumed the token first.
				if p.ClientMsgID != "" {
					if existing, lookupErr := byClientMsgID(ctx, tx, p.RoomID, p.ClientMsgID); lookupErr == nil {
						msg = existing
						return nil
					}
				}
				return err
			}
		}

		if p.ReplyTo != nil {
			var parentRoom int64
			err := tx.QueryRow(ctx, `SELECT room_id FROM messages WHERE id = ?`, *p.ReplyTo).Scan(&parentRoom)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && parentRoom != p.RoomID) {
				return chaterr.ErrReplyForeign
			}
			if err != nil {
				return err
			}
		}

		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO messages (room_id, sender_id, content, encrypted, message_type,
			                      file_path, file_name, reply_to, client_msg_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (room_id, client_msg_id) DO NOTHING
			RETURNING id`,
			p.RoomID, p.SenderID, p.Content, p.Encrypted, string(p.Type),
			nullString(file.Path), nullString(file.Name), nullInt(p.ReplyTo), nullString(p.ClientMsgID),
			db.Millis(s.now()),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			existing, err := byClientMsgID(ctx, tx, p.RoomID, p.ClientMsgID)
			if err != nil {
				return fmt.Errorf("load duplicate: %w", err)
			}
			msg = existing
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		msg, err = scanMessage(tx.QueryRow(ctx, selectMessage+` WHERE m.id = ?`, id))
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return model.Message{}, false, err
	}
	return msg, created, nil
}

func validate(p AppendParams) error {
	if p.Type == model.TypeSystem {
		return chaterr.ErrSystemType
	}
	if !p.Type.ClientAuthorable() {
		return chaterr.Invalid(chaterr.CodeMessageTypeInvalid, "unknown message type")
	}
	if len(p.Content) > MaxContentBytes {
		return chaterr.Invalid(chaterr.CodeMessageTooLarge, "message content is too large")
	}
	if p.Type == model.TypeText && strings.TrimSpace(p.Content) == "" {
		return chaterr.Invalid(chaterr.CodeMessageEmpty, "message is empty")
	}
	return nil
}

// AppendSystem records a server-authored notice such as a member leaving.
func (s *Store) AppendSystem(ctx context.Context, roomID, actorID int64, content string) (model.Message, error) {
	var msg model.Message
	err := s.db.Retry(ctx, func() error {
		var id int64
		if err := s.db.QueryRow(ctx, `
			INSERT INTO messages (room_id, sender_id, content, encrypted, message_type, created_at)
			VALUES (?, ?, ?, ?, 'system', ?) RETURNING id`,
			roomID, actorID, content, false, db.Millis(s.now())).Scan(&id); err != nil {
			return fmt.Errorf("insert system message: %w", err)
		}
		var err error
		msg, err = scanMessage(s.db.QueryRow(ctx, selectMessage+` WHERE m.id = ?`, id))
		return err
	})
	return msg, err
}

// FindByClientMsgID looks up an earlier send by its idempotency key.
func (s *Store) FindByClientMsgID(ctx context.Context, roomID int64, clientMsgID string) (model.Message, bool, error) {
	var msg model.Message
	err := s.db.Retry(ctx, func() error {
		var err error
		msg, err = scanMessage(s.db.QueryRow(ctx, selectMessage+` WHERE m.room_id = ? AND m.client_msg_id = ?`, roomID, clientMsgID))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, false, nil
	}
	if err != nil {
		return model.Message{}, false, err
	}
	return msg, true, nil
}

func byClientMsgID(ctx context.Context, tx *db.Tx, roomID int64, clientMsgID string) (model.Message, error) {
	return scanMessage(tx.QueryRow(ctx, selectMessage+` WHERE m.room_id = ? AND m.client_msg_id = ?`, roomID, clientMsgID))
}

// Get loads one message.
func (s *Store) Get(ctx context.Context, messageID int64) (model.Message, error) {
	var msg model.Message
	err := s.db.Retry(ctx, func() error {
		var err error
		msg, err = scanMessage(s.db.QueryRow(ctx, selectMessage+` WHERE m.id = ?`, messageID))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, chaterr.ErrMessageGone
	}
	return msg, err
}

// History returns up to limit messages older than beforeID (or the newest
// when beforeID is 0), oldest first.
func (s *Store) History(ctx context.Context, roomID, beforeID int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = DefaultPage
	}
	if limit > MaxPage {
		limit = MaxPage
	}
	query := selectMessage + ` WHERE m.room_id = ?`
	args := []any{roomID}
	if beforeID > 0 {
		query += ` AND m.id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY m.id DESC LIMIT ?`
	args = append(args, limit)

	var out []model.Message
	err := s.db.Retry(ctx, func() error {
		out = out[:0]
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ownMessage loads a message for a sender-only mutation.
func ownMessage(ctx context.Context, tx *db.Tx, messageID, userID int64) (model.Message, error) {
	m, err := scanMessage(tx.QueryRow(ctx, selectMessage+` WHERE m.id = ?`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, chaterr.ErrMessageGone
	}
	if err != nil {
		return model.Message{}, err
	}
	var member int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id = ?`,
		m.RoomID, userID).Scan(&member); err != nil {
		return model.Message{}, err
	}
	if member == 0 {
		return model.Message{}, chaterr.ErrNotMember
	}
	if m.SenderID != userID {
		return model.Message{}, chaterr.Forbidden(chaterr.CodeMessageNotEditable, "only the sender can change a message")
	}
	if m.Deleted || m.Type == model.TypeSystem {
		return model.Message{}, chaterr.Invalid(chaterr.CodeMessageNotEditable, "message can no longer be changed")
	}
	return m, nil
}

// Edit replaces the content of the caller's own message.
func (s *Store) Edit(ctx context.Context, messageID, userID int64, content string, encrypted bool) (model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return model.Message{}, chaterr.Invalid(chaterr.CodeMessageEmpty, "message is empty")
	}
	if len(content) > MaxContentBytes {
		return model.Message{}, chaterr.Invalid(chaterr.CodeMessageTooLarge, "message content is too large")
	}
	var out model.Message
	err := s.db.WithTx(ctx, func(tx *db.Tx) error {
		if _, err := ownMessage(ctx, tx, messageID, userID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE messages SET content = ?, encrypted = ?, edited_at = ? WHERE id = ?`,
			content, encrypted, db.Millis(s.now()), messageID); err != nil {
			return fmt.Errorf("edit message: %w", err)
		}
		var err error
		out, err = scanMessage(tx.QueryRow(ctx, selectMessage+` WHERE m.id = ?`, messageID))
		return err
	})
	return out, err
}

// Redact soft-deletes the caller's own message. The row stays so replies
// and read markers keep pointing at it. The returned message carries the
// file path that was detached, if any, so the caller can remove the blob.
func (s *Store) Redact(ctx context.Context, messageID, userID int64) (model.Message, error) {
	var out model.Message
	err := s.db.WithTx(ctx, func(tx *db.Tx) error {
		m, err := ownMessage(ctx, tx, messageID, userID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE messages SET content = '', encrypted = ?, file_path = NULL, file_name = NULL, deleted_at = ?
			WHERE id = ?`, false, db.Millis(s.now()), messageID); err != nil {
			return fmt.Errorf("redact message: %w", err)
		}
		out = m
		out.Content = ""
		out.Encrypted = false
		out.Deleted = true
		return nil
	})
	return out, err
}

// SearchResult is a search hit with its room's display name.
type SearchResult struct {
	model.Message
	RoomName string `json:"room_name"`
}

// Search finds unencrypted, live messages containing query in the user's
// rooms, newest first.
func (s *Store) Search(ctx context.Context, userID int64, query string) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < 2 {
		return nil, chaterr.Invalid(chaterr.CodeSearchQueryInvalid, "search query must be at least 2 characters")
	}
	pattern := "%" + likeEscaper.Replace(query) + "%"

	var out []SearchResult
	err := s.db.Retry(ctx, func() error {
		out = out[:0]
		rows, err := s.db.Query(ctx, `
			SELECT m.id, m.room_id, m.sender_id, m.content, m.message_type, m.created_at, r.name
			FROM messages m
			JOIN rooms r ON r.id = m.room_id
			JOIN room_members rm ON rm.room_id = m.room_id AND rm.user_id = ?
			WHERE m.encrypted = ? AND m.deleted_at IS NULL AND m.message_type <> 'system'
			  AND m.content LIKE ? ESCAPE '\'
			ORDER BY m.id DESC
			LIMIT ?`, userID, false, pattern, searchLimit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				hit       SearchResult
				typ       string
				createdAt int64
				name      sql.NullString
			)
			if err := rows.Scan(&hit.ID, &hit.RoomID, &hit.SenderID, &hit.Content, &typ, &createdAt, &name); err != nil {
				return err
			}
			hit.Type = model.MessageType(typ)
			hit.CreatedAt = db.FromMillis(createdAt)
			hit.RoomName = name.String
			out = append(out, hit)
		}
		return rows.Err()
	})
	return out, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m           model.Message
		typ         string
		filePath    sql.NullString
		fileName    sql.NullString
		replyTo     sql.NullInt64
		clientMsgID sql.NullString
		createdAt   int64
		editedAt    sql.NullInt64
		deletedAt   sql.NullInt64

		pID        sql.NullInt64
		pSender    sql.NullInt64
		pContent   sql.NullString
		pType      sql.NullString
		pEncrypted sql.NullBool
		pDeletedAt sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.Encrypted, &typ,
		&filePath, &fileName, &replyTo, &clientMsgID,
		&createdAt, &editedAt, &deletedAt,
		&pID, &pSender, &pContent, &pType, &pEncrypted, &pDeletedAt); err != nil {
		return model.Message{}, err
	}
	m.Type = model.MessageType(typ)
	m.FilePath = filePath.String
	m.FileName = fileName.String
	if replyTo.Valid {
		v := replyTo.Int64
		m.ReplyTo = &v
	}
	m.ClientMsgID = clientMsgID.String
	m.CreatedAt = db.FromMillis(createdAt)
	m.EditedAt = db.FromNullMillis(editedAt)
	m.Deleted = deletedAt.Valid
	if pID.Valid {
		m.Reply = &model.ReplyPreview{
			ID:        pID.Int64,
			SenderID:  pSender.Int64,
			Content:   pContent.String,
			Type:      model.MessageType(pType.String),
			Encrypted: pEncrypted.Bool,
			Deleted:   pDeletedAt.Valid,
		}
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
