// Package uploads issues and consumes the single-use tickets that bind an
// uploaded file to one (user, room) pair, and stores the file bytes.
package uploads

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/roomchat/pkg/chaterr"
	"github.com/mahaj/roomchat/pkg/db"
	"github.com/mahaj/roomchat/pkg/model"
)

const DefaultTTL = 5 * time.Minute

// Ticket is what an upload token stands for.
type Ticket struct {
	UserID   int64
	RoomID   int64
	FilePath string
	FileName string
	Type     model.MessageType
	Size     int64
}

type Store struct {
	db  *db.DB
	ttl time.Duration
	now func() time.Time
}

func NewStore(d *db.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: d, ttl: ttl, now: time.Now}
}

// Issue persists a ticket and returns its token.
func (s *Store) Issue(ctx context.Context, t Ticket) (token string, expiresAt time.Time, err error) {
	if !t.Type.NeedsUpload() {
		return "", time.Time{}, chaterr.Invalid(chaterr.CodeMessageTypeInvalid, "upload type must be image or file")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("generate upload token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	now := s.now()
	expiresAt = now.Add(s.ttl)

	err = s.db.Retry(ctx, func() error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO upload_tokens (token, user_id, room_id, file_path, file_name, file_type, file_size, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			token, t.UserID, t.RoomID, t.FilePath, t.FileName, string(t.Type), t.Size,
			db.Millis(now), db.Millis(expiresAt))
		return err
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("store upload token: %w", err)
	}
	return token, expiresAt.UTC(), nil
}

// Consume validates and consumes a token in its own transaction.
func (s *Store) Consume(ctx context.Context, token string, userID, roomID int64, want model.MessageType) (model.FileMeta, error) {
	var meta model.FileMeta
	err := s.db.WithTx(ctx, func(tx *db.Tx) error {
		var err error
		meta, err = s.ConsumeTx(ctx, tx, token, userID, roomID, want)
		return err
	})
	return meta, err
}

// ConsumeTx validates the token against the sender, room and message type
// and marks it consumed. Each failure carries its own code.
func (s *Store) ConsumeTx(ctx context.Context, tx *db.Tx, token string, userID, roomID int64, want model.MessageType) (model.FileMeta, error) {
	if token == "" {
		return model.FileMeta{}, chaterr.Invalid(chaterr.CodeUploadRequired, "an upload token is required for file messages")
	}

	var (
		t          Ticket
		typ        string
		expiresAt  int64
		consumedAt sql.NullInt64
	)
	err := tx.QueryRow(ctx, `
		SELECT user_id, room_id, file_path, file_name, file_type, file_size, expires_at, consumed_at
		FROM upload_tokens WHERE token = ?`, token,
	).Scan(&t.UserID, &t.RoomID, &t.FilePath, &t.FileName, &typ, &t.Size, &expiresAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FileMeta{}, chaterr.Invalid(chaterr.CodeUploadInvalid, "upload token is invalid")
	}
	if err != nil {
		return model.FileMeta{}, fmt.Errorf("load upload token: %w", err)
	}
	t.Type = model.MessageType(typ)

	switch {
	case consumedAt.Valid:
		return model.FileMeta{}, chaterr.Invalid(chaterr.CodeUploadUsed, "upload token was already used")
	case s.now().UnixMilli() >= expiresAt:
		return model.FileMeta{}, chaterr.Invalid(chaterr.CodeUploadExpired, "upload token has expired")
	case t.UserID != userID:
		return model.FileMeta{}, chaterr.Invalid(chaterr.CodeUploadUserMismatch, "upload token belongs to another user")
	case t.RoomID != roomID:
		return model.FileMeta{}, chaterr.Invalid(chaterr.CodeUploadRoomMismatch, "upload token belongs to another room")
	case t.Type != want:
		return model.FileMeta{}, chaterr.Invalid(chaterr.CodeUploadTypeMismatch, "upload token is for a different file type")
	}

	res, err := tx.Exec(ctx, `UPDATE upload_tokens SET consumed_at = ? WHERE token = ? AND consumed_at IS NULL`,
		db.Millis(s.now()), token)
	if err != nil {
		return model.FileMeta{}, fmt.Errorf("consume upload token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.FileMeta{}, chaterr.Invalid(chaterr.CodeUploadUsed, "upload token was already used")
	}
	return model.FileMeta{Path: t.FilePath, Name: t.FileName, Type: t.Type, Size: t.Size}, nil
}

// Purge deletes expired tokens. Files behind tokens that were never
// consumed belong to no message and are removed from files first.
func (s *Store) Purge(ctx context.Context, files *Files) (int64, error) {
	cutoff := db.Millis(s.now())

	var orphans []string
	err := s.db.Retry(ctx, func() error {
		orphans = orphans[:0]
		rows, err := s.db.Query(ctx, `
			SELECT file_path FROM upload_tokens WHERE expires_at < ? AND consumed_at IS NULL`, cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var path string
			if err := rows.Scan(&path); err != nil {
				return err
			}
			orphans = append(orphans, path)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("list expired uploads: %w", err)
	}
	for _, path := range orphans {
		if err := files.Remove(path); err != nil {
			return 0, fmt.Errorf("remove expired upload %s: %w", path, err)
		}
	}

	var n int64
	err = s.db.Retry(ctx, func() error {
		res, err := s.db.Exec(ctx, `DELETE FROM upload_tokens WHERE expires_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// RunPurger calls Purge every interval until ctx is done.
func (s *Store) RunPurger(ctx context.Context, files *Files, interval time.Duration, logger zerolog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Purge(ctx, files)
			if err != nil {
				logger.Error().Err(err).Msg("purge upload tokens")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("purged", n).Msg("expired upload tokens removed")
			}
		}
	}
}
