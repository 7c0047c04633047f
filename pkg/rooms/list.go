package rooms

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/mahaj/roomchat/pkg/db"
	"github.com/mahaj/roomchat/pkg/model"
)

// ListForUser returns the caller's rooms, pinned first, then by latest
// activity.
func (s *Store) ListForUser(ctx context.Context, userID int64) ([]model.RoomSummary, error) {
	var out []model.RoomSummary
	lastIDs := map[int64]int64{} // room -> last message id
	err := s.db.Retry(ctx, func() error {
		out = out[:0]
		rows, err := s.db.Query(ctx, `
			SELECT r.id, r.name, r.kind, r.created_by, r.created_at,
			       m.last_read_message_id, m.pinned, m.muted, m.joined_at,
			       (SELECT COUNT(*) FROM room_members c WHERE c.room_id = r.id),
			       (SELECT COUNT(*) FROM messages x
			         WHERE x.room_id = r.id AND x.id > m.last_read_message_id
			           AND x.sender_id <> m.user_id AND x.deleted_at IS NULL),
			       (SELECT MAX(x.id) FROM messages x WHERE x.room_id = r.id),
			       (SELECT MIN(p.user_id) FROM room_members p WHERE p.room_id = r.id AND p.user_id <> m.user_id)
			FROM room_members m JOIN rooms r ON r.id = m.room_id
			WHERE m.user_id = ?`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				sum       model.RoomSummary
				name      sql.NullString
				kind      string
				createdBy sql.NullInt64
				createdAt int64
				joinedAt  int64
				lastID    sql.NullInt64
				partner   sql.NullInt64
			)
			if err := rows.Scan(&sum.ID, &name, &kind, &createdBy, &createdAt,
				&sum.LastReadMessageID, &sum.Pinned, &sum.Muted, &joinedAt,
				&sum.MemberCount, &sum.UnreadCount, &lastID, &partner); err != nil {
				return err
			}
			sum.Name = name.String
			sum.Kind = model.RoomKind(kind)
			if createdBy.Valid {
				v := createdBy.Int64
				sum.CreatedBy = &v
			}
			sum.CreatedAt = db.FromMillis(createdAt)
			sum.JoinedAt = db.FromMillis(joinedAt)
			if sum.Kind == model.KindDirect && partner.Valid {
				v := partner.Int64
				sum.PartnerID = &v
			}
			if lastID.Valid {
				lastIDs[sum.ID] = lastID.Int64
			}
			out = append(out, sum)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	previews, err := s.lastMessages(ctx, lastIDs)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if p, ok := previews[out[i].ID]; ok {
			out[i].LastMessage = p
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		ai, aj := activity(out[i]), activity(out[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func activity(s model.RoomSummary) time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return s.CreatedAt
}

func (s *Store) lastMessages(ctx context.Context, lastIDs map[int64]int64) (map[int64]*model.Message, error) {
	out := make(map[int64]*model.Message, len(lastIDs))
	if len(lastIDs) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(lastIDs))
	for _, id := range lastIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")

	err := s.db.Retry(ctx, func() error {
		rows, err := s.db.Query(ctx, `
			SELECT id, room_id, sender_id, content, encrypted, message_type, created_at, deleted_at
			FROM messages WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				m         model.Message
				typ       string
				createdAt int64
				deletedAt sql.NullInt64
			)
			if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.Encrypted, &typ, &createdAt, &deletedAt); err != nil {
				return err
			}
			m.Type = model.MessageType(typ)
			m.CreatedAt = db.FromMillis(createdAt)
			m.Deleted = deletedAt.Valid
			out[m.RoomID] = &m
		}
		return rows.Err()
	})
	return out, err
}
