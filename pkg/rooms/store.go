// Package rooms is the durable record of rooms, memberships and admin
// roles. Every mutation that can change who administers a room runs in a
// single transaction that locks the room first, so concurrent leaves,
// kicks and demotions can never leave a populated room without an admin.
package rooms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mahaj/roomchat/pkg/chaterr"
	"github.com/mahaj/roomchat/pkg/db"
	"github.com/mahaj/roomchat/pkg/keys"
	"github.com/mahaj/roomchat/pkg/model"
)

const maxNameLen = 50

// effectiveAdmin is the single admin predicate. It expects the membership
// aliased m and the room aliased r.
const effectiveAdmin = `(m.role = 'admin' OR m.user_id = r.created_by)`

type Store struct {
	db   *db.DB
	keys *keys.Manager
	now  func() time.Time
}

func NewStore(d *db.DB, km *keys.Manager) *Store {
	return &Store{db: d, keys: km, now: func() time.Time { return time.Now().UTC() }}
}

// CreateParams describe a new room.
type CreateParams struct {
	Name      string
	Kind      model.RoomKind
	CreatorID int64
	MemberIDs []int64
}

// Create inserts a room with the creator as admin and everyone else as
// member. A direct room between a pair that already has one returns the
// existing room with created=false.
func (s *Store) Create(ctx context.Context, p CreateParams) (room model.Room, created bool, err error) {
	if !p.Kind.Valid() {
		return model.Room{}, false, chaterr.Invalid(chaterr.CodeRoomKindInvalid, "room type must be direct or group")
	}
	if p.CreatorID <= 0 {
		return model.Room{}, false, chaterr.Invalid(chaterr.CodeMembersInvalid, "creator is required")
	}
	members := uniqueMembers(p.CreatorID, p.MemberIDs)

	var name sql.NullString
	var directKey sql.NullString
	switch p.Kind {
	case model.KindDirect:
		if len(members) != 2 {
			return model.Room{}, false, chaterr.Invalid(chaterr.CodeMembersInvalid, "a direct room needs exactly one other member")
		}
		directKey = sql.NullString{String: pairKey(members[0], members[1]), Valid: true}
	case model.KindGroup:
		n, err := cleanName(p.Name)
		if err != nil {
			return model.Room{}, false, err
		}
		name = sql.NullString{String: n, Valid: true}
	}

	_, sealed, err := s.keys.NewRoomKey()
	if err != nil {
		return model.Room{}, false, err
	}

	err = s.db.WithTx(ctx, func(tx *db.Tx) error {
		created = false
		now := s.now()

		if directKey.Valid {
			existing, err := roomByDirectKey(ctx, tx, directKey.String)
			if err == nil {
				room = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO rooms (name, kind, created_by, encryption_key, direct_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (direct_key) DO NOTHING
			RETURNING id`,
			name, string(p.Kind), p.CreatorID, sealed, directKey, db.Millis(now),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			// Lost a race with a concurrent create of the same pair.
			existing, err := roomByDirectKey(ctx, tx, directKey.String)
			if err != nil {
				return fmt.Errorf("load existing direct room: %w", err)
			}
			room = existing
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert room: %w", err)
		}

		for _, uid := range members {
			role := model.RoleMember
			if uid == p.CreatorID {
				role = model.RoleAdmin
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO room_members (room_id, user_id, role, joined_at)
				VALUES (?, ?, ?, ?)`,
				id, uid, string(role), db.Millis(now),
			); err != nil {
				return fmt.Errorf("insert member %d: %w", uid, err)
			}
		}

		creator := p.CreatorID
		room = model.Room{ID: id, Name: name.String, Kind: p.Kind, CreatedBy: &creator, CreatedAt: db.FromMillis(db.Millis(now))}
		created = true
		return nil
	})
	if err != nil {
		return model.Room{}, false, err
	}
	return room, created, nil
}

// Get loads a room. Callers that answer clients must check membership first.
func (s *Store) Get(ctx context.Context, roomID int64) (model.Room, error) {
	var room model.Room
	err := s.db.Retry(ctx, func() error {
		r, err := scanRoom(s.db.QueryRow(ctx, `
			SELECT id, name, kind, created_by, created_at FROM rooms WHERE id = ?`, roomID))
		room = r
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.Room{}, chaterr.ErrRoomNotFound
	}
	return room, err
}

// IsMember is the membership collaborator used by every authorization check.
func (s *Store) IsMember(ctx context.Context, roomID, userID int64) (bool, error) {
	var n int
	err := s.db.Retry(ctx, func() error {
		return s.db.QueryRow(ctx, `
			SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id = ?`,
			roomID, userID).Scan(&n)
	})
	return n > 0, err
}

// RequireMember returns chaterr.ErrNotMember unless userID belongs to roomID.
func (s *Store) RequireMember(ctx context.Context, roomID, userID int64) error {
	ok, err := s.IsMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return chaterr.ErrNotMember
	}
	return nil
}

// IsAdmin reports whether userID holds the admin role or is the room's
// current creator.
func (s *Store) IsAdmin(ctx context.Context, roomID, userID int64) (bool, error) {
	var n int
	err := s.db.Retry(ctx, func() error {
		return s.db.QueryRow(ctx, `
			SELECT COUNT(*) FROM room_members m JOIN rooms r ON r.id = m.room_id
			WHERE m.room_id = ? AND m.user_id = ? AND `+effectiveAdmin,
			roomID, userID).Scan(&n)
	})
	return n > 0, err
}

// Membership loads one member row.
func (s *Store) Membership(ctx context.Context, roomID, userID int64) (model.Membership, error) {
	var m model.Membership
	err := s.db.Retry(ctx, func() error {
		var err error
		m, err = scanMembership(s.db.QueryRow(ctx, `
			SELECT room_id, user_id, role, last_read_message_id, pinned, muted, joined_at
			FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.Membership{}, chaterr.ErrNotMember
	}
	return m, err
}

// Members lists a room's memberships ordered by user id.
func (s *Store) Members(ctx context.Context, roomID int64) ([]model.Membership, error) {
	var out []model.Membership
	err := s.db.Retry(ctx, func() error {
		out = out[:0]
		rows, err := s.db.Query(ctx, `
			SELECT room_id, user_id, role, last_read_message_id, pinned, muted, joined_at
			FROM room_members WHERE room_id = ? ORDER BY user_id`, roomID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMembership(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// MemberIDs lists the user ids of a room's members.
func (s *Store) MemberIDs(ctx context.Context, roomID int64) ([]int64, error) {
	return s.userIDs(ctx, `SELECT user_id FROM room_members WHERE room_id = ? ORDER BY user_id`, roomID)
}

// Admins lists effective admins.
func (s *Store) Admins(ctx context.Context, roomID int64) ([]int64, error) {
	return s.userIDs(ctx, `
		SELECT m.user_id FROM room_members m JOIN rooms r ON r.id = m.room_id
		WHERE m.room_id = ? AND `+effectiveAdmin+` ORDER BY m.user_id`, roomID)
}

func (s *Store) userIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	var out []int64
	err := s.db.Retry(ctx, func() error {
		out = out[:0]
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}

// AddMembers invites users into a group room. Existing members are skipped.
func (s *Store) AddMembers(ctx context.Context, roomID, actorID int64, userIDs []int64) ([]int64, error) {
	var added []int64
	err := s.db.WithTx(ctx, func(tx *db.Tx) error {
		added = nil
		lock, err := lockRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if _, err := memberRole(ctx, tx, roomID, actorID); err != nil {
			return err
		}
		if lock.kind != model.KindGroup {
			return chaterr.Invalid(chaterr.CodeRoomKindInvalid, "members can only be added to group rooms")
		}
		now := db.Millis(s.now())
		for _, uid := range uniqueMembers(0, userIDs) {
			res, err := tx.Exec(ctx, `
				INSERT INTO room_members (room_id, user_id, role, joined_at)
				VALUES (?, ?, 'member', ?)
				ON CONFLICT (room_id, user_id) DO NOTHING`,
				roomID, uid, now)
			if err != nil {
				return fmt.Errorf("add member %d: %w", uid, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				added = append(added, uid)
			}
		}
		return nil
	})
	return added, err
}

// Rename sets a group room's display name. Only admins may rename.
func (s *Store) Rename(ctx context.Context, roomID, actorID int64, name string) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	err = s.db.WithTx(ctx, func(tx *db.Tx) error {
		lock, err := lockRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if err := requireAdmin(ctx, tx, roomID, actorID, lock.createdBy); err != nil {
			return err
		}
		if lock.kind != model.KindGroup {
			return chaterr.Invalid(chaterr.CodeRoomKindInvalid, "direct rooms cannot be renamed")
		}
		_, err = tx.Exec(ctx, `UPDATE rooms SET name = ? WHERE id = ?`, clean, roomID)
		return err
	})
	return clean, err
}

// SetPinned updates the caller's own pin preference.
func (s *Store) SetPinned(ctx context.Context, roomID, userID int64, pinned bool) error {
	return s.setPref(ctx, "pinned", roomID, userID, pinned)
}

// SetMuted updates the caller's own mute preference.
func (s *Store) SetMuted(ctx context.Context, roomID, userID int64, muted bool) error {
	return s.setPref(ctx, "muted", roomID, userID, muted)
}

func (s *Store) setPref(ctx context.Context, column string, roomID, userID int64, v bool) error {
	return s.db.Retry(ctx, func() error {
		res, err := s.db.Exec(ctx,
			`UPDATE room_members SET `+column+` = ? WHERE room_id = ? AND user_id = ?`,
			v, roomID, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return chaterr.ErrNotMember
		}
		return nil
	})
}

// AdvanceReadMarker moves the caller's read marker forward to messageID.
// The message must belong to the room. Markers never move backwards, so
// receipts that arrive out of order are harmless; advanced reports whether
// this call moved the marker.
func (s *Store) AdvanceReadMarker(ctx context.Context, roomID, userID, messageID int64) (advanced bool, err error) {
	if err := s.RequireMember(ctx, roomID, userID); err != nil {
		return false, err
	}
	err = s.db.Retry(ctx, func() error {
		var msgRoom int64
		err := s.db.QueryRow(ctx, `SELECT room_id FROM messages WHERE id = ?`, messageID).Scan(&msgRoom)
		if errors.Is(err, sql.ErrNoRows) {
			return chaterr.ErrMessageGone
		}
		if err != nil {
			return err
		}
		if msgRoom != roomID {
			return chaterr.Invalid(chaterr.CodeReadCrossRoom, "message is not in this room")
		}
		res, err := s.db.Exec(ctx, `
			UPDATE room_members SET last_read_message_id = ?
			WHERE room_id = ? AND user_id = ? AND last_read_message_id < ?`,
			messageID, roomID, userID, messageID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		advanced = n > 0
		return nil
	})
	return advanced, err
}

// ReadCursors lists every member's read position.
func (s *Store) ReadCursors(ctx context.Context, roomID int64) ([]model.ReadCursor, error) {
	members, err := s.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]model.ReadCursor, 0, len(members))
	for _, m := range members {
		out = append(out, model.ReadCursor{UserID: m.UserID, LastReadMessageID: m.LastReadMessageID})
	}
	return out, nil
}

// UnreadCount counts members other than the sender who have not read
// messageID yet.
func (s *Store) UnreadCount(ctx context.Context, roomID, messageID, senderID int64) (int, error) {
	var n int
	err := s.db.Retry(ctx, func() error {
		return s.db.QueryRow(ctx, `
			SELECT COUNT(*) FROM room_members
			WHERE room_id = ? AND user_id <> ? AND last_read_message_id < ?`,
			roomID, senderID, messageID).Scan(&n)
	})
	return n, err
}

// RoomKey returns the room's plaintext key to a member.
func (s *Store) RoomKey(ctx context.Context, roomID, userID int64) ([]byte, error) {
	if err := s.RequireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	var sealed string
	err := s.db.Retry(ctx, func() error {
		return s.db.QueryRow(ctx, `SELECT encryption_key FROM rooms WHERE id = ?`, roomID).Scan(&sealed)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chaterr.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.keys.Open(sealed)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (model.Room, error) {
	var (
		r         model.Room
		name      sql.NullString
		kind      string
		createdBy sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&r.ID, &name, &kind, &createdBy, &createdAt); err != nil {
		return model.Room{}, err
	}
	r.Name = name.String
	r.Kind = model.RoomKind(kind)
	if createdBy.Valid {
		v := createdBy.Int64
		r.CreatedBy = &v
	}
	r.CreatedAt = db.FromMillis(createdAt)
	return r, nil
}

func scanMembership(row rowScanner) (model.Membership, error) {
	var (
		m        model.Membership
		role     string
		joinedAt int64
	)
	if err := row.Scan(&m.RoomID, &m.UserID, &role, &m.LastReadMessageID, &m.Pinned, &m.Muted, &joinedAt); err != nil {
		return model.Membership{}, err
	}
	m.Role = model.Role(role)
	m.JoinedAt = db.FromMillis(joinedAt)
	return m, nil
}

func roomByDirectKey(ctx context.Context, tx *db.Tx, key string) (model.Room, error) {
	return scanRoom(tx.QueryRow(ctx, `
		SELECT id, name, kind, created_by, created_at FROM rooms WHERE direct_key = ?`, key))
}

// uniqueMembers returns the creator (if non-zero) plus ids, deduplicated
// and sorted, dropping non-positive ids.
func uniqueMembers(creator int64, ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids)+1)
	var out []int64
	for _, id := range append([]int64{creator}, ids...) {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func pairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n == 0 || n > maxNameLen {
		return "", chaterr.Invalid(chaterr.CodeRoomNameInvalid, "room name must be 1 to 50 characters")
	}
	return name, nil
}
