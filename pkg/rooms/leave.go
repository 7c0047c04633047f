package rooms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mahaj/roomchat/pkg/chaterr"
	"github.com/mahaj/roomchat/pkg/db"
	"github.com/mahaj/roomchat/pkg/model"
)

// Departure describes the outcome of a leave or kick.
type Departure struct {
	Removed   bool
	Remaining int
	// Orphaned is set when the last member left; the room keeps its history
	// with no creator.
	Orphaned bool
	// NewCreator is set when created_by moved to another member.
	NewCreator *int64
	// Promoted is set when a member was made admin so the room keeps one.
	Promoted *int64
}

var errNotRemoved = errors.New("membership not removed")

type roomLock struct {
	kind      model.RoomKind
	createdBy sql.NullInt64
}

// lockRoom takes the room's row lock for the rest of the transaction.
func lockRoom(ctx context.Context, tx *db.Tx, roomID int64) (roomLock, error) {
	var (
		l    roomLock
		kind string
	)
	err := tx.QueryRow(ctx, `SELECT kind, created_by FROM rooms WHERE id = ?`+tx.LockRow(), roomID).
		Scan(&kind, &l.createdBy)
	if errors.Is(err, sql.ErrNoRows) {
		// Existence is not revealed ahead of membership.
		return roomLock{}, chaterr.ErrNotMember
	}
	if err != nil {
		return roomLock{}, fmt.Errorf("lock room %d: %w", roomID, err)
	}
	l.kind = model.RoomKind(kind)
	return l, nil
}

func memberRole(ctx context.Context, tx *db.Tx, roomID, userID int64) (model.Role, error) {
	var role string
	err := tx.QueryRow(ctx, `SELECT role FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", chaterr.ErrNotMember
	}
	if err != nil {
		return "", err
	}
	return model.Role(role), nil
}

func isEffectiveAdmin(role model.Role, userID int64, createdBy sql.NullInt64) bool {
	return role == model.RoleAdmin || (createdBy.Valid && createdBy.Int64 == userID)
}

func requireAdmin(ctx context.Context, tx *db.Tx, roomID, actorID int64, createdBy sql.NullInt64) error {
	role, err := memberRole(ctx, tx, roomID, actorID)
	if err != nil {
		return err
	}
	if !isEffectiveAdmin(role, actorID, createdBy) {
		return chaterr.ErrAdminRequired
	}
	return nil
}

// Leave removes userID's membership. A non-member is a no-op with
// Removed=false. When the departing user was the creator, or the creator is
// already gone, created_by moves to the lowest-id admin, or the lowest-id
// member when no admin remains; if no admin remains that member is promoted.
func (s *Store) Leave(ctx context.Context, roomID, userID int64) (Departure, error) {
	var out Departure
	err := s.db.WithTx(ctx, func(tx *db.Tx) error {
		out = Departure{}
		lock, err := lockRoom(ctx, tx, roomID)
		if errors.Is(err, chaterr.ErrNotMember) {
			return errNotRemoved
		}
		if err != nil {
			return err
		}
		if _, err := memberRole(ctx, tx, roomID, userID); errors.Is(err, chaterr.ErrNotMember) {
			return errNotRemoved
		} else if err != nil {
			return err
		}
		return s.removeAndRepair(ctx, tx, roomID, userID, lock, &out)
	})
	if errors.Is(err, errNotRemoved) {
		return Departure{}, nil
	}
	return out, err
}

// Kick removes targetID on behalf of actorID. The actor must be an admin;
// admins cannot be kicked and nobody can kick themself.
func (s *Store) Kick(ctx context.Context, roomID, targetID, actorID int64) (Departure, error) {
	var out Departure
	err := s.db.WithTx(ctx, func(tx *db.Tx) error {
		out = Departure{}
		lock, err := lockRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if err := requireAdmin(ctx, tx, roomID, actorID, lock.createdBy); err != nil {
			return err
		}
		if targetID == actorID {
			return chaterr.Invalid(chaterr.CodeSelfKick, "use leave to remove yourself")
		}
		if lock.kind != model.KindGroup {
			return chaterr.Invalid(chaterr.CodeRoomKindInvalid, "members can only be kicked from group rooms")
		}
		role, err := memberRole(ctx, tx, roomID, targetID)
		if errors.Is(err, chaterr.ErrNotMember) {
			return chaterr.Invalid(chaterr.CodeNotMember, "user is not a member of this room")
		}
		if err != nil {
			return err
		}
		if isEffectiveAdmin(role, targetID, lock.createdBy) {
			return chaterr.Forbidden(chaterr.CodeTargetIsAdmin, "admins cannot be kicked")
		}
		return s.removeAndRepair(ctx, tx, roomID, targetID, lock, &out)
	})
	return out, err
}

// SetAdmin grants or revokes the admin role. Demoting the last admin is
// rejected. Demoting the creator hands created_by to the lowest-id admin
// left, so created_by always points at an admin.
func (s *Store) SetAdmin(ctx context.Context, roomID, actorID, targetID int64, isAdmin bool) (changed bool, err error) {
	err = s.db.WithTx(ctx, func(tx *db.Tx) error {
		changed = false
		lock, err := lockRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if err := requireAdmin(ctx, tx, roomID, actorID, lock.createdBy); err != nil {
			return err
		}
		role, err := memberRole(ctx, tx, roomID, targetID)
		if errors.Is(err, chaterr.ErrNotMember) {
			return chaterr.Invalid(chaterr.CodeNotMember, "user is not a member of this room")
		}
		if err != nil {
			return err
		}

		if isAdmin {
			if role == model.RoleAdmin {
				return nil
			}
			if _, err := tx.Exec(ctx, `UPDATE room_members SET role = 'admin' WHERE room_id = ? AND user_id = ?`, roomID, targetID); err != nil {
				return fmt.Errorf("promote: %w", err)
			}
			changed = true
			return nil
		}

		if role != model.RoleAdmin {
			return nil
		}
		var admins int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM room_members WHERE room_id = ? AND role = 'admin'`, roomID).Scan(&admins); err != nil {
			return err
		}
		if admins <= 1 {
			return chaterr.ErrLastAdmin
		}
		if _, err := tx.Exec(ctx, `UPDATE room_members SET role = 'member' WHERE room_id = ? AND user_id = ?`, roomID, targetID); err != nil {
			return fmt.Errorf("demote: %w", err)
		}
		if lock.createdBy.Valid && lock.createdBy.Int64 == targetID {
			if _, err := tx.Exec(ctx, `
				UPDATE rooms SET created_by = (
					SELECT MIN(user_id) FROM room_members WHERE room_id = ? AND role = 'admin'
				) WHERE id = ?`, roomID, roomID); err != nil {
				return fmt.Errorf("reassign creator: %w", err)
			}
		}
		changed = true
		return nil
	})
	return changed, err
}

type remainingMember struct {
	userID int64
	role   model.Role
}

// removeAndRepair deletes the membership and restores the room's ownership
// invariants within the caller's transaction.
func (s *Store) removeAndRepair(ctx context.Context, tx *db.Tx, roomID, userID int64, lock roomLock, out *Departure) error {
	res, err := tx.Exec(ctx, `DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNotRemoved
	}
	out.Removed = true

	if lock.kind == model.KindDirect {
		if _, err := tx.Exec(ctx, `UPDATE rooms SET direct_key = NULL WHERE id = ?`, roomID); err != nil {
			return fmt.Errorf("release direct pair: %w", err)
		}
	}

	rows, err := tx.Query(ctx, `
		SELECT user_id, role FROM room_members WHERE room_id = ?
		ORDER BY CASE WHEN role = 'admin' THEN 0 ELSE 1 END, user_id`, roomID)
	if err != nil {
		return fmt.Errorf("load remaining members: %w", err)
	}
	var remaining []remainingMember
	for rows.Next() {
		var m remainingMember
		var role string
		if err := rows.Scan(&m.userID, &role); err != nil {
			rows.Close()
			return err
		}
		m.role = model.Role(role)
		remaining = append(remaining, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	out.Remaining = len(remaining)

	if len(remaining) == 0 {
		out.Orphaned = true
		_, err := tx.Exec(ctx, `UPDATE rooms SET created_by = NULL WHERE id = ?`, roomID)
		return err
	}

	admins := 0
	creatorPresent := false
	for _, m := range remaining {
		if m.role == model.RoleAdmin {
			admins++
		}
		if lock.createdBy.Valid && m.userID == lock.createdBy.Int64 {
			creatorPresent = true
		}
	}

	chosen := remaining[0].userID
	if !creatorPresent || lock.createdBy.Int64 == userID {
		if _, err := tx.Exec(ctx, `UPDATE rooms SET created_by = ? WHERE id = ?`, chosen, roomID); err != nil {
			return fmt.Errorf("reassign creator: %w", err)
		}
		out.NewCreator = &chosen
	} else {
		chosen = lock.createdBy.Int64
	}

	if admins == 0 {
		if _, err := tx.Exec(ctx, `UPDATE room_members SET role = 'admin' WHERE room_id = ? AND user_id = ?`, roomID, chosen); err != nil {
			return fmt.Errorf("promote successor: %w", err)
		}
		out.Promoted = &chosen
	}
	return nil
}
