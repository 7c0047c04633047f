package httpapi

import (
	"context"
	"fmt"

	"github.com/mahaj/roomchat/pkg/model"
	"github.com/mahaj/roomchat/pkg/rooms"
)

// Event publication failures are logged, not returned: the mutation has
// already committed.

func (h *Handler) toRoom(ctx context.Context, roomID int64, event model.EventType, payload any) {
	if err := h.router.ToRoom(ctx, roomID, event, payload); err != nil {
		h.log.Error().Err(err).Int64("room_id", roomID).Str("event", string(event)).Msg("publish")
	}
}

func (h *Handler) toUsers(ctx context.Context, userIDs []int64, event model.EventType, payload any) {
	if err := h.router.ToUsers(ctx, userIDs, event, payload); err != nil {
		h.log.Error().Err(err).Ints64("user_ids", userIDs).Str("event", string(event)).Msg("publish")
	}
}

// notifyMembers sends room_updated to the connections of current members,
// joined to the room or not.
func (h *Handler) notifyMembers(ctx context.Context, roomID int64) {
	ids, err := h.rooms.MemberIDs(ctx, roomID)
	if err != nil {
		h.log.Error().Err(err).Int64("room_id", roomID).Msg("load members")
		return
	}
	h.toUsers(ctx, ids, model.EventRoomUpdated, model.RoomUpdated{RoomID: roomID})
}

// notice records a server-authored message in the room and publishes it
// under the room lock, so it keeps its commit order against socket sends.
func (h *Handler) notice(ctx context.Context, roomID, actorID int64, content string) {
	unlock := h.router.LockRoom(roomID)
	defer unlock()

	msg, err := h.messages.AppendSystem(ctx, roomID, actorID, content)
	if err != nil {
		h.log.Error().Err(err).Int64("room_id", roomID).Msg("system message")
		return
	}
	h.toRoom(ctx, roomID, model.EventNewMessage, msg)
}

func (h *Handler) membersJoined(ctx context.Context, roomID, actorID int64, added []int64) {
	h.toRoom(ctx, roomID, model.EventRoomMembersUpdated, model.RoomMembersUpdated{
		RoomID: roomID, Action: model.ActionJoined, UserIDs: added, ActorID: actorID,
	})
	for _, id := range added {
		h.notice(ctx, roomID, actorID, fmt.Sprintf("user %d joined", id))
	}
	h.notifyMembers(ctx, roomID)
}

// departed publishes a leave or kick. The departing user's connections are
// unsubscribed first so they see none of the room traffic that follows.
// Eviction holds the room lock so a join racing the departure either
// finishes before it and is evicted, or sees the membership gone.
func (h *Handler) departed(ctx context.Context, roomID, userID, actorID int64, action model.MemberAction, dep rooms.Departure) {
	unlock := h.router.LockRoom(roomID)
	err := h.router.Evict(ctx, roomID, userID)
	unlock()
	if err != nil {
		h.log.Error().Err(err).Int64("room_id", roomID).Int64("user_id", userID).Msg("evict")
	}
	h.toUsers(ctx, []int64{userID}, model.EventRemovedFromRoom, model.RemovedFromRoom{RoomID: roomID, Reason: action})

	if dep.Orphaned {
		return
	}
	h.toRoom(ctx, roomID, model.EventRoomMembersUpdated, model.RoomMembersUpdated{
		RoomID: roomID, Action: action, UserIDs: []int64{userID}, ActorID: actorID,
	})
	if dep.Promoted != nil {
		h.toRoom(ctx, roomID, model.EventRoomMembersUpdated, model.RoomMembersUpdated{
			RoomID: roomID, Action: model.ActionPromoted, UserIDs: []int64{*dep.Promoted},
		})
	}
	verb := "left"
	if action == model.ActionKicked {
		verb = "was removed"
	}
	h.notice(ctx, roomID, actorID, fmt.Sprintf("user %d %s", userID, verb))
	h.notifyMembers(ctx, roomID)
}
