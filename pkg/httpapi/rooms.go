package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/mahaj/roomchat/pkg/chaterr"
	"github.com/mahaj/roomchat/pkg/keys"
	"github.com/mahaj/roomchat/pkg/model"
	"github.com/mahaj/roomchat/pkg/rooms"
)

type createRoomRequest struct {
	Name      string         `json:"name"`
	Type      model.RoomKind `json:"type"`
	MemberIDs []int64        `json:"member_ids"`
}

type roomDetail struct {
	model.Room
	Members []model.Membership `json:"members"`
}

type historyResponse struct {
	Messages    []model.Message    `json:"messages"`
	Members     []model.Membership `json:"members"`
	ReadCursors []model.ReadCursor `json:"read_cursors"`
}

type userRequest struct {
	UserID int64 `json:"user_id"`
}

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	list, err := h.rooms.ListForUser(r.Context(), caller(r))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if list == nil {
		list = []model.RoomSummary{}
	}
	h.JSON(w, http.StatusOK, list)
}

// CreateRoom opens a room. Without an explicit type, two distinct
// participants make a direct room and anything else a group.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID := caller(r)
	if req.Type == "" {
		req.Type = model.KindGroup
		if distinct(userID, req.MemberIDs) == 2 {
			req.Type = model.KindDirect
		}
	}

	room, created, err := h.rooms.Create(r.Context(), rooms.CreateParams{
		Name:      req.Name,
		Kind:      req.Type,
		CreatorID: userID,
		MemberIDs: req.MemberIDs,
	})
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if !created {
		h.JSON(w, http.StatusOK, room)
		return
	}
	h.notifyMembers(r.Context(), room.ID)
	h.JSON(w, http.StatusCreated, room)
}

func distinct(creator int64, ids []int64) int {
	seen := map[int64]struct{}{creator: {}}
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}

// GetRoom checks membership before existence so outsiders cannot discover room ids.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(r, "id")
	if !ok {
		h.badRequest(w, r, "invalid room id")
		return
	}
	ctx := r.Context()
	if err := h.rooms.RequireMember(ctx, roomID, caller(r)); err != nil {
		h.Error(w, r, err)
		return
	}
	room, err := h.rooms.Get(ctx, roomID)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	members, err := h.rooms.Members(ctx, roomID)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, roomDetail{Room: room, Members: members})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(r, "id")
	if !ok {
		h.badRequest(w, r, "invalid room id")
		return
	}
	q := r.URL.Query()
	var beforeID int64
	if v := q.Get("before_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			h.badRequest(w, r, "invalid before_id")
			return
		}
		beforeID = n
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.badRequest(w, r, "invalid limit")
			return
		}
		limit = n
	}

	ctx := r.Context()
	if err := h.rooms.RequireMember(ctx, roomID, caller(r)); err != nil {
		h.Error(w, r, err)
		return
	}
	msgs, err := h.messages.History(ctx, roomID, beforeID, limit)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	members, err := h.rooms.Members(ctx, roomID)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	cursors, err := h.rooms.ReadCursors(ctx, roomID)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	for i := range msgs {
		msgs[i].UnreadCount = unreadBy(cursors, msgs[i])
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	h.JSON(w, http.StatusOK, historyResponse{Messages: msgs, Members: members, ReadCursors: cursors})
}

// unreadBy counts members other than the sender who have not read m.
func unreadBy(cursors []model.ReadCursor, m model.Message) int {
	n := 0
	for _, c := range cursors {
		if c.UserID != m.SenderID && c.LastReadMessageID < m.ID {
			n++
		}
	}
	return n
}

func (h *Handler) RoomKey(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(r, "id")
	if !ok {
		h.badRequest(w, r, "invalid room id")
		return
	}
	key, err := h.rooms.RoomKey(r.Context(), roomID, caller(r))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"room_id": roomID, "key": keys.Encode(key)})
}

func (h *Handler) AddMembers(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(r, "id")
	if !ok {
		h.badRequest(w, r, "invalid room id")
		return
	}
	var req struct {
		UserID  int64   `json:"user_id"`
		UserIDs []int64 `json:"user_ids"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID > 0 {
		req.UserIDs = append(req.UserIDs, req.UserID)
	}

	actor := caller(r)
	added, err := h.rooms.AddMembers(r.Context(), roomID, actor, req.UserIDs)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if len(added) == 0 {
		h.Error(w, r, chaterr.Invalid(chaterr.CodeMembersInvalid, "users are already members"))
		return
	}
	h.membersJoined(r.Context(), roomID, actor, added)
	h.JSON(w, http.StatusOK, map[string]any{"added_count": len(added), "user_ids": added})
}

func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(r, "id")
	if !ok {
		h.badRequest(w, r, "invalid room id")
		return
	}
	userID := caller(r)
	dep, err := h.rooms.Leave(r.Context(), roomID, userID)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if dep.Removed {
		h.departed(r.Context(), roomID, userID, userID, model.ActionLeft, dep)
	}
	h.JSON(w, http.StatusOK, map[string]any{"removed": dep.Removed, "orphaned": dep.Orphaned})
}

func (h *Handler) Kick(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(r, "id")
	if !ok {
		h.badRequest(w, r, "invalid room id")
		return
	}
	var req userRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		h.badRequest(w, r, "user_id is required")
		return
	}
	actor := caller(r)
	dep, err := h.rooms.Kick(r.Context(), roomID, req.UserID, actor)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.departed(r.Context(), roomID, req.UserID, actor, model.ActionKicked, dep)
	h.JSON(w, http.StatusOK, map[string]any{"removed": dep.Removed})
}

func (h *Handler) SetAdmin(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(r, "id")
	if !ok {
		h.badRequest(w, r, "invalid room id")
		return
	}
	var req struct {
		UserID  int64 `json:"user_id"`
		IsAdmin *bool `json:"is_admin"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		h.badRequest(w, r, "user_id is required")
		return
	}
	isAdmin := req.IsAdmin == nil || *req.IsAdmin

	actor := caller(r)
	changed, err := h.rooms.SetAdmin(r.Context(), roomID, actor, req.UserID, isAdmin)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if changed {
		action := model.ActionPromoted
		if !isAdmin {
			action = model.ActionDemoted
		}
		h.toRoom(r.Context(), roomID, model.EventRoomMembersUpdated, model.RoomMembersUpdated{
			RoomID: roomID, Action: action, UserIDs: []int64{req.UserID}, ActorID: actor,
		})
	}
	h.JSON(w, http.StatusOK, map[string]any{"changed": changed, "is_admin": isAdmin})
}

func (h *Handler) AdminCheck(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(r, "id")
	if !ok {
		h.badRequest(w, r, "invalid room id")
		return
	}
	ctx := r.Context()
	userID := caller(r)
	if err := h.rooms.RequireMember(ctx, roomID, userID); err != nil {
		h.Error(w, r, err)
		return
	}
	admin, err := h.rooms.IsAdmin(ctx, roomID, userID)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"is_admin": admin})
}

func (h *Handler) Rename(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(r, "id")
	if !ok {
		h.badRequest(w, r, "invalid room id")
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	name, err := h.rooms.Rename(r.Context(), roomID, caller(r), req.Name)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.toRoom(r.Context(), roomID, model.EventRoomNameUpdated, model.RoomNameUpdated{RoomID: roomID, Name: name})
	h.notifyMembers(r.Context(), roomID)
	h.JSON(w, http.StatusOK, map[string]string{"name": name})
}

func (h *Handler) Pin(w http.ResponseWriter, r *http.Request) {
	h.setPref(w, r, "pinned", h.rooms.SetPinned)
}

func (h *Handler) Mute(w http.ResponseWriter, r *http.Request) {
	h.setPref(w, r, "muted", h.rooms.SetMuted)
}

// setPref reads {"<field>": bool}, defaulting to true, and applies it to
// the caller's own membership.
func (h *Handler) setPref(w http.ResponseWriter, r *http.Request, field string,
	apply func(ctx context.Context, roomID, userID int64, v bool) error) {
	roomID, ok := idParam(r, "id")
	if !ok {
		h.badRequest(w, r, "invalid room id")
		return
	}
	var req map[string]*bool
	if !h.decode(w, r, &req) {
		return
	}
	v := true
	if p := req[field]; p != nil {
		v = *p
	}
	if err := apply(r.Context(), roomID, caller(r), v); err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{field: v})
}
