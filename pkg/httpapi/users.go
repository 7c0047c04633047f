package httpapi

import (
	"net/http"

	"github.com/mahaj/roomchat/pkg/presence"
)

// OnlineUsers lists online users other than the caller.
func (h *Handler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	var ids []int64
	if h.redis != nil {
		var err error
		ids, err = presence.OnlineUsers(r.Context(), h.redis)
		if err != nil {
			h.log.Warn().Err(err).Msg("redis online users, using local registry")
			ids = nil
		}
	}
	if ids == nil {
		ids = h.presence.OnlineUsers()
	}

	self := caller(r)
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != self {
			out = append(out, id)
		}
	}
	h.JSON(w, http.StatusOK, map[string][]int64{"user_ids": out})
}

// Login issues a token for any user id. Mounted only when dev login is
// enabled; identity is otherwise owned by an external service.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		h.badRequest(w, r, "user_id is required")
		return
	}
	token, err := h.issuer.GenerateToken(req.UserID)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"token": token, "user_id": req.UserID})
}
