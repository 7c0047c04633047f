package main

import (
	"net/http"

	"github.com/mahaj/roomchat/pkg/auth"
	"github.com/mahaj/roomchat/pkg/chaterr"
	"github.com/mahaj/roomchat/pkg/presence"
)

var errNoPresence = chaterr.Missing("PRESENCE_UNAVAILABLE", "presence is not configured")

// onlineUsers reads the Redis mirror every gateway writes to, so it sees
// users on all instances.
func (s *server) onlineUsers(w http.ResponseWriter, r *http.Request) {
	if s.redis == nil {
		s.fail(w, r, errNoPresence)
		return
	}
	ids, err := presence.OnlineUsers(r.Context(), s.redis)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	self, _ := auth.UserFrom(r.Context())
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != self {
			out = append(out, id)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string][]int64{"user_ids": out})
}
