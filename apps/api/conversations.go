package main

import (
	"net/http"

	"github.com/mahaj/roomchat/pkg/auth"
	"github.com/mahaj/roomchat/pkg/model"
)

// conversations lists the caller's rooms with unread counts, most recent
// activity first.
func (s *server) conversations(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFrom(r.Context())
	list, err := s.rooms.ListForUser(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []model.RoomSummary{}
	}
	s.writeJSON(w, http.StatusOK, list)
}
