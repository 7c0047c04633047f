package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/roomchat/pkg/auth"
	"github.com/mahaj/roomchat/pkg/model"
)

type historySource interface {
	History(ctx context.Context, roomID, beforeID int64, limit int) ([]model.Message, error)
}

// archivedHistory pages a room's timeline, oldest first. Membership is
// checked against the SQL room store before the archive is read.
func (s *server) archivedHistory(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || roomID <= 0 {
		s.badRequest(w, r, "invalid room id")
		return
	}
	q := r.URL.Query()
	var beforeID int64
	if v := q.Get("before_id"); v != "" {
		beforeID, err = strconv.ParseInt(v, 10, 64)
		if err != nil || beforeID < 0 {
			s.badRequest(w, r, "invalid before_id")
			return
		}
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.badRequest(w, r, "invalid limit")
			return
		}
	}

	userID, _ := auth.UserFrom(r.Context())
	if err := s.rooms.RequireMember(r.Context(), roomID, userID); err != nil {
		s.fail(w, r, err)
		return
	}
	msgs, err := s.history.History(r.Context(), roomID, beforeID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

type loginRequest struct {
	UserID int64 `json:"user_id"`
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		s.badRequest(w, r, "invalid JSON body")
		return
	}
	if req.UserID <= 0 {
		s.badRequest(w, r, "user_id is required")
		return
	}
	token, err := s.issuer.GenerateToken(req.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loginResponse{Token: token, UserID: req.UserID})
}
