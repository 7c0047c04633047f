// Package httpapi serves the REST command API: room management, history,
// uploads and message edits. Every mutation publishes its events through
// the broadcast router with the same scoping rules as the socket protocol.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mahaj/roomchat/pkg/auth"
	"github.com/mahaj/roomchat/pkg/broadcast"
	"github.com/mahaj/roomchat/pkg/chaterr"
	"github.com/mahaj/roomchat/pkg/db"
	"github.com/mahaj/roomchat/pkg/messages"
	"github.com/mahaj/roomchat/pkg/presence"
	"github.com/mahaj/roomchat/pkg/rooms"
	"github.com/mahaj/roomchat/pkg/uploads"
)

type Deps struct {
	DB       *db.DB
	Rooms    *rooms.Store
	Messages *messages.Store
	Uploads  *uploads.Store
	Files    *uploads.Files
	Router   *broadcast.Router
	Presence *presence.Registry
	// Redis, when set, answers the online list across every gateway.
	Redis    *redis.Client
	Issuer   *auth.Issuer
	DevLogin bool
	Logger   zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	db       *db.DB
	rooms    *rooms.Store
	messages *messages.Store
	uploads  *uploads.Store
	files    *uploads.Files
	router   *broadcast.Router
	presence *presence.Registry
	redis    *redis.Client
	issuer   *auth.Issuer
	devLogin bool
	log      zerolog.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		db:       d.DB,
		rooms:    d.Rooms,
		messages: d.Messages,
		uploads:  d.Uploads,
		files:    d.Files,
		router:   d.Router,
		presence: d.Presence,
		redis:    d.Redis,
		issuer:   d.Issuer,
		devLogin: d.DevLogin,
		log:      d.Logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Debug().Err(err).Msg("write response")
	}
}

// Error maps err onto its status and public code. Internal errors are
// logged and never described to the client.
func (h *Handler) Error(w http.ResponseWriter, r *http.Request, err error) {
	status := chaterr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	code, msg := chaterr.Public(err)
	h.JSON(w, status, map[string]string{"code": code, "message": msg})
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, reason string) {
	h.Error(w, r, chaterr.Invalid(chaterr.CodeRequestInvalid, reason))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		h.badRequest(w, r, "invalid JSON body")
		return false
	}
	return true
}

func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// caller returns the authenticated user id set by the auth middleware.
func caller(r *http.Request) int64 {
	id, _ := auth.UserFrom(r.Context())
	return id
}
