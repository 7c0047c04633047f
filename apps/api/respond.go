package main

import (
	"encoding/json"
	"net/http"

	"github.com/mahaj/roomchat/pkg/chaterr"
)

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("write response")
	}
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := chaterr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	code, msg := chaterr.Public(err)
	s.writeJSON(w, status, map[string]string{"code": code, "message": msg})
}

func (s *server) badRequest(w http.ResponseWriter, r *http.Request, reason string) {
	s.fail(w, r, chaterr.Invalid(chaterr.CodeRequestInvalid, reason))
}
