package chaterr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"authorization", ErrNotMember, http.StatusForbidden},
		{"validation", ErrSystemType, http.StatusBadRequest},
		{"conflict", ErrLastAdmin, http.StatusConflict},
		{"not found", ErrRoomNotFound, http.StatusNotFound},
		{"wrapped", fmt.Errorf("leave room 3: %w", ErrAdminRequired), http.StatusForbidden},
		{"plain", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestPublicHidesInternals(t *testing.T) {
	code, msg := Public(errors.New("pq: relation messages does not exist"))
	assert.Equal(t, CodeGeneric, code)
	assert.NotContains(t, msg, "relation")

	code, msg = Public(fmt.Errorf("send: %w", ErrReplyForeign))
	assert.Equal(t, CodeReplyCrossRoom, code)
	assert.Equal(t, ErrReplyForeign.Reason, msg)
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("kick: %w", Forbidden(CodeRoomAccessDenied, "other wording"))
	assert.True(t, errors.Is(err, ErrNotMember))
	assert.False(t, errors.Is(err, ErrAdminRequired))
}
