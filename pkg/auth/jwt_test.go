package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)
	token, err := iss.GenerateToken(42)
	require.NoError(t, err)

	claims, err := iss.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)

	_, err = iss.GenerateToken(0)
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)
	good, err := iss.GenerateToken(7)
	require.NoError(t, err)

	other, err := NewIssuer("other", time.Hour).GenerateToken(7)
	require.NoError(t, err)

	expired := NewIssuer("secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	stale, err := expired.GenerateToken(7)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: 7})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", other},
		{"expired", stale},
		{"alg none", unsigned},
		{"garbage", "not.a.token"},
		{"truncated", good[:len(good)-4]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := iss.ValidateToken(tt.token)
			assert.Error(t, err)
		})
	}
}

func TestFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
		err    bool
	}{
		{name: "bearer", header: "Bearer abc", want: "abc"},
		{name: "query", query: "?token=xyz", want: "xyz"},
		{name: "header wins", header: "Bearer abc", query: "?token=xyz", want: "abc"},
		{name: "wrong scheme", header: "Basic abc", err: true},
		{name: "missing", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := FromRequest(r)
			if tt.err {
				assert.ErrorIs(t, err, ErrNoToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMiddleware(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)
	token, err := iss.GenerateToken(9)
	require.NoError(t, err)

	var seen int64
	h := iss.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHENTICATED")

	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(9), seen)
}
