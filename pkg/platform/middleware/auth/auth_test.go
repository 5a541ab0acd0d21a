package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mallku/pkg/requestcontext"
)

type stubValidator map[string]*JWTClaims

func (v stubValidator) ValidateToken(token string) (*JWTClaims, error) {
	if c, ok := v[token]; ok {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

type stubRevocations struct {
	revoked map[string]bool
	err     error
}

func (s stubRevocations) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	return s.revoked[jti], s.err
}

func TestRequireAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	validator := stubValidator{
		"admin":    {Subject: "op-1", Roles: []string{"registry_admin"}, JTI: "jti-admin"},
		"reader":   {Subject: "op-2", Roles: []string{"viewer"}, JTI: "jti-reader"},
		"revoked":  {Subject: "op-3", Roles: []string{"registry_admin"}, JTI: "jti-revoked"},
		"anon-jti": {Subject: "op-4", Roles: []string{"registry_admin"}},
	}
	revocations := stubRevocations{revoked: map[string]bool{"jti-revoked": true}}

	var actor string
	var claims *JWTClaims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = requestcontext.Actor(r.Context())
		claims = GetClaims(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := RequireAuth(validator, revocations, "registry_admin", logger)(next)

	serve := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin/registry/integrity", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	t.Run("admits admin token", func(t *testing.T) {
		w := serve("Bearer admin")
		require.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "op-1", actor)
		require.NotNil(t, claims)
		assert.Equal(t, "jti-admin", claims.JTI)
	})

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic admin", http.StatusUnauthorized},
		{"invalid token", "Bearer nope", http.StatusUnauthorized},
		{"revoked token", "Bearer revoked", http.StatusUnauthorized},
		{"token without jti", "Bearer anon-jti", http.StatusUnauthorized},
		{"missing role", "Bearer reader", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(tc.header)
			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}

	t.Run("revocation lookup failure", func(t *testing.T) {
		failing := RequireAuth(validator, stubRevocations{err: errors.New("redis down")}, "", logger)(next)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer admin")
		w := httptest.NewRecorder()
		failing.ServeHTTP(w, req)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
