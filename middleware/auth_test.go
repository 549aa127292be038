package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/billbatista/acasinha-purchases/session"
)

type stubSessions struct {
	sessions map[string]*session.Session
}

func (s stubSessions) Create(context.Context, uuid.UUID) (*session.Session, error) {
	return nil, nil
}

func (s stubSessions) GetByToken(_ context.Context, token string) (*session.Session, error) {
	sess, ok := s.sessions[token]
	if !ok {
		return nil, session.ErrInvalidSession
	}
	if sess.Expired(time.Now()) {
		return nil, session.ErrExpiredSession
	}
	return sess, nil
}

func (s stubSessions) Delete(context.Context, string) error { return nil }

func (s stubSessions) DeleteExpired(context.Context) (int64, error) { return 0, nil }

func TestAuthMiddleware(t *testing.T) {
	userID := uuid.New()
	sessions := stubSessions{sessions: map[string]*session.Session{
		"good":    {UserID: userID, ExpiresAt: time.Now().Add(time.Hour)},
		"expired": {UserID: userID, ExpiresAt: time.Now().Add(-time.Hour)},
	}}

	protected := AuthMiddleware(sessions, zerolog.Nop())(RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetUserID(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(id.String()))
	})))

	tests := []struct {
		name        string
		token       string
		wantStatus  int
		wantCleared bool
	}{
		{"no cookie", "", http.StatusUnauthorized, false},
		{"valid session", "good", http.StatusOK, false},
		{"expired session", "expired", http.StatusUnauthorized, true},
		{"unknown token", "nope", http.StatusUnauthorized, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/balances", nil)
			if tt.token != "" {
				req.AddCookie(&http.Cookie{Name: session.CookieName, Value: tt.token})
			}
			rec := httptest.NewRecorder()
			protected.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				require.Equal(t, userID.String(), rec.Body.String())
			}
			cleared := false
			for _, c := range rec.Result().Cookies() {
				if c.Name == session.CookieName && c.MaxAge < 0 {
					cleared = true
				}
			}
			require.Equal(t, tt.wantCleared, cleared)
		})
	}
}
