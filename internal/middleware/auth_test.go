package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Dan9191/coop-ledger/internal/config"
	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "jwt-test-secret"

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestParseToken(t *testing.T) {
	token, err := IssueToken(secret, "teller-7", []string{models.RoleTeller}, time.Hour)
	require.NoError(t, err)

	actor, err := ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "teller-7", actor.ID)
	assert.True(t, actor.Can(models.CapPostTransactions))
	assert.False(t, actor.Can(models.CapApproveLoans))

	_, err = ParseToken("other-secret", token)
	require.Error(t, err)

	expired, err := IssueToken(secret, "teller-7", nil, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(secret, expired)
	require.Error(t, err)

	anonymous, err := IssueToken(secret, "", []string{models.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(secret, anonymous)
	require.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	cfg := &config.Config{JWTSecret: secret}
	guarded := RequireCapability(models.CapApproveLoans, func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		require.True(t, ok)
		_, _ = io.WriteString(w, actor.ID)
	})
	h := AuthMiddleware(cfg, newTestLogger())(guarded)

	manager, err := IssueToken(secret, "manager-1", []string{models.RoleManager}, time.Hour)
	require.NoError(t, err)
	teller, err := IssueToken(secret, "teller-1", []string{models.RoleTeller}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"missing capability", "Bearer " + teller, http.StatusForbidden},
		{"allowed", "Bearer " + manager, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/loans/1/approve", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "manager-1", rec.Body.String())
			}
		})
	}
}
