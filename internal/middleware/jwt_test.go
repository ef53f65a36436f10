package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", JWTAuth(secret), func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, user)
	})
	return r
}

func TestJWTAuth(t *testing.T) {
	alice := models.User{ID: "alice", Name: "Alice", PhotoURL: "https://example.com/a.png"}
	valid, err := IssueToken(secret, alice, time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(secret, alice, -time.Minute)
	require.NoError(t, err)
	foreign, err := IssueToken("other-secret", alice, time.Hour)
	require.NoError(t, err)
	badID, err := IssueToken(secret, models.User{ID: "a/b"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"bearer", "Bearer " + valid, "", http.StatusOK},
		{"query token", "", valid, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"bad format", "Token " + valid, "", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign, "", http.StatusUnauthorized},
		{"invalid user id", "Bearer " + badID, "", http.StatusUnauthorized},
	}
	r := router()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/me"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestParseTokenKeepsProfile(t *testing.T) {
	alice := models.User{ID: "alice", Name: "Alice", PhotoURL: "https://example.com/a.png"}
	token, err := IssueToken(secret, alice, time.Hour)
	require.NoError(t, err)

	got, err := ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, alice, got)
}
