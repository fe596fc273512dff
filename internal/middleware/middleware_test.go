package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"chat-gateway-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBlacklist map[string]bool

func (f fakeBlacklist) IsBlacklisted(_ context.Context, tok string) bool { return f[tok] }

func authRouter(jwtManager *token.JWTManager, blacklist TokenBlacklist) *gin.Engine {
	r := gin.New()
	r.GET("/p", AuthMiddleware([]string{"sk-test", "poe-sk"}, jwtManager, blacklist), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextAuthType))
	})
	return r
}

func doGet(r http.Handler, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_APIKeyPrefixes(t *testing.T) {
	r := authRouter(nil, nil)

	w := doGet(r, "Bearer sk-test-123")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, AuthTypeAPIKey, w.Body.String())

	assert.Equal(t, http.StatusOK, doGet(r, "Bearer poe-sk-abc").Code)

	w = doGet(r, "Bearer sk-live-123")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"detail":"Invalid API key format"}`, w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, doGet(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, doGet(r, "Basic sk-test").Code)
}

func TestAuthMiddleware_JWT(t *testing.T) {
	m := token.NewJWTManager("secret", 1, 1)
	access, err := m.GenerateToken("alice", "Alice")
	require.NoError(t, err)
	refresh, err := m.GenerateRefreshToken("alice", "Alice")
	require.NoError(t, err)
	revoked, err := m.GenerateToken("bob", "Bob")
	require.NoError(t, err)

	r := authRouter(m, fakeBlacklist{revoked: true})

	w := doGet(r, "Bearer "+access)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, AuthTypeJWT, w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, doGet(r, "Bearer "+refresh).Code)
	assert.Equal(t, http.StatusUnauthorized, doGet(r, "Bearer "+revoked).Code)
}

func TestRequireUserMiddleware(t *testing.T) {
	m := token.NewJWTManager("secret", 1, 1)
	access, err := m.GenerateToken("alice", "Alice")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/p", AuthMiddleware([]string{"sk-test"}, m, nil), RequireUserMiddleware(), func(c *gin.Context) {
		claims, _ := CurrentClaims(c)
		c.String(http.StatusOK, claims.Username)
	})

	w := doGet(r, "Bearer "+access)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())
	assert.Equal(t, http.StatusForbidden, doGet(r, "Bearer sk-test-1").Code)
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/p", func(c *gin.Context) { panic("boom") })

	w := doGet(r, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"detail":"boom"}`, w.Body.String())
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"http://localhost:5173"}))
	r.GET("/p", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodOptions, "/p", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/p", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "X-Session-Id", w.Header().Get("Access-Control-Expose-Headers"))

	req = httptest.NewRequest(http.MethodGet, "/p", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_WildcardAndDisabled(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"*"}))
	r.GET("/p", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	req.Header.Set("Origin", "http://anywhere.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	r = gin.New()
	r.Use(CORS(nil))
	r.GET("/p", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	req = httptest.NewRequest(http.MethodGet, "/p", nil)
	req.Header.Set("Origin", "http://anywhere.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLogger_PassesBodyThrough(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/p", func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.String(http.StatusOK, "data: x\n\n")
	})
	w := doGet(r, "")
	assert.Equal(t, "data: x\n\n", w.Body.String())
}

func TestParseRateLimitResult(t *testing.T) {
	allowed, remaining, retry := parseRateLimitResult([]interface{}{int64(1), int64(7), int64(0)}, 10)
	assert.True(t, allowed)
	assert.Equal(t, 7, remaining)
	assert.Equal(t, 0, retry)

	allowed, _, retry = parseRateLimitResult([]interface{}{int64(0), int64(0), int64(2)}, 10)
	assert.False(t, allowed)
	assert.Equal(t, 2, retry)

	allowed, remaining, _ = parseRateLimitResult("unexpected", 10)
	assert.True(t, allowed)
	assert.Equal(t, 10, remaining)
}
