package webserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wagateway/config"
	"github.com/talkincode/wagateway/internal/app"
)

func newTestServer(t *testing.T, mutate func(*config.AppConfig)) *AdminServer {
	t.Helper()
	cfg := config.DefaultAppConfig()
	if mutate != nil {
		mutate(cfg)
	}
	s := Init(app.NewApplication(cfg), nil)
	ApiGET("/whoami", func(c echo.Context) error {
		return c.String(http.StatusOK, RequesterID(c))
	})
	PublicPOST("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})
	OpenGET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})
	return s
}

func serve(s *AdminServer, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestJWTProtectedRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	secret := config.DefaultAppConfig().Web.Secret

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := IssueToken(secret, time.Hour, "42", "alice", "user")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec = serve(s, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())

	// event streams pass the token as a query parameter
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/whoami?token="+token, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	bad, err := IssueToken("other-secret", time.Hour, "42", "alice", "user")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+bad)
	assert.Equal(t, http.StatusUnauthorized, serve(s, req).Code)

	expired, err := IssueToken(secret, -time.Minute, "42", "alice", "user")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, serve(s, req).Code)
}

func TestPublicRoutesSkipJWT(t *testing.T) {
	s := newTestServer(t, nil)
	rec := serve(s, httptest.NewRequest(http.MethodPost, "/api/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestOpenRoutesRateLimited(t *testing.T) {
	s := newTestServer(t, func(cfg *config.AppConfig) {
		cfg.Web.ApiRateLimit = 0.001
		cfg.Web.ApiRateBurst = 2
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
		req.Header.Set(ApiKeyHeader, "wag_test")
		codes = append(codes, serve(s, req).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// another key has its own budget
	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	req.Header.Set(ApiKeyHeader, "wag_other")
	assert.Equal(t, http.StatusOK, serve(s, req).Code)
}
