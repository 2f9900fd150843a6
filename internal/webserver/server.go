package webserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/talkincode/wagateway/internal/app"
	"github.com/talkincode/wagateway/internal/whatsapp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	AppContextKey = "appctx"
	ManagerKey    = "wamanager"
	RequesterKey  = "requester_id"
	ApiKeyIDKey   = "api_key_id"

	ApiKeyHeader = "X-API-Key"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// JwtClaims identifies a web API user.
type JwtClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"username"`
	Level    string `json:"level"`
	jwt.RegisteredClaims
}

type AdminServer struct {
	root   *echo.Echo
	api    *echo.Group
	public *echo.Group
	open   *echo.Group
	appCtx app.AppContext
}

var server *AdminServer

// Init builds the echo server and makes it the target of the route registrars.
func Init(appCtx app.AppContext, manager *whatsapp.Manager) *AdminServer {
	cfg := appCtx.Config()
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			zap.L().Error("webserver: panic recovered", zap.Error(err), zap.ByteString("stack", stack))
			return err
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			zap.L().Debug("webserver: request", fields...)
			return nil
		},
	}))
	e.Use(middleware.CORS())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(AppContextKey, appCtx)
			c.Set(ManagerKey, manager)
			return next(c)
		}
	})

	s := &AdminServer{root: e, appCtx: appCtx}
	s.public = e.Group("/api")
	s.api = e.Group("/api", echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(cfg.Web.Secret),
		SigningMethod: jwt.SigningMethodHS256.Name,
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		NewClaimsFunc: func(echo.Context) jwt.Claims { return new(JwtClaims) },
		SuccessHandler: func(c echo.Context) {
			if token, ok := c.Get("user").(*jwt.Token); ok {
				if claims, ok := token.Claims.(*JwtClaims); ok {
					c.Set(RequesterKey, claims.UserID)
				}
			}
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error: "UNAUTHORIZED", Message: "Missing or invalid token",
			})
		},
	}))

	limit := rate.Limit(cfg.Web.ApiRateLimit)
	if cfg.Web.ApiRateLimit <= 0 {
		limit = rate.Inf
	}
	s.open = e.Group("/v1", middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      limit,
			Burst:     cfg.Web.ApiRateBurst,
			ExpiresIn: 15 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if key := c.Request().Header.Get(ApiKeyHeader); key != "" {
				return key, nil
			}
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "RATE_LIMITED", Message: "Too many requests, please try again later",
			})
		},
	}))

	server = s
	return s
}

// Echo exposes the underlying router, mainly for tests.
func (s *AdminServer) Echo() *echo.Echo {
	return s.root
}

func (s *AdminServer) Start() error {
	cfg := s.appCtx.Config()
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	zap.L().Info("webserver: listening", zap.String("addr", addr))
	err := s.root.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.root.Shutdown(ctx)
}

// IssueToken signs a web API token for user.
func IssueToken(secret string, ttl time.Duration, userID, username, level string) (string, error) {
	now := time.Now()
	claims := &JwtClaims{
		UserID:   userID,
		Username: username,
		Level:    level,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// RequesterID is the user the request acts for, set by JWT or API key auth.
func RequesterID(c echo.Context) string {
	id, _ := c.Get(RequesterKey).(string)
	return id
}

// ApiKeyID is the key that authenticated a /v1 request.
func ApiKeyID(c echo.Context) string {
	id, _ := c.Get(ApiKeyIDKey).(string)
	return id
}

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// ApiGET registers a JWT protected route under /api.
func ApiGET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.GET(path, h, m...)
}

func ApiPOST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.POST(path, h, m...)
}

func ApiPUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.PUT(path, h, m...)
}

func ApiDELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.DELETE(path, h, m...)
}

// PublicPOST registers an unauthenticated route under /api.
func PublicPOST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.public.POST(path, h, m...)
}

// OpenUse adds middleware to the /v1 programmatic API group.
func OpenUse(m ...echo.MiddlewareFunc) {
	server.open.Use(m...)
}

func OpenGET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.open.GET(path, h, m...)
}

func OpenPOST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.open.POST(path, h, m...)
}

// Healthz is a liveness probe outside every group.
func Healthz(path string) {
	server.root.GET(path, func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
}
