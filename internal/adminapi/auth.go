package adminapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/wagateway/internal/app"
	"github.com/talkincode/wagateway/internal/domain"
	"github.com/talkincode/wagateway/internal/webserver"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type registerPayload struct {
	Username string `json:"username" validate:"required,alphanum,min=3,max=32"`
	Email    string `json:"email" validate:"required,email,max=128"`
	Realname string `json:"realname" validate:"omitempty,max=64"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginPayload struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type tokenResult struct {
	Token string          `json:"token"`
	User  *domain.SysUser `json:"user"`
}

func registerAuthRoutes() {
	webserver.PublicPOST("/auth/register", register)
	webserver.PublicPOST("/auth/login", login)
}

func register(c echo.Context) error {
	var payload registerPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse registration", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	payload.Username = strings.ToLower(strings.TrimSpace(payload.Username))

	var exists int64
	err := GetDB(c).Model(&domain.SysUser{}).Where("username = ?", payload.Username).Count(&exists).Error
	if err != nil {
		zap.L().Error("adminapi: check username failed", zap.String("username", payload.Username), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query user", err.Error())
	}
	if exists > 0 {
		return fail(c, http.StatusConflict, "USER_EXISTS", "Username already taken", nil)
	}

	hashed, err := app.HashPassword(payload.Password)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "HASH_FAILED", "Failed to secure password", nil)
	}
	user := &domain.SysUser{
		ID:       GetManager(c).NewID(),
		Username: payload.Username,
		Email:    payload.Email,
		Realname: payload.Realname,
		Password: hashed,
		Level:    app.LevelUser,
		Status:   app.StatusEnabled,
	}
	if err := GetDB(c).Create(user).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create user", err.Error())
	}
	zap.L().Info("adminapi: user registered", zap.String("user_id", user.ID), zap.String("username", user.Username))

	token, err := issueToken(c, user)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "TOKEN_FAILED", "Failed to issue token", nil)
	}
	return created(c, tokenResult{Token: token, User: user})
}

func login(c echo.Context) error {
	var payload loginPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse credentials", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	var user domain.SysUser
	err := GetDB(c).Where("username = ?", strings.ToLower(strings.TrimSpace(payload.Username))).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query user", err.Error())
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(payload.Password)) != nil {
		return fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}
	if user.Status != app.StatusEnabled {
		return fail(c, http.StatusForbidden, "USER_DISABLED", "Account is disabled", nil)
	}

	now := time.Now()
	if err := GetDB(c).Model(&domain.SysUser{}).Where("id = ?", user.ID).Update("last_login", now).Error; err != nil {
		zap.L().Warn("adminapi: record last login failed", zap.String("user_id", user.ID), zap.Error(err))
	} else {
		user.LastLogin = &now
	}

	token, err := issueToken(c, &user)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "TOKEN_FAILED", "Failed to issue token", nil)
	}
	return ok(c, tokenResult{Token: token, User: &user})
}

func issueToken(c echo.Context, user *domain.SysUser) (string, error) {
	cfg := GetAppContext(c).Config().Web
	return webserver.IssueToken(cfg.Secret, cfg.JwtTTL, user.ID, user.Username, user.Level)
}
