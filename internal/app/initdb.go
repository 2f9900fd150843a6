package app

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	"github.com/talkincode/wagateway/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	LevelSuper = "super"
	LevelUser  = "user"

	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
)

var idNode, _ = snowflake.NewNode(0)

// HashPassword returns the bcrypt hash stored for web accounts.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// checkSuper makes sure the configured admin account exists and can log in.
func (a *Application) checkSuper() {
	superUsername := a.appConfig.Web.AdminUser
	if superUsername == "" {
		superUsername = "admin"
	}

	var user domain.SysUser
	err := a.gormDB.Where("username = ?", superUsername).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		hashedPassword, err := HashPassword(a.appConfig.Web.AdminPassword)
		if err != nil {
			zap.L().Error("failed to hash default super admin password", zap.Error(err))
			return
		}
		if err := a.gormDB.Create(&domain.SysUser{
			ID:       idNode.Generate().String(),
			Realname: "administrator",
			Email:    "N/A",
			Username: superUsername,
			Password: hashedPassword,
			Level:    LevelSuper,
			Status:   StatusEnabled,
		}).Error; err != nil {
			zap.L().Error("failed to create default super admin", zap.Error(err))
		} else {
			zap.L().Info("initialized default super admin account", zap.String("username", superUsername))
		}
		return
	case err != nil:
		zap.L().Error("failed to query super admin", zap.Error(err))
		return
	}

	resetPassword := strings.TrimSpace(user.Password) == ""
	resetLevel := !strings.EqualFold(user.Level, LevelSuper)
	resetStatus := !strings.EqualFold(user.Status, StatusEnabled)

	if !resetPassword && !resetLevel && !resetStatus {
		return
	}

	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if resetPassword {
		hashedPassword, err := HashPassword(a.appConfig.Web.AdminPassword)
		if err != nil {
			zap.L().Error("failed to hash default super admin password", zap.Error(err))
			return
		}
		updates["password"] = hashedPassword
	}
	if resetLevel {
		updates["level"] = LevelSuper
	}
	if resetStatus {
		updates["status"] = StatusEnabled
	}

	if err := a.gormDB.Model(&domain.SysUser{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
		zap.L().Error("failed to repair super admin account", zap.Error(err))
		return
	}

	zap.L().Warn("repaired default super admin account",
		zap.String("username", superUsername),
		zap.Bool("passwordReset", resetPassword),
		zap.Bool("levelReset", resetLevel),
		zap.Bool("statusEnabled", resetStatus))
}
