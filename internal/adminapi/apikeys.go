package adminapi

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/wagateway/internal/domain"
	"github.com/talkincode/wagateway/internal/webserver"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	apiKeyPrefix    = "wag_"
	apiKeyCacheTTL  = time.Minute
	apiKeyCacheSize = 4096
)

// keyCache holds recently verified keys by hash. Revocation evicts the entry.
var keyCache = ttlcache.New[string, domain.SysApiKey](
	ttlcache.WithTTL[string, domain.SysApiKey](apiKeyCacheTTL),
	ttlcache.WithCapacity[string, domain.SysApiKey](apiKeyCacheSize),
)

type apiKeyPayload struct {
	Name string `json:"name" validate:"required,min=1,max=64"`
}

// apiKeySecret is returned once, on creation.
type apiKeySecret struct {
	*domain.SysApiKey
	Key string `json:"key"`
}

func registerApiKeyRoutes() {
	webserver.ApiGET("/apikeys", listApiKeys)
	webserver.ApiPOST("/apikeys", createApiKey)
	webserver.ApiDELETE("/apikeys/:id", revokeApiKey)
}

func hashApiKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func generateApiKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}

func listApiKeys(c echo.Context) error {
	var keys []domain.SysApiKey
	err := GetDB(c).Where("owner_id = ?", webserver.RequesterID(c)).
		Order("created_at DESC").Find(&keys).Error
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query api keys", err.Error())
	}
	return ok(c, keys)
}

func createApiKey(c echo.Context) error {
	var payload apiKeyPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse api key parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	secret, err := generateApiKey()
	if err != nil {
		return fail(c, http.StatusInternalServerError, "KEYGEN_FAILED", "Failed to generate api key", nil)
	}
	key := &domain.SysApiKey{
		ID:       GetManager(c).NewID(),
		OwnerID:  webserver.RequesterID(c),
		Name:     strings.TrimSpace(payload.Name),
		Prefix:   secret[:12],
		KeyHash:  hashApiKey(secret),
		IsActive: true,
	}
	if err := GetDB(c).Create(key).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create api key", err.Error())
	}
	zap.L().Info("adminapi: api key created", zap.String("key_id", key.ID), zap.String("owner_id", key.OwnerID))
	return created(c, apiKeySecret{SysApiKey: key, Key: secret})
}

func revokeApiKey(c echo.Context) error {
	var key domain.SysApiKey
	err := GetDB(c).Where("id = ?", c.Param("id")).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "API key not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query api key", err.Error())
	}
	if key.OwnerID != webserver.RequesterID(c) {
		return fail(c, http.StatusForbidden, "FORBIDDEN", "Not allowed to revoke this key", nil)
	}
	if err := GetDB(c).Model(&domain.SysApiKey{}).Where("id = ?", key.ID).Update("is_active", false).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to revoke api key", err.Error())
	}
	keyCache.Delete(key.KeyHash)
	zap.L().Info("adminapi: api key revoked", zap.String("key_id", key.ID))
	return c.NoContent(http.StatusNoContent)
}

// apiKeyAuth resolves X-API-Key to its owner and records usage.
func apiKeyAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		secret := strings.TrimSpace(c.Request().Header.Get(webserver.ApiKeyHeader))
		if secret == "" {
			return fail(c, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "API key required",
				"Send a valid key in the "+webserver.ApiKeyHeader+" header")
		}
		hash := hashApiKey(secret)

		var key domain.SysApiKey
		if item := keyCache.Get(hash); item != nil {
			key = item.Value()
		} else {
			err := GetDB(c).Where("key_hash = ? AND is_active = ?", hash, true).First(&key).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fail(c, http.StatusUnauthorized, "INVALID_API_KEY", "Invalid or revoked API key", nil)
			} else if err != nil {
				return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to verify api key", nil)
			}
			keyCache.Set(hash, key, ttlcache.DefaultTTL)
		}

		err := GetDB(c).Model(&domain.SysApiKey{}).Where("id = ?", key.ID).Updates(map[string]interface{}{
			"last_used":     time.Now(),
			"request_count": gorm.Expr("request_count + ?", 1),
		}).Error
		if err != nil {
			zap.L().Warn("adminapi: record api key usage failed", zap.String("key_id", key.ID), zap.Error(err))
		}

		c.Set(webserver.RequesterKey, key.OwnerID)
		c.Set(webserver.ApiKeyIDKey, key.ID)
		return next(c)
	}
}
