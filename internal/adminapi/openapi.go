package adminapi

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagateway/internal/domain"
	"github.com/talkincode/wagateway/internal/webserver"
	"github.com/talkincode/wagateway/internal/whatsapp"
)

var (
	openCountryCodeRe = regexp.MustCompile(`^\+\d{1,4}$`)
	openPhoneRe       = regexp.MustCompile(`^\d{1,15}$`)
)

type openSendPayload struct {
	DeviceID    string `json:"deviceId" validate:"required"`
	CountryCode string `json:"countryCode" validate:"required"`
	Phone       string `json:"phone" validate:"required"`
	Message     string `json:"message" validate:"required,max=4096"`
}

type openMessageStatus struct {
	MessageID   string     `json:"messageId"`
	DeviceID    string     `json:"deviceId"`
	To          string     `json:"to"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

type openKeyUsage struct {
	LastUsed     *time.Time `json:"lastUsed,omitempty"`
	RequestCount int64      `json:"requestCount"`
}

type openStats struct {
	*whatsapp.MessageStats
	ApiKey openKeyUsage `json:"apiKey"`
}

func registerOpenApiRoutes() {
	webserver.OpenUse(apiKeyAuth)
	webserver.OpenPOST("/send", openSend)
	webserver.OpenGET("/messages/:id", openGetMessage)
	webserver.OpenGET("/stats", openGetStats)
}

func openSend(c echo.Context) error {
	var payload openSendPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse message", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	payload.CountryCode = strings.TrimSpace(payload.CountryCode)
	payload.Phone = strings.TrimSpace(payload.Phone)
	if !openCountryCodeRe.MatchString(payload.CountryCode) || !openPhoneRe.MatchString(payload.Phone) {
		return fail(c, http.StatusBadRequest, "INVALID_PHONE_NUMBER", "Invalid country code or phone number", nil)
	}

	res, err := GetManager(c).Send(c.Request().Context(), payload.DeviceID, webserver.RequesterID(c), whatsapp.SendRequest{
		Address:     payload.Phone,
		CountryCode: payload.CountryCode,
		Body:        payload.Message,
		ApiKeyID:    webserver.ApiKeyID(c),
	})
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, res)
}

func openGetMessage(c echo.Context) error {
	msg, err := GetManager(c).GetMessage(c.Request().Context(), c.Param("id"), webserver.RequesterID(c))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, openMessageStatus{
		MessageID:   msg.ID,
		DeviceID:    msg.DeviceID,
		To:          msg.To,
		Status:      msg.Status,
		Error:       msg.ErrorMsg,
		Timestamp:   msg.CreatedAt,
		SentAt:      msg.SentAt,
		DeliveredAt: msg.DeliveredAt,
	})
}

// openGetStats reports the calling key's messages and usage.
func openGetStats(c echo.Context) error {
	keyID := webserver.ApiKeyID(c)
	stats, err := GetManager(c).Stats(c.Request().Context(), whatsapp.MessageFilter{
		OwnerID:  webserver.RequesterID(c),
		ApiKeyID: keyID,
	})
	if err != nil {
		return failErr(c, err)
	}
	var key domain.SysApiKey
	if err := GetDB(c).Where("id = ?", keyID).First(&key).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query api key", err.Error())
	}
	return ok(c, openStats{
		MessageStats: stats,
		ApiKey:       openKeyUsage{LastUsed: key.LastUsed, RequestCount: key.RequestCount},
	})
}
