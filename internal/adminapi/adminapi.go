package adminapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/wagateway/internal/app"
	"github.com/talkincode/wagateway/internal/webserver"
	"github.com/talkincode/wagateway/internal/whatsapp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Init registers every admin and programmatic API route on the web server.
func Init() {
	webserver.Healthz("/healthz")
	registerAuthRoutes()
	registerDeviceRoutes()
	registerMessageRoutes()
	registerApiKeyRoutes()
	registerEventRoutes()
	registerOpenApiRoutes()
}

type pageResult struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"pageSize"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"data": data})
}

func created(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusCreated, map[string]interface{}{"data": data})
}

func paged(c echo.Context, data interface{}, total int64, page, pageSize int) error {
	return c.JSON(http.StatusOK, pageResult{Data: data, Total: total, Page: page, PageSize: pageSize})
}

func fail(c echo.Context, status int, code, message string, details interface{}) error {
	return c.JSON(status, webserver.ErrorResponse{Error: code, Message: message, Details: details})
}

// failErr answers with the status matching the error's kind.
func failErr(c echo.Context, err error) error {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch whatsapp.Kind(err) {
	case whatsapp.ErrValidation:
		status, code = http.StatusBadRequest, "VALIDATION_ERROR"
	case whatsapp.ErrAuthorization:
		status, code = http.StatusForbidden, "FORBIDDEN"
	case whatsapp.ErrNotFound:
		status, code = http.StatusNotFound, "NOT_FOUND"
	case whatsapp.ErrConflict:
		status, code = http.StatusConflict, "ALREADY_CONNECTED"
	case whatsapp.ErrNotConnected:
		status, code = http.StatusConflict, "NOT_CONNECTED"
	case whatsapp.ErrNotRegistered:
		status, code = http.StatusUnprocessableEntity, "NOT_ON_WHATSAPP"
	case whatsapp.ErrInitialization:
		status, code = http.StatusBadGateway, "INITIALIZATION_FAILED"
	case whatsapp.ErrSend:
		status, code = http.StatusBadGateway, "SEND_FAILED"
	case whatsapp.ErrPersistence:
		status, code = http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	}
	if status >= http.StatusInternalServerError {
		zap.L().Warn("adminapi: request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return fail(c, status, code, err.Error(), nil)
}

func handleValidationError(c echo.Context, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			details[strings.ToLower(fe.Field())] = fe.Tag()
		}
		return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request parameters", details)
	}
	return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
}

func parsePagination(c echo.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.QueryParam("page"))
	pageSize, _ = strconv.Atoi(c.QueryParam("pageSize"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func GetAppContext(c echo.Context) app.AppContext {
	return c.Get(webserver.AppContextKey).(app.AppContext)
}

func GetDB(c echo.Context) *gorm.DB {
	return GetAppContext(c).DB().WithContext(c.Request().Context())
}

func GetManager(c echo.Context) *whatsapp.Manager {
	return c.Get(webserver.ManagerKey).(*whatsapp.Manager)
}
