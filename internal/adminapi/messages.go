package adminapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/gocarina/gocsv"
	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagateway/internal/domain"
	"github.com/talkincode/wagateway/internal/webserver"
	"github.com/talkincode/wagateway/internal/whatsapp"
)

const maxExportRows = 10000

func registerMessageRoutes() {
	webserver.ApiGET("/whatsapp/messages", listMessages)
	webserver.ApiGET("/whatsapp/messages/export", exportMessages)
}

// messageFilter reads deviceId, status and since from the query. since
// accepts any common date layout.
func messageFilter(c echo.Context) (whatsapp.MessageFilter, error) {
	f := whatsapp.MessageFilter{
		OwnerID:  webserver.RequesterID(c),
		DeviceID: strings.TrimSpace(c.QueryParam("deviceId")),
		Status:   strings.TrimSpace(c.QueryParam("status")),
	}
	switch f.Status {
	case "", domain.MessageStatusPending, domain.MessageStatusSent, domain.MessageStatusFailed:
	default:
		return f, fmt.Errorf("unknown status %q", f.Status)
	}
	if since := strings.TrimSpace(c.QueryParam("since")); since != "" {
		t, err := dateparse.ParseIn(since, time.Local)
		if err != nil {
			return f, fmt.Errorf("invalid since %q", since)
		}
		f.Since = t
	}
	return f, nil
}

func listMessages(c echo.Context) error {
	filter, err := messageFilter(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_FILTER", err.Error(), nil)
	}
	page, pageSize := parsePagination(c)
	msgs, total, err := GetManager(c).ListMessages(c.Request().Context(), filter, page, pageSize)
	if err != nil {
		return failErr(c, err)
	}
	return paged(c, msgs, total, page, pageSize)
}

func exportMessages(c echo.Context) error {
	filter, err := messageFilter(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_FILTER", err.Error(), nil)
	}
	msgs, _, err := GetManager(c).ListMessages(c.Request().Context(), filter, 1, maxExportRows)
	if err != nil {
		return failErr(c, err)
	}
	if msgs == nil {
		msgs = []*domain.WhatsAppMessage{}
	}
	data, err := gocsv.MarshalBytes(&msgs)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "EXPORT_FAILED", "Failed to encode messages", err.Error())
	}
	filename := fmt.Sprintf("messages-%s.csv", time.Now().Format("20060102-150405"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", data)
}
