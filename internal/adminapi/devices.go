package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagateway/internal/webserver"
	"github.com/talkincode/wagateway/internal/whatsapp"
)

type devicePayload struct {
	Name        string `json:"name" validate:"required,min=3,max=50"`
	Description string `json:"description" validate:"omitempty,max=255"`
}

type sendPayload struct {
	To          string `json:"to" validate:"required,max=32"`
	CountryCode string `json:"countryCode" validate:"omitempty,max=5"`
	Message     string `json:"message" validate:"required,max=4096"`
}

func registerDeviceRoutes() {
	webserver.ApiGET("/whatsapp/devices", listDevices)
	webserver.ApiPOST("/whatsapp/devices", createDevice)
	webserver.ApiGET("/whatsapp/devices/:id", getDevice)
	webserver.ApiPUT("/whatsapp/devices/:id", updateDevice)
	webserver.ApiDELETE("/whatsapp/devices/:id", removeDevice)
	webserver.ApiPOST("/whatsapp/devices/:id/purge", purgeDevice)
	webserver.ApiPOST("/whatsapp/devices/:id/connect", connectDevice)
	webserver.ApiGET("/whatsapp/devices/:id/qr", getDeviceQR)
	webserver.ApiPOST("/whatsapp/devices/:id/disconnect", disconnectDevice)
	webserver.ApiPOST("/whatsapp/devices/:id/send", sendFromDevice)
}

func listDevices(c echo.Context) error {
	views, err := GetManager(c).ListDevices(c.Request().Context(), webserver.RequesterID(c))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, views)
}

func createDevice(c echo.Context) error {
	var payload devicePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse device parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	dev, err := GetManager(c).AddDevice(c.Request().Context(), webserver.RequesterID(c), payload.Name, payload.Description)
	if err != nil {
		return failErr(c, err)
	}
	return created(c, dev)
}

func getDevice(c echo.Context) error {
	view, err := GetManager(c).GetStatus(c.Request().Context(), c.Param("id"), webserver.RequesterID(c))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, view)
}

func updateDevice(c echo.Context) error {
	var payload devicePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse device parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	view, err := GetManager(c).UpdateDevice(c.Request().Context(), c.Param("id"), webserver.RequesterID(c),
		payload.Name, payload.Description)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, view)
}

func removeDevice(c echo.Context) error {
	if err := GetManager(c).RemoveDevice(c.Request().Context(), c.Param("id"), webserver.RequesterID(c)); err != nil {
		return failErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func purgeDevice(c echo.Context) error {
	if err := GetManager(c).PurgeDevice(c.Request().Context(), c.Param("id"), webserver.RequesterID(c)); err != nil {
		return failErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// connectDevice starts pairing or resumption. Progress arrives through the
// status endpoint, the qr endpoint or the event stream.
func connectDevice(c echo.Context) error {
	m := GetManager(c)
	id, requester := c.Param("id"), webserver.RequesterID(c)
	if err := m.StartSession(c.Request().Context(), id, requester); err != nil {
		return failErr(c, err)
	}
	view, err := m.GetStatus(c.Request().Context(), id, requester)
	if err != nil {
		return failErr(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{"data": view})
}

func getDeviceQR(c echo.Context) error {
	qr, err := GetManager(c).GetQr(c.Request().Context(), c.Param("id"), webserver.RequesterID(c))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, qr)
}

func disconnectDevice(c echo.Context) error {
	if err := GetManager(c).EndSession(c.Request().Context(), c.Param("id"), webserver.RequesterID(c)); err != nil {
		return failErr(c, err)
	}
	return ok(c, map[string]interface{}{"status": whatsapp.StatusDisconnected})
}

func sendFromDevice(c echo.Context) error {
	var payload sendPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse message", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	res, err := GetManager(c).Send(c.Request().Context(), c.Param("id"), webserver.RequesterID(c), whatsapp.SendRequest{
		Address:     payload.To,
		CountryCode: payload.CountryCode,
		Body:        payload.Message,
	})
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, res)
}
