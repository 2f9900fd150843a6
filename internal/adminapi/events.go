package adminapi

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/wagateway/internal/webserver"
	"github.com/talkincode/wagateway/internal/whatsapp"
	"go.uber.org/zap"
)

const (
	eventBuffer       = 16
	eventPingInterval = 25 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// eventHub fans status changes from one manager's bus out to stream clients.
// Delivery never blocks the publisher; a slow client misses updates.
type eventHub struct {
	mu      sync.Mutex
	clients map[chan whatsapp.StatusChange]subscriber
}

type subscriber struct {
	deviceID string
	ownerID  string
}

var (
	hubsMu sync.Mutex
	hubs   = map[*whatsapp.Manager]*eventHub{}
)

func registerEventRoutes() {
	webserver.ApiGET("/whatsapp/devices/:id/events", streamDeviceEvents)
}

func hubFor(m *whatsapp.Manager) (*eventHub, error) {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	if h, ok := hubs[m]; ok {
		return h, nil
	}
	if m.Bus() == nil {
		return nil, errors.New("status events are not enabled")
	}
	h := &eventHub{clients: make(map[chan whatsapp.StatusChange]subscriber)}
	if err := m.Bus().SubscribeAsync(whatsapp.TopicStatus, h.broadcast, true); err != nil {
		return nil, err
	}
	hubs[m] = h
	return h, nil
}

func (h *eventHub) broadcast(change whatsapp.StatusChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, sub := range h.clients {
		if sub.deviceID != change.DeviceID || sub.ownerID != change.OwnerID {
			continue
		}
		select {
		case ch <- change:
		default:
			zap.L().Debug("adminapi: event client lagging", zap.String("device_id", change.DeviceID))
		}
	}
}

func (h *eventHub) subscribe(deviceID, ownerID string) chan whatsapp.StatusChange {
	ch := make(chan whatsapp.StatusChange, eventBuffer)
	h.mu.Lock()
	h.clients[ch] = subscriber{deviceID: deviceID, ownerID: ownerID}
	h.mu.Unlock()
	return ch
}

func (h *eventHub) unsubscribe(ch chan whatsapp.StatusChange) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// streamDeviceEvents pushes the device's status transitions as server-sent
// events, starting with the current status.
func streamDeviceEvents(c echo.Context) error {
	m := GetManager(c)
	id, requester := c.Param("id"), webserver.RequesterID(c)
	view, err := m.GetStatus(c.Request().Context(), id, requester)
	if err != nil {
		return failErr(c, err)
	}
	hub, err := hubFor(m)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "STREAM_FAILED", "Failed to subscribe to status events", err.Error())
	}
	ch := hub.subscribe(id, view.OwnerID)
	defer hub.unsubscribe(ch)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	if err := writeEvent(res, "status", whatsapp.StatusChange{
		DeviceID: view.ID,
		OwnerID:  view.OwnerID,
		Status:   view.Status,
		QR:       view.QRCode,
		Error:    view.LastError,
		At:       time.Now(),
	}); err != nil {
		return nil
	}

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-ch:
			if err := writeEvent(res, "status", change); err != nil {
				return nil
			}
		case <-ping.C:
			if _, err := fmt.Fprint(res, ": ping\n\n"); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

func writeEvent(res *echo.Response, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	res.Flush()
	return nil
}
