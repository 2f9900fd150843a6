package adminapi

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wagateway/config"
	"github.com/talkincode/wagateway/internal/app"
	"github.com/talkincode/wagateway/internal/domain"
	"github.com/talkincode/wagateway/internal/webserver"
	"github.com/talkincode/wagateway/internal/whatsapp"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stubAdapter hands out handles whose events the test emits by hand.
type stubAdapter struct {
	mu        sync.Mutex
	listeners map[string]whatsapp.Listener
}

func (a *stubAdapter) Create(_ context.Context, deviceID, _ string, l whatsapp.Listener) (whatsapp.Handle, error) {
	a.mu.Lock()
	a.listeners[deviceID] = l
	a.mu.Unlock()
	return stubHandle{}, nil
}

func (a *stubAdapter) Discard(context.Context, string) error { return nil }

func (a *stubAdapter) emit(deviceID string, ev whatsapp.Event) {
	a.mu.Lock()
	l := a.listeners[deviceID]
	a.mu.Unlock()
	l(ev)
}

type stubHandle struct{}

func (stubHandle) Initialize(context.Context) error { return nil }

func (stubHandle) SendMessage(_ context.Context, address, _ string) (whatsapp.SendReceipt, error) {
	return whatsapp.SendReceipt{ID: "3EB0" + address, Timestamp: time.Now()}, nil
}

func (stubHandle) Destroy(context.Context) error { return nil }

type testAPI struct {
	server  *webserver.AdminServer
	adapter *stubAdapter
	db      *gorm.DB
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	cfg := config.DefaultAppConfig()
	cfg.Web.ApiRateLimit = 0
	application := app.NewApplication(cfg)
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())),
		&gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	application.OverrideDB(db)
	require.NoError(t, application.MigrateDB(false))

	adapter := &stubAdapter{listeners: make(map[string]whatsapp.Listener)}
	m, err := whatsapp.NewManager(adapter, whatsapp.NewGormDeviceRepository(db),
		whatsapp.NewGormMessageRepository(db), EventBus.New(), whatsapp.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
		application.DropAll()
		_ = sqlDB.Close()
	})

	s := webserver.Init(application, m)
	Init()
	return &testAPI{server: s, adapter: adapter, db: db}
}

func (api *testAPI) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.server.Echo().ServeHTTP(rec, req)
	return rec
}

func (api *testAPI) doKey(method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(webserver.ApiKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	api.server.Echo().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (api *testAPI) register(t *testing.T, username string) string {
	t.Helper()
	rec := api.do(http.MethodPost, "/api/auth/register", "",
		fmt.Sprintf(`{"username":%q,"email":"%s@example.com","password":"correct-horse"}`, username, username))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res struct {
		Data tokenResult `json:"data"`
	}
	decode(t, rec, &res)
	require.NotEmpty(t, res.Data.Token)
	return res.Data.Token
}

func (api *testAPI) createDevice(t *testing.T, token, name string) string {
	t.Helper()
	rec := api.do(http.MethodPost, "/api/whatsapp/devices", token, fmt.Sprintf(`{"name":%q}`, name))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res struct {
		Data domain.WhatsAppDevice `json:"data"`
	}
	decode(t, rec, &res)
	return res.Data.ID
}

func (api *testAPI) connect(t *testing.T, token, id string) {
	t.Helper()
	rec := api.do(http.MethodPost, "/api/whatsapp/devices/"+id+"/connect", token, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	api.adapter.emit(id, whatsapp.Event{Kind: whatsapp.EventQR, QR: "ABC123"})
	api.adapter.emit(id, whatsapp.Event{Kind: whatsapp.EventAuthenticated, SessionData: "15550001234.0:7@s.whatsapp.net"})
	api.adapter.emit(id, whatsapp.Event{Kind: whatsapp.EventReady})
}

func TestRegisterAndLogin(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "alice")

	rec := api.do(http.MethodPost, "/api/auth/register", "", `{"username":"alice","email":"a@example.com","password":"correct-horse"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(http.MethodPost, "/api/auth/login", "", `{"username":"alice","password":"wrong-password"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(http.MethodPost, "/api/auth/login", "", `{"username":"ALICE","password":"correct-horse"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		Data tokenResult `json:"data"`
	}
	decode(t, rec, &res)
	assert.NotEmpty(t, res.Data.Token)
	assert.NotNil(t, res.Data.User.LastLogin)
	assert.NotContains(t, rec.Body.String(), "correct-horse")

	rec = api.do(http.MethodPost, "/api/auth/register", "", `{"username":"b","email":"nope","password":"short"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginRejectsDisabledUser(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "alice")
	require.NoError(t, api.db.Model(&domain.SysUser{}).Where("username = ?", "alice").
		Update("status", app.StatusDisabled).Error)

	rec := api.do(http.MethodPost, "/api/auth/login", "", `{"username":"alice","password":"correct-horse"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "USER_DISABLED")
}

func TestRegisterReportsStoreFailure(t *testing.T) {
	api := newTestAPI(t)
	require.NoError(t, api.db.Migrator().DropTable(&domain.SysUser{}))

	rec := api.do(http.MethodPost, "/api/auth/register", "", `{"username":"alice","email":"a@example.com","password":"correct-horse"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "DATABASE_ERROR")
}

func TestDeviceRoutes(t *testing.T) {
	api := newTestAPI(t)
	alice := api.register(t, "alice")
	bob := api.register(t, "bob")

	id := api.createDevice(t, alice, "Front desk")

	rec := api.do(http.MethodPost, "/api/whatsapp/devices", alice, `{"name":"ab"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/whatsapp/devices", alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []whatsapp.DeviceView `json:"data"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Data, 1)
	assert.Equal(t, whatsapp.StatusDisconnected, list.Data[0].Status)

	rec = api.do(http.MethodGet, "/api/whatsapp/devices", bob, "")
	decode(t, rec, &list)
	assert.Empty(t, list.Data)

	assert.Equal(t, http.StatusForbidden, api.do(http.MethodGet, "/api/whatsapp/devices/"+id, bob, "").Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/api/whatsapp/devices/404", alice, "").Code)

	rec = api.do(http.MethodPut, "/api/whatsapp/devices/"+id, alice, `{"name":"Back office","description":"second floor"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Back office")

	// not connected yet
	rec = api.do(http.MethodPost, "/api/whatsapp/devices/"+id+"/send", alice, `{"to":"15551234567","message":"hi"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_CONNECTED")

	rec = api.do(http.MethodPost, "/api/whatsapp/devices/"+id+"/connect", alice, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/api/whatsapp/devices/"+id+"/qr", alice, "").Code)

	api.adapter.emit(id, whatsapp.Event{Kind: whatsapp.EventQR, QR: "ABC123"})
	rec = api.do(http.MethodGet, "/api/whatsapp/devices/"+id+"/qr", alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "data:image/png;base64,")

	api.adapter.emit(id, whatsapp.Event{Kind: whatsapp.EventAuthenticated, SessionData: "15550001234.0:7@s.whatsapp.net"})
	api.adapter.emit(id, whatsapp.Event{Kind: whatsapp.EventReady})

	rec = api.do(http.MethodPost, "/api/whatsapp/devices/"+id+"/connect", alice, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "ALREADY_CONNECTED")

	rec = api.do(http.MethodPost, "/api/whatsapp/devices/"+id+"/send", alice, `{"to":"5551234567","countryCode":"+1","message":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sent struct {
		Data whatsapp.MessageResult `json:"data"`
	}
	decode(t, rec, &sent)
	assert.Equal(t, "15551234567", sent.Data.To)
	assert.Equal(t, domain.MessageStatusSent, sent.Data.Status)

	rec = api.do(http.MethodPost, "/api/whatsapp/devices/"+id+"/disconnect", alice, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(http.MethodGet, "/api/whatsapp/devices/"+id, alice, "")
	assert.Contains(t, rec.Body.String(), `"status":"disconnected"`)

	assert.Equal(t, http.StatusForbidden, api.do(http.MethodDelete, "/api/whatsapp/devices/"+id, bob, "").Code)
	assert.Equal(t, http.StatusNoContent, api.do(http.MethodDelete, "/api/whatsapp/devices/"+id, alice, "").Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/api/whatsapp/devices/"+id, alice, "").Code)
}

func TestMessageHistoryAndExport(t *testing.T) {
	api := newTestAPI(t)
	alice := api.register(t, "alice")
	id := api.createDevice(t, alice, "Front desk")
	api.connect(t, alice, id)

	for i := 0; i < 3; i++ {
		rec := api.do(http.MethodPost, "/api/whatsapp/devices/"+id+"/send", alice,
			fmt.Sprintf(`{"to":"+1555123456%d","message":"hello %d"}`, i, i))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := api.do(http.MethodGet, "/api/whatsapp/messages?pageSize=2&deviceId="+id, alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page pageResult
	decode(t, rec, &page)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 2, page.PageSize)
	assert.Len(t, page.Data, 2)

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/whatsapp/messages?status=bogus", alice, "").Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/whatsapp/messages?since=not-a-date", alice, "").Code)

	rec = api.do(http.MethodGet, "/api/whatsapp/messages/export?since=2020-01-01", alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "attachment")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "id,device_id,owner_id"))
}

func TestApiKeyLifecycle(t *testing.T) {
	api := newTestAPI(t)
	alice := api.register(t, "alice")
	bob := api.register(t, "bob")
	id := api.createDevice(t, alice, "Front desk")
	api.connect(t, alice, id)

	rec := api.do(http.MethodPost, "/api/apikeys", alice, `{"name":"crm"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var createdKey struct {
		Data struct {
			ID     string `json:"id"`
			Key    string `json:"key"`
			Prefix string `json:"prefix"`
		} `json:"data"`
	}
	decode(t, rec, &createdKey)
	key := createdKey.Data.Key
	require.True(t, strings.HasPrefix(key, apiKeyPrefix))
	assert.Equal(t, key[:12], createdKey.Data.Prefix)

	rec = api.do(http.MethodGet, "/api/apikeys", alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), key, "the secret is shown only once")

	assert.Equal(t, http.StatusUnauthorized, api.doKey(http.MethodGet, "/v1/stats", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, api.doKey(http.MethodGet, "/v1/stats", "wag_nope", "").Code)

	rec = api.doKey(http.MethodPost, "/v1/send", key, fmt.Sprintf(`{"deviceId":%q,"countryCode":"1","phone":"5551234567","message":"hi"}`, id))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_PHONE_NUMBER")

	rec = api.doKey(http.MethodPost, "/v1/send", key, fmt.Sprintf(`{"deviceId":%q,"countryCode":"+1","phone":"5551234567","message":"hi"}`, id))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sent struct {
		Data whatsapp.MessageResult `json:"data"`
	}
	decode(t, rec, &sent)

	rec = api.doKey(http.MethodGet, "/v1/messages/"+sent.Data.MessageID, key, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"sent"`)

	rec = api.doKey(http.MethodGet, "/v1/stats", key, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Data openStats `json:"data"`
	}
	decode(t, rec, &stats)
	assert.Equal(t, int64(1), stats.Data.TotalMessages)
	assert.Equal(t, int64(1), stats.Data.MessagesByStatus[domain.MessageStatusSent])
	assert.GreaterOrEqual(t, stats.Data.ApiKey.RequestCount, int64(3))
	assert.NotNil(t, stats.Data.ApiKey.LastUsed)

	var stored domain.WhatsAppMessage
	require.NoError(t, api.db.Where("id = ?", sent.Data.MessageID).First(&stored).Error)
	assert.Equal(t, createdKey.Data.ID, stored.ApiKeyID)

	assert.Equal(t, http.StatusForbidden, api.do(http.MethodDelete, "/api/apikeys/"+createdKey.Data.ID, bob, "").Code)
	assert.Equal(t, http.StatusNoContent, api.do(http.MethodDelete, "/api/apikeys/"+createdKey.Data.ID, alice, "").Code)
	assert.Equal(t, http.StatusUnauthorized, api.doKey(http.MethodGet, "/v1/stats", key, "").Code)
}

func TestOpenApiOwnership(t *testing.T) {
	api := newTestAPI(t)
	alice := api.register(t, "alice")
	bob := api.register(t, "bob")
	id := api.createDevice(t, alice, "Front desk")
	api.connect(t, alice, id)

	rec := api.do(http.MethodPost, "/api/apikeys", bob, `{"name":"bob"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var createdKey struct {
		Data struct {
			Key string `json:"key"`
		} `json:"data"`
	}
	decode(t, rec, &createdKey)

	rec = api.doKey(http.MethodPost, "/v1/send", createdKey.Data.Key,
		fmt.Sprintf(`{"deviceId":%q,"countryCode":"+1","phone":"5551234567","message":"hi"}`, id))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.doKey(http.MethodGet, "/v1/messages/unknown", createdKey.Data.Key, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventHubFiltersByDeviceAndOwner(t *testing.T) {
	h := &eventHub{clients: make(map[chan whatsapp.StatusChange]subscriber)}
	mine := h.subscribe("dev-1", "alice")
	other := h.subscribe("dev-2", "alice")
	defer h.unsubscribe(mine)
	defer h.unsubscribe(other)

	h.broadcast(whatsapp.StatusChange{DeviceID: "dev-1", OwnerID: "alice", Status: whatsapp.StatusConnected})
	h.broadcast(whatsapp.StatusChange{DeviceID: "dev-1", OwnerID: "mallory", Status: whatsapp.StatusError})

	select {
	case change := <-mine:
		assert.Equal(t, whatsapp.StatusConnected, change.Status)
	default:
		t.Fatal("expected a status change")
	}
	assert.Empty(t, mine)
	assert.Empty(t, other)

	// a full buffer drops instead of blocking the publisher
	for i := 0; i < eventBuffer+5; i++ {
		h.broadcast(whatsapp.StatusChange{DeviceID: "dev-2", OwnerID: "alice", Status: whatsapp.StatusInitializing})
	}
	assert.Len(t, other, eventBuffer)
}
