package whatsapp

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wagateway/internal/domain"
)

type fakeAdapter struct {
	mu        sync.Mutex
	handles   map[string][]*fakeHandle
	createErr error
	initErr   error
	initBlock bool
	// destroyBlock makes Destroy wait for its context
	destroyBlock bool
	discarded    []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{handles: make(map[string][]*fakeHandle)}
}

func (a *fakeAdapter) Create(_ context.Context, deviceID, resumeData string, l Listener) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return nil, a.createErr
	}
	h := &fakeHandle{
		deviceID: deviceID,
		resume:   resumeData,
		listener: l,
		initErr:  a.initErr,
		block:    a.initBlock,
		stuck:    a.destroyBlock,
	}
	a.handles[deviceID] = append(a.handles[deviceID], h)
	return h, nil
}

func (a *fakeAdapter) Discard(_ context.Context, sessionData string) error {
	a.mu.Lock()
	a.discarded = append(a.discarded, sessionData)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) last(deviceID string) *fakeHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	hs := a.handles[deviceID]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

func (a *fakeAdapter) created(deviceID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handles[deviceID])
}

// live counts handles that were created and not destroyed.
func (a *fakeAdapter) live(deviceID string) int {
	a.mu.Lock()
	hs := append([]*fakeHandle(nil), a.handles[deviceID]...)
	a.mu.Unlock()
	n := 0
	for _, h := range hs {
		if !h.isDestroyed() {
			n++
		}
	}
	return n
}

func (a *fakeAdapter) discardedData() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.discarded...)
}

type fakeHandle struct {
	mu        sync.Mutex
	deviceID  string
	resume    string
	listener  Listener
	initErr   error
	block     bool
	stuck     bool
	destroyed bool
	sendErr   error
	sent      []string
}

func (h *fakeHandle) Initialize(ctx context.Context) error {
	if h.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return h.initErr
}

func (h *fakeHandle) SendMessage(_ context.Context, address, body string) (SendReceipt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return SendReceipt{}, ErrNotConnected
	}
	if h.sendErr != nil {
		return SendReceipt{}, h.sendErr
	}
	h.sent = append(h.sent, address+":"+body)
	return SendReceipt{ID: "3EB0" + address, Timestamp: time.Now()}, nil
}

func (h *fakeHandle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	h.destroyed = true
	h.mu.Unlock()
	if h.stuck {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (h *fakeHandle) isDestroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

func (h *fakeHandle) setSendErr(err error) {
	h.mu.Lock()
	h.sendErr = err
	h.mu.Unlock()
}

func (h *fakeHandle) emit(ev Event) {
	h.listener(ev)
}

type memDeviceRepo struct {
	mu         sync.Mutex
	devices    map[string]domain.WhatsAppDevice
	failUpdate bool
}

func newMemDeviceRepo() *memDeviceRepo {
	return &memDeviceRepo{devices: make(map[string]domain.WhatsAppDevice)}
}

func (r *memDeviceRepo) Get(_ context.Context, id string) (*domain.WhatsAppDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "device %s", id)
	}
	return &dev, nil
}

func (r *memDeviceRepo) Create(_ context.Context, dev *domain.WhatsAppDevice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev.CreatedAt.IsZero() {
		dev.CreatedAt = time.Now()
	}
	r.devices[dev.ID] = *dev
	return nil
}

func (r *memDeviceRepo) Update(_ context.Context, id string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate {
		return errors.WithMessage(ErrPersistence, "disk on fire")
	}
	dev, ok := r.devices[id]
	if !ok {
		return nil
	}
	for k, v := range fields {
		switch k {
		case "status":
			dev.Status = v.(string)
		case "qr_code":
			dev.QRCode = v.(string)
		case "session_data":
			dev.SessionData = v.(string)
		case "last_error":
			dev.LastError = v.(string)
		case "last_connection":
			t := v.(time.Time)
			dev.LastConnection = &t
		case "is_active":
			dev.IsActive = v.(bool)
		case "name":
			dev.Name = v.(string)
		case "description":
			dev.Description = v.(string)
		}
	}
	r.devices[id] = dev
	return nil
}

func (r *memDeviceRepo) QueryByOwner(_ context.Context, ownerID string) ([]*domain.WhatsAppDevice, error) {
	return r.filter(func(d domain.WhatsAppDevice) bool { return d.OwnerID == ownerID && d.IsActive }), nil
}

func (r *memDeviceRepo) QueryByStatus(_ context.Context, statuses ...string) ([]*domain.WhatsAppDevice, error) {
	return r.filter(func(d domain.WhatsAppDevice) bool {
		if !d.IsActive {
			return false
		}
		for _, s := range statuses {
			if d.Status == s {
				return true
			}
		}
		return false
	}), nil
}

func (r *memDeviceRepo) QueryResumable(context.Context) ([]*domain.WhatsAppDevice, error) {
	return r.filter(func(d domain.WhatsAppDevice) bool { return d.IsActive && d.SessionData != "" }), nil
}

func (r *memDeviceRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	delete(r.devices, id)
	r.mu.Unlock()
	return nil
}

func (r *memDeviceRepo) filter(keep func(domain.WhatsAppDevice) bool) []*domain.WhatsAppDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.WhatsAppDevice
	for _, d := range r.devices {
		if keep(d) {
			d := d
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memDeviceRepo) put(dev domain.WhatsAppDevice) {
	r.mu.Lock()
	r.devices[dev.ID] = dev
	r.mu.Unlock()
}

// gate pauses the first call that passes through it once armed.
type gate struct {
	armed   atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func newGate() *gate {
	g := &gate{reached: make(chan struct{}), release: make(chan struct{})}
	g.armed.Store(true)
	return g
}

func (g *gate) pass() {
	if g == nil || !g.armed.CompareAndSwap(true, false) {
		return
	}
	close(g.reached)
	<-g.release
}

// gatedDeviceRepo lets a test hold one Get or Update mid-flight.
type gatedDeviceRepo struct {
	*memDeviceRepo
	get    *gate
	update *gate
}

func (r *gatedDeviceRepo) Get(ctx context.Context, id string) (*domain.WhatsAppDevice, error) {
	dev, err := r.memDeviceRepo.Get(ctx, id)
	r.get.pass()
	return dev, err
}

func (r *gatedDeviceRepo) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	r.update.pass()
	return r.memDeviceRepo.Update(ctx, id, fields)
}

type memMessageRepo struct {
	mu       sync.Mutex
	messages map[string]domain.WhatsAppMessage
}

func newMemMessageRepo() *memMessageRepo {
	return &memMessageRepo{messages: make(map[string]domain.WhatsAppMessage)}
}

func (r *memMessageRepo) Create(_ context.Context, msg *domain.WhatsAppMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg.CreatedAt = time.Now()
	r.messages[msg.ID] = *msg
	return nil
}

func (r *memMessageRepo) UpdateStatus(_ context.Context, id, status, remoteID, errMsg string, sentAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := r.messages[id]
	msg.Status = status
	msg.ErrorMsg = errMsg
	if remoteID != "" {
		msg.RemoteID = remoteID
	}
	if sentAt != nil {
		msg.SentAt = sentAt
	}
	r.messages[id] = msg
	return nil
}

func (r *memMessageRepo) Get(_ context.Context, id string) (*domain.WhatsAppMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "message %s", id)
	}
	return &msg, nil
}

func (r *memMessageRepo) match(f MessageFilter, m domain.WhatsAppMessage) bool {
	return (f.OwnerID == "" || m.OwnerID == f.OwnerID) &&
		(f.DeviceID == "" || m.DeviceID == f.DeviceID) &&
		(f.ApiKeyID == "" || m.ApiKeyID == f.ApiKeyID) &&
		(f.Status == "" || m.Status == f.Status)
}

func (r *memMessageRepo) List(_ context.Context, f MessageFilter, _, _ int) ([]*domain.WhatsAppMessage, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.WhatsAppMessage
	for _, m := range r.messages {
		if r.match(f, m) {
			m := m
			out = append(out, &m)
		}
	}
	return out, int64(len(out)), nil
}

func (r *memMessageRepo) CountByStatus(_ context.Context, f MessageFilter) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[string]int64{}
	for _, m := range r.messages {
		if r.match(f, m) {
			counts[m.Status]++
		}
	}
	return counts, nil
}

func (r *memMessageRepo) MarkDelivered(_ context.Context, deviceID string, remoteIDs []string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, m := range r.messages {
		for _, rid := range remoteIDs {
			if m.DeviceID == deviceID && m.RemoteID == rid && m.DeliveredAt == nil {
				t := at
				m.DeliveredAt = &t
				r.messages[id] = m
				n++
			}
		}
	}
	return n, nil
}

func (r *memMessageRepo) DeleteOlderThan(_ context.Context, t time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, m := range r.messages {
		if m.CreatedAt.Before(t) {
			delete(r.messages, id)
			n++
		}
	}
	return n, nil
}

func (r *memMessageRepo) all() []domain.WhatsAppMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.WhatsAppMessage, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, m)
	}
	return out
}
