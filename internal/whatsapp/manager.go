package whatsapp

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/asaskevich/EventBus"
	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	"github.com/talkincode/wagateway/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TopicStatus is the event bus topic carrying StatusChange values.
const TopicStatus = "whatsapp:status"

const (
	minNameLen        = 3
	maxNameLen        = 50
	maxDescriptionLen = 255
	maxBodyLen        = 4096
)

// Options tunes the Manager. Zero values fall back to the defaults.
type Options struct {
	InitTimeout    time.Duration
	QRTimeout      time.Duration
	QRMaxRetries   int // 0 means unlimited
	DestroyTimeout time.Duration
	PersistWorkers int
	PersistTimeout time.Duration
	NodeID         int64 // snowflake node for generated ids
}

func DefaultOptions() Options {
	return Options{
		InitTimeout:    60 * time.Second,
		QRTimeout:      60 * time.Second,
		QRMaxRetries:   3,
		DestroyTimeout: 30 * time.Second,
		PersistWorkers: 16,
		PersistTimeout: 10 * time.Second,
		NodeID:         1,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InitTimeout <= 0 {
		o.InitTimeout = d.InitTimeout
	}
	if o.QRTimeout <= 0 {
		o.QRTimeout = d.QRTimeout
	}
	if o.QRMaxRetries < 0 {
		o.QRMaxRetries = 0
	}
	if o.DestroyTimeout <= 0 {
		o.DestroyTimeout = d.DestroyTimeout
	}
	if o.PersistWorkers <= 0 {
		o.PersistWorkers = d.PersistWorkers
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = d.PersistTimeout
	}
	return o
}

// StatusChange is published on TopicStatus after every transition.
type StatusChange struct {
	DeviceID string    `json:"device_id"`
	OwnerID  string    `json:"owner_id"`
	Status   Status    `json:"status"`
	QR       string    `json:"qr,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// DeviceView is a device with its live status merged in.
type DeviceView struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Status         Status     `json:"status"`
	QRCode         string     `json:"qr_code,omitempty"`
	Live           bool       `json:"live"`
	Resumable      bool       `json:"resumable"`
	LastConnection *time.Time `json:"last_connection,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type SendRequest struct {
	Address     string
	CountryCode string
	Body        string
	ApiKeyID    string
}

type MessageResult struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	To        string    `json:"to"`
	RemoteID  string    `json:"remoteId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageStats struct {
	TotalMessages    int64            `json:"totalMessages"`
	MessagesByStatus map[string]int64 `json:"messagesByStatus"`
}

// Manager owns every device session. It is the only writer of its Registry
// and the only caller of adapter handles.
type Manager struct {
	opts     Options
	adapter  Adapter
	devices  DeviceRepository
	messages MessageRepository
	registry *Registry
	recon    *reconciler
	bus      EventBus.Bus
	ids      *snowflake.Node
	gen      atomic.Uint64
	now      func() time.Time
}

func NewManager(adapter Adapter, devices DeviceRepository, messages MessageRepository, bus EventBus.Bus, opts Options) (*Manager, error) {
	opts = opts.withDefaults()
	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, errors.Wrap(err, "snowflake node")
	}
	recon, err := newReconciler(devices, opts.PersistWorkers, opts.PersistTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "persist pool")
	}
	return &Manager{
		opts:     opts,
		adapter:  adapter,
		devices:  devices,
		messages: messages,
		registry: NewRegistry(),
		recon:    recon,
		bus:      bus,
		ids:      node,
		now:      time.Now,
	}, nil
}

func (m *Manager) Bus() EventBus.Bus {
	return m.bus
}

// NewID returns a fresh snowflake id, shared with the HTTP layer for users and keys.
func (m *Manager) NewID() string {
	return m.ids.Generate().String()
}

// AddDevice registers a new disconnected device for ownerID.
func (m *Manager) AddDevice(ctx context.Context, ownerID, name, description string) (*domain.WhatsAppDevice, error) {
	name = strings.TrimSpace(name)
	if ownerID == "" {
		return nil, errors.Wrap(ErrValidation, "owner is required")
	}
	if err := validateDeviceMeta(name, description); err != nil {
		return nil, err
	}
	dev := &domain.WhatsAppDevice{
		ID:          m.NewID(),
		OwnerID:     ownerID,
		Name:        name,
		Description: description,
		Status:      string(StatusDisconnected),
		IsActive:    true,
	}
	if err := m.devices.Create(ctx, dev); err != nil {
		return nil, asKind(err, ErrPersistence)
	}
	zap.L().Info("whatsapp: device added", zap.String("device_id", dev.ID), zap.String("owner_id", ownerID))
	return dev, nil
}

// UpdateDevice changes the user supplied metadata.
func (m *Manager) UpdateDevice(ctx context.Context, deviceID, requesterID, name, description string) (*DeviceView, error) {
	dev, err := m.lookup(ctx, deviceID, requesterID, false)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if err := validateDeviceMeta(name, description); err != nil {
		return nil, err
	}
	if err := m.devices.Update(ctx, deviceID, map[string]interface{}{"name": name, "description": description}); err != nil {
		return nil, asKind(err, ErrPersistence)
	}
	dev.Name, dev.Description = name, description
	return m.view(dev), nil
}

// StartSession tears down any stale session and starts a fresh one. It
// returns once initialization is requested; progress is observed through
// GetStatus, GetQr or TopicStatus.
func (m *Manager) StartSession(ctx context.Context, deviceID, requesterID string) error {
	dev, unlock, err := m.lockDevice(ctx, deviceID, requesterID, false)
	if err != nil {
		return err
	}
	defer unlock()

	if cur, ok := m.registry.Get(deviceID); ok {
		if cur.Status == StatusConnected {
			return errors.Wrapf(ErrConflict, "device %s", deviceID)
		}
		zap.L().Info("whatsapp: replacing stale session",
			zap.String("device_id", deviceID), zap.String("status", string(cur.Status)))
		m.teardown(cur)
	}

	gen := m.gen.Add(1)
	h, err := m.adapter.Create(ctx, deviceID, dev.SessionData, m.listener(deviceID, gen))
	if err != nil {
		err = asKind(err, ErrInitialization)
		m.recon.Persist(deviceID, map[string]interface{}{
			"status": string(StatusError), "qr_code": "", "last_error": err.Error(),
		})
		m.publish(deviceID, dev.OwnerID, StatusError, "", err.Error())
		return err
	}

	sess := Session{
		DeviceID:    deviceID,
		OwnerID:     dev.OwnerID,
		Status:      StatusInitializing,
		Generation:  gen,
		StartedAt:   m.now(),
		handle:      h,
		sessionData: dev.SessionData,
	}
	if err := m.registry.Put(deviceID, sess, false); err != nil {
		m.destroy(deviceID, h)
		return err
	}
	m.recon.Persist(deviceID, map[string]interface{}{
		"status": string(StatusInitializing), "qr_code": "", "last_error": "",
	})
	m.publish(deviceID, dev.OwnerID, StatusInitializing, "", "")
	zap.L().Info("whatsapp: session starting",
		zap.String("device_id", deviceID), zap.Bool("resume", dev.SessionData != ""), zap.Uint64("generation", gen))

	go m.initialize(deviceID, gen, h)
	return nil
}

func (m *Manager) initialize(deviceID string, gen uint64, h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.InitTimeout)
	defer cancel()
	err := h.Initialize(ctx)
	if err == nil {
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = errors.Wrapf(ErrInitialization, "no response within %s", m.opts.InitTimeout)
	} else {
		err = asKind(err, ErrInitialization)
	}

	unlock := m.registry.Lock(deviceID)
	defer unlock()
	cur, ok := m.registry.Get(deviceID)
	if !ok || cur.Generation != gen {
		return
	}
	zap.L().Warn("whatsapp: session initialization failed", zap.String("device_id", deviceID), zap.Error(err))
	m.end(cur, StatusError, nil, err.Error())
}

// GetQr renders the pending pairing code.
func (m *Manager) GetQr(ctx context.Context, deviceID, requesterID string) (*QRImage, error) {
	if _, err := m.lookup(ctx, deviceID, requesterID, false); err != nil {
		return nil, err
	}
	sess, ok := m.registry.Get(deviceID)
	if !ok || sess.Status != StatusAwaitingScan || sess.PendingQR == "" {
		return nil, errors.Wrapf(ErrNotFound, "no pending qr code for device %s", deviceID)
	}
	img, err := EncodeQR(sess.PendingQR)
	if err != nil {
		return nil, err
	}
	return &QRImage{Image: img, Attempt: sess.QRCount}, nil
}

func (m *Manager) GetStatus(ctx context.Context, deviceID, requesterID string) (*DeviceView, error) {
	dev, err := m.lookup(ctx, deviceID, requesterID, false)
	if err != nil {
		return nil, err
	}
	return m.view(dev), nil
}

// ListDevices returns the owner's active devices with live status merged in.
func (m *Manager) ListDevices(ctx context.Context, ownerID string) ([]*DeviceView, error) {
	if ownerID == "" {
		return nil, errors.Wrap(ErrValidation, "owner is required")
	}
	devs, err := m.devices.QueryByOwner(ctx, ownerID)
	if err != nil {
		return nil, asKind(err, ErrPersistence)
	}
	views := make([]*DeviceView, 0, len(devs))
	for _, dev := range devs {
		views = append(views, m.view(dev))
	}
	return views, nil
}

// Send dispatches body to address through the device's connected session.
func (m *Manager) Send(ctx context.Context, deviceID, requesterID string, req SendRequest) (*MessageResult, error) {
	dev, err := m.lookup(ctx, deviceID, requesterID, false)
	if err != nil {
		return nil, err
	}
	if n := utf8.RuneCountInString(req.Body); n == 0 || n > maxBodyLen {
		return nil, errors.Wrapf(ErrValidation, "message must be 1-%d characters", maxBodyLen)
	}
	to, err := NormalizeAddress(req.Address, req.CountryCode)
	if err != nil {
		return nil, err
	}

	sess, ok := m.registry.Get(deviceID)
	if !ok || sess.Status != StatusConnected {
		return nil, errors.Wrapf(ErrNotConnected, "device %s", deviceID)
	}

	msg := &domain.WhatsAppMessage{
		ID:       m.NewID(),
		DeviceID: deviceID,
		OwnerID:  dev.OwnerID,
		ApiKeyID: req.ApiKeyID,
		To:       to,
		Body:     req.Body,
		Status:   domain.MessageStatusPending,
	}
	if err := m.messages.Create(ctx, msg); err != nil {
		return nil, asKind(err, ErrPersistence)
	}

	receipt, err := sess.handle.SendMessage(ctx, to, req.Body)
	if err != nil {
		err = asKind(err, ErrSend)
		if uerr := m.messages.UpdateStatus(ctx, msg.ID, domain.MessageStatusFailed, "", err.Error(), nil); uerr != nil {
			zap.L().Error("whatsapp: record failed message", zap.String("message_id", msg.ID), zap.Error(uerr))
		}
		zap.L().Warn("whatsapp: send failed", zap.String("device_id", deviceID), zap.String("to", to), zap.Error(err))
		return nil, err
	}

	sentAt := receipt.Timestamp
	if sentAt.IsZero() {
		sentAt = m.now()
	}
	if err := m.messages.UpdateStatus(ctx, msg.ID, domain.MessageStatusSent, receipt.ID, "", &sentAt); err != nil {
		// the message left already; the record stays pending
		zap.L().Error("whatsapp: record sent message", zap.String("message_id", msg.ID), zap.Error(err))
	}
	zap.L().Info("whatsapp: message sent",
		zap.String("device_id", deviceID), zap.String("message_id", msg.ID), zap.String("remote_id", receipt.ID))
	return &MessageResult{
		MessageID: msg.ID,
		Status:    domain.MessageStatusSent,
		To:        to,
		RemoteID:  receipt.ID,
		Timestamp: sentAt,
	}, nil
}

// EndSession tears down the live session. It succeeds when there is none.
// Stored credentials survive so the device can resume later.
func (m *Manager) EndSession(ctx context.Context, deviceID, requesterID string) error {
	if _, err := m.lookup(ctx, deviceID, requesterID, false); err != nil {
		return err
	}
	unlock := m.registry.Lock(deviceID)
	defer unlock()
	cur, ok := m.registry.Get(deviceID)
	if !ok {
		return nil
	}
	zap.L().Info("whatsapp: session ended", zap.String("device_id", deviceID))
	m.end(cur, StatusDisconnected, nil, "")
	return nil
}

// RemoveDevice ends the session, discards stored credentials and marks the
// device inactive.
func (m *Manager) RemoveDevice(ctx context.Context, deviceID, requesterID string) error {
	dev, unlock, err := m.lockDevice(ctx, deviceID, requesterID, false)
	if err != nil {
		return err
	}
	defer unlock()

	sessionData := dev.SessionData
	if cur, ok := m.registry.Get(deviceID); ok {
		if cur.sessionData != "" {
			sessionData = cur.sessionData
		}
		m.teardown(cur)
	}
	err = m.recon.Write(ctx, deviceID, map[string]interface{}{
		"is_active":    false,
		"status":       string(StatusDisconnected),
		"qr_code":      "",
		"session_data": "",
	})
	if err != nil {
		return asKind(err, ErrPersistence)
	}
	m.discard(sessionData)
	m.publish(deviceID, dev.OwnerID, StatusDisconnected, "", "")
	zap.L().Info("whatsapp: device removed", zap.String("device_id", deviceID))
	return nil
}

// PurgeDevice deletes the device row outright. Inactive devices can be purged.
func (m *Manager) PurgeDevice(ctx context.Context, deviceID, requesterID string) error {
	dev, unlock, err := m.lockDevice(ctx, deviceID, requesterID, true)
	if err != nil {
		return err
	}
	defer unlock()

	sessionData := dev.SessionData
	if cur, ok := m.registry.Get(deviceID); ok {
		if cur.sessionData != "" {
			sessionData = cur.sessionData
		}
		m.teardown(cur)
	}
	m.recon.Drop(deviceID)
	if err := m.devices.Delete(ctx, deviceID); err != nil {
		return asKind(err, ErrPersistence)
	}
	m.discard(sessionData)
	zap.L().Info("whatsapp: device purged", zap.String("device_id", deviceID))
	return nil
}

// GetMessage returns one of the requester's messages.
func (m *Manager) GetMessage(ctx context.Context, messageID, requesterID string) (*domain.WhatsAppMessage, error) {
	msg, err := m.messages.Get(ctx, messageID)
	if err != nil {
		return nil, asKind(err, ErrPersistence)
	}
	if msg.OwnerID != requesterID {
		return nil, errors.Wrapf(ErrAuthorization, "message %s", messageID)
	}
	return msg, nil
}

// ListMessages pages through messages. filter.OwnerID is required.
func (m *Manager) ListMessages(ctx context.Context, filter MessageFilter, page, pageSize int) ([]*domain.WhatsAppMessage, int64, error) {
	if filter.OwnerID == "" {
		return nil, 0, errors.Wrap(ErrValidation, "owner is required")
	}
	msgs, total, err := m.messages.List(ctx, filter, page, pageSize)
	if err != nil {
		return nil, 0, asKind(err, ErrPersistence)
	}
	return msgs, total, nil
}

// Stats counts messages by status. filter.OwnerID is required.
func (m *Manager) Stats(ctx context.Context, filter MessageFilter) (*MessageStats, error) {
	if filter.OwnerID == "" {
		return nil, errors.Wrap(ErrValidation, "owner is required")
	}
	counts, err := m.messages.CountByStatus(ctx, filter)
	if err != nil {
		return nil, asKind(err, ErrPersistence)
	}
	stats := &MessageStats{MessagesByStatus: counts}
	for _, n := range counts {
		stats.TotalMessages += n
	}
	return stats, nil
}

// PurgeMessagesBefore drops message history older than t.
func (m *Manager) PurgeMessagesBefore(ctx context.Context, t time.Time) (int64, error) {
	n, err := m.messages.DeleteOlderThan(ctx, t)
	if err != nil {
		return 0, asKind(err, ErrPersistence)
	}
	return n, nil
}

// Reconcile rewrites persisted live statuses that have no session in this
// process to disconnected. It returns the number of devices corrected.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	devs, err := m.devices.QueryByStatus(ctx, liveStatuses()...)
	if err != nil {
		return 0, asKind(err, ErrPersistence)
	}
	fixed := 0
	for _, dev := range devs {
		ok, err := m.reconcileOne(ctx, dev.ID)
		if err != nil {
			zap.L().Warn("whatsapp: reconcile device failed", zap.String("device_id", dev.ID), zap.Error(err))
			continue
		}
		if ok {
			fixed++
		}
	}
	return fixed, nil
}

// reconcileOne corrects the device only if it has no session and its
// stored status, read after any queued write, is still live.
func (m *Manager) reconcileOne(ctx context.Context, deviceID string) (bool, error) {
	unlock := m.registry.Lock(deviceID)
	defer unlock()
	if _, ok := m.registry.Get(deviceID); ok {
		return false, nil
	}
	return m.recon.Correct(ctx, deviceID, map[string]interface{}{
		"status": string(StatusDisconnected), "qr_code": "",
	}, func(dev *domain.WhatsAppDevice) bool {
		return dev.IsActive && Status(dev.Status).Live()
	})
}

// Restore runs at process start: it reconciles stale statuses and, with
// autoResume, restarts every device holding stored credentials.
func (m *Manager) Restore(ctx context.Context, autoResume bool) error {
	fixed, err := m.Reconcile(ctx)
	if err != nil {
		return err
	}
	zap.L().Info("whatsapp: reconciled stale device status", zap.Int("count", fixed))
	if !autoResume {
		return nil
	}
	devs, err := m.devices.QueryResumable(ctx)
	if err != nil {
		return asKind(err, ErrPersistence)
	}
	for _, dev := range devs {
		if err := m.StartSession(ctx, dev.ID, dev.OwnerID); err != nil {
			zap.L().Warn("whatsapp: resume session failed", zap.String("device_id", dev.ID), zap.Error(err))
		}
	}
	zap.L().Info("whatsapp: resuming sessions", zap.Int("count", len(devs)))
	return nil
}

// Shutdown ends every live session, keeping credentials, and flushes
// pending status writes.
func (m *Manager) Shutdown(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, s := range m.registry.Snapshot() {
		deviceID := s.DeviceID
		g.Go(func() error {
			unlock := m.registry.Lock(deviceID)
			defer unlock()
			if cur, ok := m.registry.Get(deviceID); ok {
				m.end(cur, StatusDisconnected, nil, "")
			}
			return nil
		})
	}
	err := g.Wait()
	m.recon.Wait()
	m.recon.Release()
	return err
}

func (m *Manager) listener(deviceID string, gen uint64) Listener {
	return func(ev Event) {
		m.dispatch(deviceID, gen, ev)
	}
}

// dispatch is the single entry point for adapter events.
func (m *Manager) dispatch(deviceID string, gen uint64, ev Event) {
	if ev.Kind == EventDelivered {
		m.delivered(deviceID, ev)
		return
	}

	unlock := m.registry.Lock(deviceID)
	defer unlock()
	cur, ok := m.registry.Get(deviceID)
	if !ok || cur.Generation != gen {
		zap.L().Debug("whatsapp: dropping event from stale client",
			zap.String("device_id", deviceID), zap.String("event", string(ev.Kind)))
		return
	}

	switch ev.Kind {
	case EventQR:
		m.onQR(cur, ev)
	case EventAuthenticated:
		m.onAuthenticated(cur, ev)
	case EventReady:
		m.onReady(cur, ev)
	case EventAuthFailure:
		msg := "authentication failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		zap.L().Warn("whatsapp: authentication failed", zap.String("device_id", deviceID), zap.String("reason", msg))
		// only an explicit logout invalidates stored credentials
		m.end(cur, StatusError, nil, msg)
	case EventDisconnected:
		fields := map[string]interface{}{}
		if ev.Reason.Invalidates() {
			fields["session_data"] = ""
			m.discard(cur.sessionData)
		}
		zap.L().Info("whatsapp: client disconnected",
			zap.String("device_id", deviceID), zap.String("reason", string(ev.Reason)))
		lastErr := ""
		if ev.Reason != "" && ev.Reason != ReasonConnectionLost {
			lastErr = "disconnected: " + string(ev.Reason)
		}
		m.end(cur, StatusDisconnected, fields, lastErr)
	default:
		zap.L().Debug("whatsapp: unknown event", zap.String("event", string(ev.Kind)))
	}
}

func (m *Manager) onQR(cur Session, ev Event) {
	if cur.Status != StatusInitializing && cur.Status != StatusAwaitingScan {
		zap.L().Debug("whatsapp: qr ignored", zap.String("device_id", cur.DeviceID), zap.String("status", string(cur.Status)))
		return
	}
	attempt := cur.QRCount + 1
	if m.opts.QRMaxRetries > 0 && attempt > m.opts.QRMaxRetries {
		zap.L().Info("whatsapp: qr retries exhausted", zap.String("device_id", cur.DeviceID), zap.Int("max", m.opts.QRMaxRetries))
		m.end(cur, StatusDisconnected, nil, "qr code expired")
		return
	}
	if cur.qrTimer != nil {
		cur.qrTimer.Stop()
	}
	deviceID, gen := cur.DeviceID, cur.Generation
	cur.qrTimer = time.AfterFunc(m.opts.QRTimeout, func() {
		m.expireQR(deviceID, gen, attempt)
	})
	cur.Status = StatusAwaitingScan
	cur.PendingQR = ev.QR
	cur.QRCount = attempt
	m.commit(cur, map[string]interface{}{"qr_code": ev.QR})
}

func (m *Manager) expireQR(deviceID string, gen uint64, attempt int) {
	unlock := m.registry.Lock(deviceID)
	defer unlock()
	cur, ok := m.registry.Get(deviceID)
	if !ok || cur.Generation != gen || cur.Status != StatusAwaitingScan || cur.QRCount != attempt {
		return
	}
	zap.L().Info("whatsapp: qr code expired", zap.String("device_id", deviceID), zap.Int("attempt", attempt))
	m.end(cur, StatusDisconnected, nil, "qr code expired")
}

func (m *Manager) onAuthenticated(cur Session, ev Event) {
	if cur.Status != StatusInitializing && cur.Status != StatusAwaitingScan {
		return
	}
	if cur.qrTimer != nil {
		cur.qrTimer.Stop()
		cur.qrTimer = nil
	}
	cur.Status = StatusAuthenticated
	cur.PendingQR = ""
	fields := map[string]interface{}{"qr_code": ""}
	if ev.SessionData != "" {
		cur.sessionData = ev.SessionData
		fields["session_data"] = ev.SessionData
	}
	m.commit(cur, fields)
}

func (m *Manager) onReady(cur Session, ev Event) {
	if cur.qrTimer != nil {
		cur.qrTimer.Stop()
		cur.qrTimer = nil
	}
	cur.Status = StatusConnected
	cur.PendingQR = ""
	fields := map[string]interface{}{
		"qr_code":         "",
		"last_connection": m.now(),
		"last_error":      "",
	}
	if ev.SessionData != "" {
		cur.sessionData = ev.SessionData
		fields["session_data"] = ev.SessionData
	}
	m.commit(cur, fields)
	zap.L().Info("whatsapp: device connected", zap.String("device_id", cur.DeviceID))
}

func (m *Manager) delivered(deviceID string, ev Event) {
	at := ev.At
	if at.IsZero() {
		at = m.now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.PersistTimeout)
	defer cancel()
	if _, err := m.messages.MarkDelivered(ctx, deviceID, ev.RemoteIDs, at); err != nil {
		zap.L().Warn("whatsapp: record delivery failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// commit stores an updated live session and mirrors it. Caller holds the device lock.
func (m *Manager) commit(s Session, fields map[string]interface{}) {
	_ = m.registry.Put(s.DeviceID, s, true)
	fields["status"] = string(s.Status)
	m.recon.Persist(s.DeviceID, fields)
	m.publish(s.DeviceID, s.OwnerID, s.Status, s.PendingQR, "")
}

// end tears the session down into a terminal status. Caller holds the device lock.
func (m *Manager) end(s Session, status Status, fields map[string]interface{}, lastErr string) {
	m.teardown(s)
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["status"] = string(status)
	fields["qr_code"] = ""
	if lastErr != "" {
		fields["last_error"] = lastErr
	}
	m.recon.Persist(s.DeviceID, fields)
	m.publish(s.DeviceID, s.OwnerID, status, "", lastErr)
}

// teardown removes s from the registry and releases its handle.
func (m *Manager) teardown(s Session) {
	if s.qrTimer != nil {
		s.qrTimer.Stop()
	}
	m.registry.Remove(s.DeviceID)
	m.destroy(s.DeviceID, s.handle)
}

func (m *Manager) destroy(deviceID string, h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DestroyTimeout)
	defer cancel()
	if err := h.Destroy(ctx); err != nil {
		zap.L().Warn("whatsapp: destroy client failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

func (m *Manager) discard(sessionData string) {
	if sessionData == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DestroyTimeout)
	defer cancel()
	if err := m.adapter.Discard(ctx, sessionData); err != nil {
		zap.L().Warn("whatsapp: discard credentials failed", zap.Error(err))
	}
}

func (m *Manager) publish(deviceID, ownerID string, status Status, qr, errMsg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(TopicStatus, StatusChange{
		DeviceID: deviceID,
		OwnerID:  ownerID,
		Status:   status,
		QR:       qr,
		Error:    errMsg,
		At:       m.now(),
	})
}

// lockDevice takes the device lock and returns the record as read under it.
// A removal that finished while waiting for the lock is seen here.
func (m *Manager) lockDevice(ctx context.Context, deviceID, requesterID string, allowInactive bool) (*domain.WhatsAppDevice, func(), error) {
	if _, err := m.lookup(ctx, deviceID, requesterID, allowInactive); err != nil {
		return nil, nil, err
	}
	unlock := m.registry.Lock(deviceID)
	dev, err := m.lookup(ctx, deviceID, requesterID, allowInactive)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return dev, unlock, nil
}

func (m *Manager) lookup(ctx context.Context, deviceID, requesterID string, allowInactive bool) (*domain.WhatsAppDevice, error) {
	if deviceID == "" || requesterID == "" {
		return nil, errors.Wrap(ErrValidation, "device id and requester are required")
	}
	dev, err := m.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, asKind(err, ErrPersistence)
	}
	if dev.OwnerID != requesterID {
		return nil, errors.Wrapf(ErrAuthorization, "device %s", deviceID)
	}
	if !dev.IsActive && !allowInactive {
		return nil, errors.Wrapf(ErrNotFound, "device %s", deviceID)
	}
	return dev, nil
}

// view merges the live session over the persisted record. A persisted live
// status without a session is stale and reads as disconnected.
func (m *Manager) view(dev *domain.WhatsAppDevice) *DeviceView {
	v := &DeviceView{
		ID:             dev.ID,
		OwnerID:        dev.OwnerID,
		Name:           dev.Name,
		Description:    dev.Description,
		Status:         Status(dev.Status),
		QRCode:         dev.QRCode,
		Resumable:      dev.SessionData != "",
		LastConnection: dev.LastConnection,
		LastError:      dev.LastError,
		CreatedAt:      dev.CreatedAt,
		UpdatedAt:      dev.UpdatedAt,
	}
	if s, ok := m.registry.Get(dev.ID); ok {
		v.Status = s.Status
		v.QRCode = s.PendingQR
		v.Live = true
		if s.sessionData != "" {
			v.Resumable = true
		}
	} else if v.Status.Live() || !v.Status.Valid() {
		v.Status = StatusDisconnected
	}
	if v.Status != StatusAwaitingScan {
		v.QRCode = ""
	}
	return v
}

func validateDeviceMeta(name, description string) error {
	if n := utf8.RuneCountInString(name); n < minNameLen || n > maxNameLen {
		return errors.Wrapf(ErrValidation, "name must be %d-%d characters", minNameLen, maxNameLen)
	}
	if utf8.RuneCountInString(description) > maxDescriptionLen {
		return errors.Wrapf(ErrValidation, "description must be at most %d characters", maxDescriptionLen)
	}
	return nil
}
