package meow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wagateway/internal/whatsapp"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

const eventBuffer = 32

// handle is one whatsmeow client. Driver callbacks are queued and handed to
// the listener from a single pump goroutine.
type handle struct {
	deviceID  string
	client    *whatsmeow.Client
	listener  whatsapp.Listener
	handlerID uint32

	// ctx lives as long as the handle and bounds the QR channel.
	ctx    context.Context
	cancel context.CancelFunc

	events chan whatsapp.Event
	once   sync.Once
}

func newHandle(deviceID string, client *whatsmeow.Client, l whatsapp.Listener) *handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		deviceID: deviceID,
		client:   client,
		listener: l,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan whatsapp.Event, eventBuffer),
	}
	h.handlerID = client.AddEventHandler(h.onEvent)
	go h.pump()
	return h
}

func (h *handle) Initialize(ctx context.Context) error {
	if h.client.Store.ID == nil {
		qrChan, err := h.client.GetQRChannel(h.ctx)
		if err != nil {
			return errors.Wrap(err, "open qr channel")
		}
		go h.watchQR(qrChan)
	}

	done := make(chan error, 1)
	go func() {
		done <- h.client.Connect()
	}()
	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "connect")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) SendMessage(ctx context.Context, address, body string) (whatsapp.SendReceipt, error) {
	if !h.client.IsConnected() || !h.client.IsLoggedIn() {
		return whatsapp.SendReceipt{}, errors.Wrapf(whatsapp.ErrNotConnected, "device %s", h.deviceID)
	}

	found, err := h.client.IsOnWhatsApp(ctx, []string{"+" + address})
	if err != nil {
		return whatsapp.SendReceipt{}, errors.WithMessage(whatsapp.ErrSend, "lookup "+address+": "+err.Error())
	}
	if len(found) == 0 || !found[0].IsIn {
		return whatsapp.SendReceipt{}, errors.Wrapf(whatsapp.ErrNotRegistered, "%s", address)
	}

	resp, err := h.client.SendMessage(ctx, found[0].JID, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return whatsapp.SendReceipt{}, errors.WithMessage(whatsapp.ErrSend, err.Error())
	}
	return whatsapp.SendReceipt{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

// Destroy detaches the listener before disconnecting, so no event reaches
// the Manager afterwards. Disconnect waits for an in-progress Connect; past
// ctx it is left to finish on its own.
func (h *handle) Destroy(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		h.client.RemoveEventHandler(h.handlerID)
		h.cancel()
		err = disconnectWithin(ctx, h.client.Disconnect)
		if err != nil {
			zap.L().Warn("whatsapp: disconnect abandoned", zap.String("device_id", h.deviceID), zap.Error(err))
		}
	})
	return err
}

func disconnectWithin(ctx context.Context, disconnect func()) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		disconnect()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "disconnect")
	}
}

func (h *handle) pump() {
	for {
		select {
		case ev := <-h.events:
			if h.ctx.Err() != nil {
				return
			}
			h.listener(ev)
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *handle) emit(ev whatsapp.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}

func (h *handle) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			h.emit(whatsapp.Event{Kind: whatsapp.EventQR, QR: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			// PairSuccess carries the JID
		case whatsmeow.QRChannelTimeout.Event:
			h.emit(whatsapp.Event{Kind: whatsapp.EventDisconnected, Reason: whatsapp.ReasonQRTimeout})
		case whatsmeow.QRChannelEventError:
			h.emit(whatsapp.Event{Kind: whatsapp.EventAuthFailure, Err: errors.Wrap(item.Error, "pairing")})
		default:
			if strings.HasPrefix(item.Event, "err") {
				h.emit(whatsapp.Event{Kind: whatsapp.EventAuthFailure, Err: errors.New("pairing: " + item.Event)})
				continue
			}
			zap.L().Debug("whatsapp: qr channel event", zap.String("device_id", h.deviceID), zap.String("event", item.Event))
		}
	}
}

func (h *handle) onEvent(evt interface{}) {
	ev, ok := translate(evt, h.ownJID)
	if !ok {
		return
	}
	h.emit(ev)
}

func (h *handle) ownJID() string {
	if h.client.Store == nil || h.client.Store.ID == nil {
		return ""
	}
	return h.client.Store.ID.String()
}

// translate maps a whatsmeow event to a lifecycle event. Events the
// lifecycle does not track report false.
func translate(evt interface{}, ownJID func() string) (whatsapp.Event, bool) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		return whatsapp.Event{Kind: whatsapp.EventAuthenticated, SessionData: e.ID.String()}, true
	case *events.PairError:
		return whatsapp.Event{Kind: whatsapp.EventAuthFailure, Err: errors.Wrap(e.Error, "pair")}, true
	case *events.Connected:
		return whatsapp.Event{Kind: whatsapp.EventReady, SessionData: ownJID()}, true
	case *events.LoggedOut:
		return whatsapp.Event{Kind: whatsapp.EventDisconnected, Reason: whatsapp.ReasonLoggedOut}, true
	case *events.StreamReplaced:
		return whatsapp.Event{Kind: whatsapp.EventDisconnected, Reason: whatsapp.ReasonReplaced}, true
	case *events.Disconnected:
		return whatsapp.Event{Kind: whatsapp.EventDisconnected, Reason: whatsapp.ReasonConnectionLost}, true
	case *events.ConnectFailure:
		if e.Reason.IsLoggedOut() {
			return whatsapp.Event{Kind: whatsapp.EventDisconnected, Reason: whatsapp.ReasonLoggedOut}, true
		}
		return whatsapp.Event{
			Kind: whatsapp.EventAuthFailure,
			Err:  fmt.Errorf("connect failure %d: %s", int(e.Reason), e.Message),
		}, true
	case *events.TemporaryBan:
		return whatsapp.Event{Kind: whatsapp.EventAuthFailure, Err: errors.New(e.String())}, true
	case *events.ClientOutdated:
		return whatsapp.Event{Kind: whatsapp.EventAuthFailure, Err: errors.New("client outdated")}, true
	case *events.Receipt:
		if e.Type != types.ReceiptTypeDelivered || len(e.MessageIDs) == 0 {
			return whatsapp.Event{}, false
		}
		ids := make([]string, len(e.MessageIDs))
		copy(ids, e.MessageIDs)
		return whatsapp.Event{Kind: whatsapp.EventDelivered, RemoteIDs: ids, At: e.Timestamp}, true
	}
	return whatsapp.Event{}, false
}
