package whatsapp

import (
	"context"
	"time"
)

type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventDisconnected  EventKind = "disconnected"
	// EventDelivered reports delivery receipts; it never changes session state.
	EventDelivered EventKind = "delivered"
)

// DisconnectReason says why a client dropped.
type DisconnectReason string

const (
	ReasonLoggedOut      DisconnectReason = "logged_out"
	ReasonReplaced       DisconnectReason = "replaced"
	ReasonConnectionLost DisconnectReason = "connection_lost"
	ReasonQRTimeout      DisconnectReason = "qr_timeout"
)

// Invalidates reports whether stored credentials are unusable after this
// disconnect. Only an explicit logout revokes them.
func (r DisconnectReason) Invalidates() bool {
	return r == ReasonLoggedOut
}

// Event is what an adapter handle reports to its listener.
type Event struct {
	Kind EventKind
	// QR carries the pairing payload for EventQR.
	QR string
	// SessionData is the resumption token, set on EventAuthenticated and EventReady when known.
	SessionData string
	Reason      DisconnectReason
	Err         error
	// RemoteIDs are the message ids confirmed by EventDelivered.
	RemoteIDs []string
	At        time.Time
}

// Listener receives a handle's events. Adapters call it from their own
// goroutines, one event at a time per handle, and never from inside
// Create or Destroy.
type Listener func(Event)

// SendReceipt is the driver's acknowledgement of an outbound message.
type SendReceipt struct {
	ID        string
	Timestamp time.Time
}

// Handle is one live driver instance. It is owned by the Manager.
type Handle interface {
	// Initialize starts the driver and returns once it is running or ctx ends.
	Initialize(ctx context.Context) error
	// SendMessage fails with ErrNotConnected, ErrNotRegistered or ErrSend.
	SendMessage(ctx context.Context, address, body string) (SendReceipt, error)
	// Destroy releases the driver. Errors are informational.
	Destroy(ctx context.Context) error
}

// Adapter builds handles for a concrete driver.
type Adapter interface {
	// Create builds a handle that resumes from resumeData when it is non-empty
	// and still valid, and pairs from scratch otherwise.
	Create(ctx context.Context, deviceID, resumeData string, l Listener) (Handle, error)
	// Discard deletes stored credentials for sessionData.
	Discard(ctx context.Context, sessionData string) error
}
