package whatsapp

// Status is the lifecycle state of a device session.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusInitializing  Status = "initializing"
	StatusAwaitingScan  Status = "awaiting_scan"
	StatusAuthenticated Status = "authenticated"
	StatusConnected     Status = "connected"
	StatusError         Status = "error"
)

// Live reports whether the status only makes sense while a session exists.
func (s Status) Live() bool {
	switch s {
	case StatusInitializing, StatusAwaitingScan, StatusAuthenticated, StatusConnected:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s.Live() || s == StatusDisconnected || s == StatusError
}

func liveStatuses() []string {
	return []string{
		string(StatusInitializing), string(StatusAwaitingScan),
		string(StatusAuthenticated), string(StatusConnected),
	}
}
