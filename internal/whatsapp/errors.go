package whatsapp

import "github.com/pkg/errors"

// Every Manager operation fails with an error matching exactly one of these
// under errors.Is.
var (
	ErrValidation     = errors.New("validation failed")
	ErrAuthorization  = errors.New("device not owned by requester")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("session already connected")
	ErrInitialization = errors.New("client initialization failed")
	ErrNotConnected   = errors.New("device not connected")
	ErrNotRegistered  = errors.New("address is not on whatsapp")
	ErrSend           = errors.New("send failed")
	ErrPersistence    = errors.New("store unavailable")
)

var kinds = []error{
	ErrValidation, ErrAuthorization, ErrNotFound, ErrConflict, ErrInitialization,
	ErrNotConnected, ErrNotRegistered, ErrSend, ErrPersistence,
}

// Kind returns the sentinel err belongs to, or nil for untyped errors.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// asKind keeps err if it already carries a sentinel, otherwise files it under kind.
func asKind(err error, kind error) error {
	if Kind(err) != nil {
		return err
	}
	return errors.WithMessage(kind, err.Error())
}
