package whatsapp

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Session is the in-memory state of one live device session. Values are
// replaced whole, so a Get is a consistent snapshot.
type Session struct {
	DeviceID   string
	OwnerID    string
	Status     Status
	PendingQR  string
	QRCount    int
	Generation uint64
	StartedAt  time.Time

	handle      Handle
	sessionData string
	qrTimer     *time.Timer
}

// Registry maps device ids to live sessions. Mutations for one device are
// serialized by Lock; different devices never contend on the same lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	locks    keyedMutex
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Lock serializes mutations of deviceID and returns the unlock func.
func (r *Registry) Lock(deviceID string) (unlock func()) {
	return r.locks.Lock(deviceID)
}

func (r *Registry) Get(deviceID string) (Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[deviceID]
	r.mu.RUnlock()
	return s, ok
}

// Put stores s. Without replace it refuses to overwrite an existing session.
func (r *Registry) Put(deviceID string, s Session, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[deviceID]; ok && !replace {
		return errors.Wrapf(ErrConflict, "device %s has a live session", deviceID)
	}
	r.sessions[deviceID] = s
	return nil
}

func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	delete(r.sessions, deviceID)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot copies every session.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
