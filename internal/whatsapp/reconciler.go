package whatsapp

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/talkincode/wagateway/internal/domain"
	"go.uber.org/zap"
)

// reconciler mirrors registry decisions into the device store. Updates for
// a device are merged while waiting and written by one worker at a time, so
// the last decided state is also the last one written.
type reconciler struct {
	store   DeviceRepository
	pool    *ants.Pool
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]map[string]interface{}
	locks   keyedMutex
	wg      sync.WaitGroup
}

func newReconciler(store DeviceRepository, workers int, timeout time.Duration) (*reconciler, error) {
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	return &reconciler{
		store:   store,
		pool:    pool,
		timeout: timeout,
		pending: make(map[string]map[string]interface{}),
	}, nil
}

// Persist queues fields for deviceID and returns immediately.
func (r *reconciler) Persist(deviceID string, fields map[string]interface{}) {
	r.merge(deviceID, fields)
	r.wg.Add(1)
	task := func() {
		defer r.wg.Done()
		r.flush(deviceID)
	}
	if err := r.pool.Submit(task); err != nil {
		zap.L().Debug("whatsapp: persist pool unavailable, writing inline", zap.Error(err))
		go task()
	}
}

// Write merges fields with anything queued for deviceID and stores them now.
func (r *reconciler) Write(ctx context.Context, deviceID string, fields map[string]interface{}) error {
	unlock := r.locks.Lock(deviceID)
	defer unlock()
	merged := r.take(deviceID)
	if merged == nil {
		merged = make(map[string]interface{}, len(fields))
	}
	for k, v := range fields {
		merged[k] = v
	}
	return r.store.Update(ctx, deviceID, merged)
}

// Correct writes fields only when nothing is queued or in flight for
// deviceID and the stored record still satisfies stale.
func (r *reconciler) Correct(ctx context.Context, deviceID string, fields map[string]interface{}, stale func(*domain.WhatsAppDevice) bool) (bool, error) {
	unlock := r.locks.Lock(deviceID)
	defer unlock()
	if r.queued(deviceID) {
		return false, nil
	}
	dev, err := r.store.Get(ctx, deviceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if !stale(dev) {
		return false, nil
	}
	if err := r.store.Update(ctx, deviceID, fields); err != nil {
		return false, err
	}
	return true, nil
}

// Drop forgets queued updates for deviceID.
func (r *reconciler) Drop(deviceID string) {
	unlock := r.locks.Lock(deviceID)
	defer unlock()
	r.take(deviceID)
}

// Wait blocks until every queued update has been attempted.
func (r *reconciler) Wait() {
	r.wg.Wait()
}

func (r *reconciler) Release() {
	r.pool.Release()
}

func (r *reconciler) merge(deviceID string, fields map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.pending[deviceID]
	if !ok {
		cur = make(map[string]interface{}, len(fields))
		r.pending[deviceID] = cur
	}
	for k, v := range fields {
		cur[k] = v
	}
}

func (r *reconciler) queued(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[deviceID]
	return ok
}

func (r *reconciler) take(deviceID string) map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	fields, ok := r.pending[deviceID]
	if !ok {
		return nil
	}
	delete(r.pending, deviceID)
	return fields
}

func (r *reconciler) flush(deviceID string) {
	unlock := r.locks.Lock(deviceID)
	defer unlock()
	fields := r.take(deviceID)
	if fields == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.Update(ctx, deviceID, fields); err != nil {
		zap.L().Warn("whatsapp: persist device status failed",
			zap.String("device_id", deviceID), zap.Any("status", fields["status"]), zap.Error(err))
	}
}
