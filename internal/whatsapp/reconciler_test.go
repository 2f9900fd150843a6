package whatsapp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wagateway/internal/domain"
)

// slowRepo records writes and stalls each one briefly.
type slowRepo struct {
	*memDeviceRepo
	mu     sync.Mutex
	writes int
}

func (r *slowRepo) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	time.Sleep(2 * time.Millisecond)
	r.mu.Lock()
	r.writes++
	r.mu.Unlock()
	return r.memDeviceRepo.Update(ctx, id, fields)
}

func TestReconcilerLastWriteWins(t *testing.T) {
	repo := &slowRepo{memDeviceRepo: newMemDeviceRepo()}
	repo.put(domain.WhatsAppDevice{ID: "d1", Status: string(StatusDisconnected), IsActive: true})
	r, err := newReconciler(repo, 4, time.Second)
	require.NoError(t, err)
	defer r.Release()

	order := []Status{StatusInitializing, StatusAwaitingScan, StatusAuthenticated, StatusConnected}
	for _, s := range order {
		r.Persist("d1", map[string]interface{}{"status": string(s)})
	}
	r.Wait()

	dev, err := repo.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, string(StatusConnected), dev.Status)
	repo.mu.Lock()
	assert.LessOrEqual(t, repo.writes, len(order))
	repo.mu.Unlock()
}

func TestReconcilerMergesFields(t *testing.T) {
	repo := newMemDeviceRepo()
	repo.put(domain.WhatsAppDevice{ID: "d1", IsActive: true})
	r, err := newReconciler(repo, 1, time.Second)
	require.NoError(t, err)
	defer r.Release()

	r.Persist("d1", map[string]interface{}{"status": string(StatusAwaitingScan), "qr_code": "ABC"})
	require.NoError(t, r.Write(context.Background(), "d1", map[string]interface{}{"is_active": false}))
	r.Wait()

	dev, err := repo.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.False(t, dev.IsActive)
	assert.Equal(t, string(StatusAwaitingScan), dev.Status)
	assert.Equal(t, "ABC", dev.QRCode)
}

func TestReconcilerDrop(t *testing.T) {
	repo := newMemDeviceRepo()
	r, err := newReconciler(repo, 1, time.Second)
	require.NoError(t, err)
	defer r.Release()

	r.merge("d1", map[string]interface{}{"status": "connected"})
	r.Drop("d1")
	assert.Nil(t, r.take("d1"))
}
