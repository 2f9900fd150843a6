package whatsapp

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wagateway/internal/domain"
	"gorm.io/gorm"
)

// DeviceRepository is the durable device record store
type DeviceRepository interface {
	// Get returns ErrNotFound for unknown ids, inactive rows included
	Get(ctx context.Context, id string) (*domain.WhatsAppDevice, error)

	// Create inserts a new device
	Create(ctx context.Context, dev *domain.WhatsAppDevice) error

	// Update writes a partial set of columns
	Update(ctx context.Context, id string, fields map[string]interface{}) error

	// QueryByOwner lists the owner's active devices, newest first
	QueryByOwner(ctx context.Context, ownerID string) ([]*domain.WhatsAppDevice, error)

	// QueryByStatus lists active devices whose persisted status is one of statuses
	QueryByStatus(ctx context.Context, statuses ...string) ([]*domain.WhatsAppDevice, error)

	// QueryResumable lists active devices holding stored credentials
	QueryResumable(ctx context.Context) ([]*domain.WhatsAppDevice, error)

	// Delete removes the row
	Delete(ctx context.Context, id string) error
}

// MessageFilter narrows message queries. Zero fields are ignored.
type MessageFilter struct {
	OwnerID  string
	DeviceID string
	ApiKeyID string
	Status   string
	Since    time.Time
}

// MessageRepository stores outbound message attempts
type MessageRepository interface {
	Create(ctx context.Context, msg *domain.WhatsAppMessage) error

	// UpdateStatus records the outcome of a send attempt
	UpdateStatus(ctx context.Context, id, status, remoteID, errMsg string, sentAt *time.Time) error

	Get(ctx context.Context, id string) (*domain.WhatsAppMessage, error)

	// List returns one page plus the total count
	List(ctx context.Context, filter MessageFilter, page, pageSize int) ([]*domain.WhatsAppMessage, int64, error)

	CountByStatus(ctx context.Context, filter MessageFilter) (map[string]int64, error)

	// MarkDelivered stamps delivered_at on the device's messages with these remote ids
	MarkDelivered(ctx context.Context, deviceID string, remoteIDs []string, at time.Time) (int64, error)

	// DeleteOlderThan removes messages created before t
	DeleteOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// GormDeviceRepository is the GORM implementation of DeviceRepository
type GormDeviceRepository struct {
	db *gorm.DB
}

func NewGormDeviceRepository(db *gorm.DB) *GormDeviceRepository {
	return &GormDeviceRepository{db: db}
}

func (r *GormDeviceRepository) Get(ctx context.Context, id string) (*domain.WhatsAppDevice, error) {
	var dev domain.WhatsAppDevice
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "device %s", id)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &dev, nil
}

func (r *GormDeviceRepository) Create(ctx context.Context, dev *domain.WhatsAppDevice) error {
	return storeErr(r.db.WithContext(ctx).Create(dev).Error)
}

func (r *GormDeviceRepository) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	return storeErr(r.db.WithContext(ctx).Model(&domain.WhatsAppDevice{}).
		Where("id = ?", id).Updates(fields).Error)
}

func (r *GormDeviceRepository) QueryByOwner(ctx context.Context, ownerID string) ([]*domain.WhatsAppDevice, error) {
	var devs []*domain.WhatsAppDevice
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND is_active = ?", ownerID, true).
		Order("created_at DESC").
		Find(&devs).Error
	return devs, storeErr(err)
}

func (r *GormDeviceRepository) QueryByStatus(ctx context.Context, statuses ...string) ([]*domain.WhatsAppDevice, error) {
	var devs []*domain.WhatsAppDevice
	err := r.db.WithContext(ctx).
		Where("status IN ? AND is_active = ?", statuses, true).
		Find(&devs).Error
	return devs, storeErr(err)
}

func (r *GormDeviceRepository) QueryResumable(ctx context.Context) ([]*domain.WhatsAppDevice, error) {
	var devs []*domain.WhatsAppDevice
	err := r.db.WithContext(ctx).
		Where("session_data <> '' AND is_active = ?", true).
		Find(&devs).Error
	return devs, storeErr(err)
}

func (r *GormDeviceRepository) Delete(ctx context.Context, id string) error {
	return storeErr(r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.WhatsAppDevice{}).Error)
}

// GormMessageRepository is the GORM implementation of MessageRepository
type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

func (r *GormMessageRepository) Create(ctx context.Context, msg *domain.WhatsAppMessage) error {
	return storeErr(r.db.WithContext(ctx).Create(msg).Error)
}

func (r *GormMessageRepository) UpdateStatus(ctx context.Context, id, status, remoteID, errMsg string, sentAt *time.Time) error {
	fields := map[string]interface{}{
		"status":    status,
		"error_msg": errMsg,
	}
	if remoteID != "" {
		fields["remote_id"] = remoteID
	}
	if sentAt != nil {
		fields["sent_at"] = *sentAt
	}
	return storeErr(r.db.WithContext(ctx).Model(&domain.WhatsAppMessage{}).
		Where("id = ?", id).Updates(fields).Error)
}

func (r *GormMessageRepository) Get(ctx context.Context, id string) (*domain.WhatsAppMessage, error) {
	var msg domain.WhatsAppMessage
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "message %s", id)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &msg, nil
}

func (r *GormMessageRepository) scope(ctx context.Context, f MessageFilter) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&domain.WhatsAppMessage{})
	if f.OwnerID != "" {
		query = query.Where("owner_id = ?", f.OwnerID)
	}
	if f.DeviceID != "" {
		query = query.Where("device_id = ?", f.DeviceID)
	}
	if f.ApiKeyID != "" {
		query = query.Where("api_key_id = ?", f.ApiKeyID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		query = query.Where("created_at >= ?", f.Since)
	}
	return query
}

func (r *GormMessageRepository) List(ctx context.Context, filter MessageFilter, page, pageSize int) ([]*domain.WhatsAppMessage, int64, error) {
	var total int64
	if err := r.scope(ctx, filter).Count(&total).Error; err != nil {
		return nil, 0, storeErr(err)
	}
	if page < 1 {
		page = 1
	}
	var msgs []*domain.WhatsAppMessage
	query := r.scope(ctx, filter).Order("created_at DESC")
	if pageSize > 0 {
		query = query.Offset((page - 1) * pageSize).Limit(pageSize)
	}
	if err := query.Find(&msgs).Error; err != nil {
		return nil, 0, storeErr(err)
	}
	return msgs, total, nil
}

func (r *GormMessageRepository) CountByStatus(ctx context.Context, filter MessageFilter) (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.scope(ctx, filter).Select("status, count(*) AS total").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, storeErr(err)
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

func (r *GormMessageRepository) MarkDelivered(ctx context.Context, deviceID string, remoteIDs []string, at time.Time) (int64, error) {
	if len(remoteIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&domain.WhatsAppMessage{}).
		Where("device_id = ? AND remote_id IN ? AND delivered_at IS NULL", deviceID, remoteIDs).
		Update("delivered_at", at)
	return res.RowsAffected, storeErr(res.Error)
}

func (r *GormMessageRepository) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", t).Delete(&domain.WhatsAppMessage{})
	return res.RowsAffected, storeErr(res.Error)
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithMessage(ErrPersistence, err.Error())
}
