package domain

import "time"

const (
	MessageStatusPending = "pending"
	MessageStatusSent    = "sent"
	MessageStatusFailed  = "failed"
)

// WhatsAppMessage is one outbound send attempt. Only status, remote id, error
// and the delivery timestamps change after insert.
type WhatsAppMessage struct {
	ID          string     `json:"id" csv:"id" gorm:"primaryKey;size:32"`
	DeviceID    string     `json:"device_id" csv:"device_id" gorm:"index;size:32"`
	OwnerID     string     `json:"owner_id" csv:"owner_id" gorm:"index;size:32"`
	ApiKeyID    string     `json:"api_key_id,omitempty" csv:"api_key_id" gorm:"index;size:32"`
	To          string     `json:"to" csv:"to" gorm:"size:20"`
	Body        string     `json:"body" csv:"body" gorm:"type:text"`
	Status      string     `json:"status" csv:"status" gorm:"index;size:16"`
	RemoteID    string     `json:"remote_id,omitempty" csv:"remote_id" gorm:"index;size:64"`
	ErrorMsg    string     `json:"error_msg,omitempty" csv:"error_msg"`
	SentAt      *time.Time `json:"sent_at,omitempty" csv:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" csv:"delivered_at"`
	CreatedAt   time.Time  `json:"created_at" csv:"created_at" gorm:"index"`
	UpdatedAt   time.Time  `json:"updated_at" csv:"-"`
}

func (WhatsAppMessage) TableName() string {
	return "whatsapp_message"
}
