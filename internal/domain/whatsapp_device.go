package domain

import "time"

// WhatsAppDevice is the persisted record of one WhatsApp account slot owned by a user.
// Status mirrors the live session state; the in-memory registry wins when the two differ.
type WhatsAppDevice struct {
	ID             string     `json:"id" gorm:"primaryKey;size:32"`
	OwnerID        string     `json:"owner_id" gorm:"index;size:32;not null"`
	Name           string     `json:"name" gorm:"size:64"`
	Description    string     `json:"description" gorm:"size:255"`
	Status         string     `json:"status" gorm:"index;size:20"`
	QRCode         string     `json:"qr_code,omitempty"`
	SessionData    string     `json:"-" gorm:"size:128"` // JID keying the stored whatsmeow credentials
	LastConnection *time.Time `json:"last_connection,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	IsActive       bool       `json:"is_active" gorm:"index"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (WhatsAppDevice) TableName() string {
	return "whatsapp_device"
}
