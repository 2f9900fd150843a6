package domain

import (
	"time"
)

// SysUser is a gateway tenant. Devices, messages and API keys hang off its ID.
type SysUser struct {
	ID        string     `json:"id" gorm:"primaryKey;size:32"`
	Username  string     `json:"username" gorm:"uniqueIndex;size:64"`
	Email     string     `json:"email" gorm:"size:128"`
	Realname  string     `json:"realname" gorm:"size:64"`
	Password  string     `json:"-"`
	Level     string     `json:"level" gorm:"size:16"` // super or user
	Status    string     `json:"status" gorm:"size:16"`
	LastLogin *time.Time `json:"last_login,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (SysUser) TableName() string {
	return "sys_user"
}

// SysApiKey authenticates the programmatic API. Only the SHA-256 of the key is stored.
type SysApiKey struct {
	ID           string     `json:"id" gorm:"primaryKey;size:32"`
	OwnerID      string     `json:"owner_id" gorm:"index;size:32"`
	Name         string     `json:"name" gorm:"size:64"`
	Prefix       string     `json:"prefix" gorm:"size:16"`
	KeyHash      string     `json:"-" gorm:"uniqueIndex;size:64"`
	IsActive     bool       `json:"is_active" gorm:"index"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
	RequestCount int64      `json:"request_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (SysApiKey) TableName() string {
	return "sys_api_key"
}
