package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/talkincode/wagateway/config"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// SessionMaintainer is the part of the session manager the periodic jobs drive.
type SessionMaintainer interface {
	Reconcile(ctx context.Context) (int, error)
	PurgeMessagesBefore(ctx context.Context, t time.Time) (int64, error)
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SchedulerProvider

	// Application lifecycle methods
	MigrateDB(track bool) error
	InitDb()
	DropAll()
}
