// Package meow drives device sessions through the whatsmeow multi-device client.
package meow

import (
	"context"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/talkincode/wagateway/internal/whatsapp"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"gorm.io/gorm"
)

// NewContainer opens the whatsmeow credential store on the application
// database and runs its migrations.
func NewContainer(ctx context.Context, db *gorm.DB, dbType string) (*sqlstore.Container, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "obtain sql.DB from gorm")
	}

	driver := "sqlite3"
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "postgresql":
		driver = "postgres"
	default:
		// sqlite builds need foreign keys per handle for the store migrations
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("whatsapp: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	}

	container := sqlstore.NewWithDB(sqlDB, driver, NewLogger("wastore"))
	if err := container.Upgrade(ctx); err != nil {
		return nil, errors.Wrapf(err, "whatsmeow store upgrade (%s)", driver)
	}
	zap.L().Info("whatsapp: credential store ready", zap.String("driver", driver))
	return container, nil
}

// Adapter implements whatsapp.Adapter on a whatsmeow store container.
// SessionData is the device JID the credentials are stored under.
type Adapter struct {
	container *sqlstore.Container
	log       *zapLogger
}

func NewAdapter(container *sqlstore.Container, osName string) *Adapter {
	if osName != "" {
		store.DeviceProps.Os = proto.String(osName)
	}
	store.DeviceProps.RequireFullSync = proto.Bool(false)
	return &Adapter{container: container, log: NewLogger("whatsmeow").(*zapLogger)}
}

func (a *Adapter) Create(ctx context.Context, deviceID, resumeData string, l whatsapp.Listener) (whatsapp.Handle, error) {
	dev, err := a.device(ctx, resumeData)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		dev = a.container.NewDevice()
	}

	client := whatsmeow.NewClient(dev, a.log.Sub(deviceID))
	client.EnableAutoReconnect = false
	return newHandle(deviceID, client, l), nil
}

func (a *Adapter) Discard(ctx context.Context, sessionData string) error {
	dev, err := a.device(ctx, sessionData)
	if err != nil || dev == nil {
		return err
	}
	if err := a.container.DeleteDevice(ctx, dev); err != nil {
		return errors.Wrapf(err, "delete stored device %s", sessionData)
	}
	zap.L().Info("whatsapp: stored credentials deleted", zap.String("jid", sessionData))
	return nil
}

// device loads the stored device for jid. Unknown or unparsable JIDs yield nil.
func (a *Adapter) device(ctx context.Context, jid string) (*store.Device, error) {
	if jid == "" {
		return nil, nil
	}
	parsed, err := types.ParseJID(jid)
	if err != nil {
		zap.L().Warn("whatsapp: ignoring malformed session data", zap.String("jid", jid), zap.Error(err))
		return nil, nil
	}
	dev, err := a.container.GetDevice(ctx, parsed)
	if err != nil {
		return nil, errors.Wrapf(err, "load stored device %s", jid)
	}
	return dev, nil
}
