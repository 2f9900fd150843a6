// Command wapair pairs a device from the terminal. It prints each pairing
// code as terminal art and exits once the device is connected, leaving the
// credentials stored for the gateway to resume. Stop the gateway first: two
// processes must not drive the same device.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/asaskevich/EventBus"
	"github.com/mdp/qrterminal/v3"
	"github.com/talkincode/wagateway/config"
	"github.com/talkincode/wagateway/internal/app"
	"github.com/talkincode/wagateway/internal/whatsapp"
	"github.com/talkincode/wagateway/internal/whatsapp/meow"
	"go.uber.org/zap"
)

var (
	cfile    = flag.String("c", "", "config yaml file")
	deviceID = flag.String("device", "", "existing device id to pair")
	owner    = flag.String("owner", "", "owner user id, required when creating a device")
	name     = flag.String("name", "Terminal", "name for a new device")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "wapair:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(*cfile)
	if err != nil {
		return err
	}
	cfg.Logger.FileEnable = false
	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		return err
	}
	defer application.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := meow.NewContainer(ctx, application.DB(), cfg.Database.Type)
	if err != nil {
		return err
	}
	devices := whatsapp.NewGormDeviceRepository(application.DB())
	bus := EventBus.New()
	manager, err := whatsapp.NewManager(meow.NewAdapter(container, cfg.System.Appid), devices,
		whatsapp.NewGormMessageRepository(application.DB()), bus, whatsapp.Options{
			InitTimeout:  cfg.WhatsApp.InitTimeout,
			QRTimeout:    cfg.WhatsApp.QRTimeout,
			QRMaxRetries: cfg.WhatsApp.QRMaxRetries,
		})
	if err != nil {
		return err
	}
	defer manager.Shutdown(context.Background())

	id, requester := *deviceID, *owner
	if id == "" {
		dev, err := manager.AddDevice(ctx, requester, *name, "paired from terminal")
		if err != nil {
			return err
		}
		id = dev.ID
		fmt.Println("created device", id)
	} else {
		dev, err := devices.Get(ctx, id)
		if err != nil {
			return err
		}
		requester = dev.OwnerID
	}

	changes := make(chan whatsapp.StatusChange, 8)
	if err := bus.Subscribe(whatsapp.TopicStatus, func(c whatsapp.StatusChange) {
		if c.DeviceID != id {
			return
		}
		select {
		case changes <- c:
		default:
		}
	}); err != nil {
		return err
	}

	if err := manager.StartSession(ctx, id, requester); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-changes:
			switch c.Status {
			case whatsapp.StatusAwaitingScan:
				fmt.Println("Scan with WhatsApp > Linked devices:")
				qrterminal.GenerateHalfBlock(c.QR, qrterminal.L, os.Stdout)
			case whatsapp.StatusAuthenticated:
				fmt.Println("Authenticated, waiting for connection...")
			case whatsapp.StatusConnected:
				fmt.Println("Connected. Device", id, "is ready.")
				return manager.EndSession(context.Background(), id, requester)
			case whatsapp.StatusError, whatsapp.StatusDisconnected:
				zap.L().Warn("pairing ended", zap.String("device_id", id), zap.String("status", string(c.Status)))
				return fmt.Errorf("pairing ended: %s %s", c.Status, c.Error)
			}
		}
	}
}
