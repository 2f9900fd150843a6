package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/talkincode/wagateway/config"
	"github.com/talkincode/wagateway/internal/adminapi"
	"github.com/talkincode/wagateway/internal/app"
	"github.com/talkincode/wagateway/internal/webserver"
	"github.com/talkincode/wagateway/internal/whatsapp"
	"github.com/talkincode/wagateway/internal/whatsapp/meow"
	"go.uber.org/zap"
)

var (
	cfile  = flag.String("c", "", "config yaml file")
	initdb = flag.Bool("initdb", false, "drop and recreate all database tables")
	debug  = flag.Bool("debug", false, "debug mode")
)

const shutdownTimeout = 30 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*cfile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if *debug {
		cfg.System.Debug = true
		cfg.Logger.Mode = "development"
	}

	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "init application:", err)
		os.Exit(1)
	}
	defer application.Release()

	if *initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	ctx := context.Background()
	container, err := meow.NewContainer(ctx, application.DB(), cfg.Database.Type)
	if err != nil {
		zap.L().Fatal("open whatsmeow store", zap.Error(err))
	}

	wa := cfg.WhatsApp
	manager, err := whatsapp.NewManager(
		meow.NewAdapter(container, cfg.System.Appid),
		whatsapp.NewGormDeviceRepository(application.DB()),
		whatsapp.NewGormMessageRepository(application.DB()),
		EventBus.New(),
		whatsapp.Options{
			InitTimeout:    wa.InitTimeout,
			QRTimeout:      wa.QRTimeout,
			QRMaxRetries:   wa.QRMaxRetries,
			DestroyTimeout: wa.DestroyTimeout,
			PersistWorkers: wa.PersistWorkers,
		},
	)
	if err != nil {
		zap.L().Fatal("create session manager", zap.Error(err))
	}

	if err := manager.Restore(ctx, wa.AutoResume); err != nil {
		zap.L().Error("restore device sessions", zap.Error(err))
	}
	if err := application.StartBackgroundJobs(manager); err != nil {
		zap.L().Fatal("start background jobs", zap.Error(err))
	}

	server := webserver.Init(application, manager)
	adminapi.Init()
	go func() {
		if err := server.Start(); err != nil {
			zap.L().Fatal("web server stopped", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	zap.L().Info("shutting down", zap.String("signal", s.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("web server shutdown", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("session manager shutdown", zap.Error(err))
	}
}
