package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 2 * time.Minute

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// StartBackgroundJobs schedules the periodic session maintenance and starts cron.
func (a *Application) StartBackgroundJobs(m SessionMaintainer) error {
	loc, err := time.LoadLocation(a.appConfig.System.Location)
	if err != nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	interval := a.appConfig.WhatsApp.ReconcileInterval
	if interval <= 0 {
		interval = time.Minute
	}
	if _, err := a.sched.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		a.SchedReconcileTask(m)
	}); err != nil {
		return err
	}

	if _, err := a.sched.AddFunc("@daily", func() {
		a.SchedClearExpireData(m)
	}); err != nil {
		return err
	}

	a.sched.Start()
	return nil
}

// SchedReconcileTask corrects persisted live statuses left behind by dead sessions.
func (a *Application) SchedReconcileTask(m SessionMaintainer) {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	n, err := m.Reconcile(ctx)
	if err != nil {
		zap.L().Warn("reconcile device status failed", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("reconciled stale device status", zap.Int("count", n))
	}
}

// SchedClearExpireData drops message history past the retention window.
func (a *Application) SchedClearExpireData(m SessionMaintainer) {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	idays := a.appConfig.WhatsApp.MessageRetentionDays
	if idays <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	n, err := m.PurgeMessagesBefore(ctx, time.Now().Add(-time.Hour*24*time.Duration(idays)))
	if err != nil {
		zap.L().Warn("purge message history failed", zap.Error(err))
		return
	}
	zap.L().Info("purged message history", zap.Int64("count", n), zap.Int("retention_days", idays))
}
