package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"nightpilot/internal/app"
	logx "nightpilot/pkg/logx"
)

// DaemonCmd runs the scheduler in the foreground until SIGINT/SIGTERM.
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scheduler in the foreground",
	Long: `Run the scheduler until interrupted.

On SIGINT/SIGTERM the loop stops dispatching, in-flight jobs get the
shutdown grace to finish, and anything still running is cancelled and
recorded as cancelled. Under systemd (Type=notify) readiness, stopping and
watchdog pings are reported.`,
	RunE: runDaemon,
}

func init() {
	DaemonCmd.Flags().DurationVar(&app.ShutdownGrace, "shutdown-grace", app.ShutdownGrace, "time in-flight jobs get to finish on shutdown")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	a, err := app.New(configPath)
	if err != nil {
		return err
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	log := a.Logger()
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("sd_notify ready failed", logx.Err(err))
	}
	go watchdog(ctx, log)

	reason := app.StopUnknown
	select {
	case s := <-sigCh:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// A second signal during shutdown aborts the grace period.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), app.ShutdownGrace+15*time.Second)
	defer stopCancel()
	go func() {
		select {
		case <-sigCh:
			log.Warn("second signal; cancelling running jobs")
			stopCancel()
		case <-stopCtx.Done():
		}
	}()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return fmt.Errorf("fatal: %w", err)
		}
	}
	return stopErr
}

// watchdog pings systemd at half the configured WatchdogSec.
func watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Debug("sd_notify watchdog failed", logx.Err(err))
			}
		}
	}
}
