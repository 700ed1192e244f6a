package supervisor

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

const (
	NotifyReady    = daemon.SdNotifyReady
	NotifyStopping = daemon.SdNotifyStopping
	NotifyWatchdog = daemon.SdNotifyWatchdog
)

// Notifier reports service state to the init system.
type Notifier interface {
	Notify(state string)
	// WatchdogInterval is zero when no watchdog is configured.
	WatchdogInterval() time.Duration
}

type nopNotifier struct{}

func (nopNotifier) Notify(string)                   {}
func (nopNotifier) WatchdogInterval() time.Duration { return 0 }

// Systemd talks sd_notify. Outside systemd every call is a no-op.
type Systemd struct {
	Log zerolog.Logger
}

func (s Systemd) Notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		s.Log.Warn().Err(err).Str("state", state).Msg("sd_notify failed")
		return
	}
	if sent {
		s.Log.Debug().Str("state", state).Msg("sd_notify sent")
	}
}

func (s Systemd) WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		s.Log.Warn().Err(err).Msg("read systemd watchdog settings")
		return 0
	}
	return d
}
