package app

import (
	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier reports service state to the init system. sent is false when no
// notification socket is configured (not running under systemd).
type Notifier func(state string) (sent bool, err error)

func sdNotify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

const (
	notifyReady     = daemon.SdNotifyReady
	notifyStopping  = daemon.SdNotifyStopping
	notifyReloading = daemon.SdNotifyReloading
)
