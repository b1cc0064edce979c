package sni

import (
	"errors"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	// StatusNotifierWatcherInterface is the well-known name and D-Bus
	// interface of the host-side watcher service.
	StatusNotifierWatcherInterface = "org.kde.StatusNotifierWatcher"

	// StatusNotifierWatcherPath is the object path of the watcher service.
	StatusNotifierWatcherPath dbus.ObjectPath = "/StatusNotifierWatcher"
)

// WatcherState describes the item's registration with the watcher service.
type WatcherState int

const (
	// WatcherUnregistered is the state before the first registration
	// attempt.
	WatcherUnregistered WatcherState = iota

	// WatcherRegistering means a registration attempt is in flight.
	WatcherRegistering

	// WatcherOnline means the watcher accepted the item. The tray is
	// expected to be displayed by a host.
	WatcherOnline

	// WatcherOffline means no watcher currently displays the item. The
	// item keeps serving its interfaces and re-registers when a watcher
	// appears.
	WatcherOffline
)

// OfflineReason explains why the item is in the [WatcherOffline] state.
type OfflineReason int

const (
	// ReasonWatcherAbsent means no watcher service is present on the bus.
	ReasonWatcherAbsent OfflineReason = iota

	// ReasonConnectionLost means the watcher disappeared after the item
	// had been registered.
	ReasonConnectionLost

	// ReasonRejected means a watcher is present but refused the
	// registration call.
	ReasonRejected
)

func (r OfflineReason) String() string {
	switch r {
	case ReasonWatcherAbsent:
		return "watcher absent"
	case ReasonConnectionLost:
		return "connection lost"
	case ReasonRejected:
		return "registration rejected"
	default:
		return "unknown"
	}
}

// serviceUnknown reports whether err means the called bus name has no
// owner, i.e. no watcher is running.
func serviceUnknown(err error) bool {
	var dbusErr dbus.Error
	return errors.As(err, &dbusErr) && dbusErr.Name == "org.freedesktop.DBus.Error.ServiceUnknown"
}

// lifecycle tracks the item's registration with the watcher and fires the
// edge-triggered observer hooks. All transitions after start run under the
// tray lock, driven by NameOwnerChanged signals.
type lifecycle struct {
	log zerolog.Logger

	state  WatcherState
	reason OfflineReason

	register func() error
	online   func()
	offline  func(reason OfflineReason) bool
}

// start performs the initial registration. An absent watcher is not an
// error: the item comes up offline and registers once a watcher appears.
// Any other failure is fatal. No observer hooks fire for the initial
// outcome.
func (lc *lifecycle) start() error {
	lc.state = WatcherRegistering

	err := lc.register()
	if err == nil {
		lc.state = WatcherOnline
		lc.log.Debug().Msg("registered with watcher")
		return nil
	}

	if serviceUnknown(err) {
		lc.state = WatcherOffline
		lc.reason = ReasonWatcherAbsent
		lc.log.Debug().Msg("no watcher present, starting offline")
		return nil
	}

	lc.state = WatcherUnregistered
	return err
}

// ownerChanged reacts to a change of the watcher name's owner. It returns
// false when the tray asked to shut down through its offline hook.
//
// Must be called with the tray lock held.
func (lc *lifecycle) ownerChanged(oldOwner, newOwner string) bool {
	if newOwner == "" {
		// Watcher left the bus.
		if lc.state != WatcherOnline {
			return true
		}

		lc.state = WatcherOffline
		lc.reason = ReasonConnectionLost
		lc.log.Debug().Msg("watcher disappeared")

		return lc.offline(ReasonConnectionLost)
	}

	// A watcher appeared, or its name changed hands. Either way the new
	// owner knows nothing about this item, so register again.
	wasOnline := lc.state == WatcherOnline

	lc.state = WatcherRegistering

	err := lc.register()
	if err == nil {
		lc.state = WatcherOnline
		lc.log.Debug().Str("owner", newOwner).Msg("registered with watcher")

		if !wasOnline {
			lc.online()
		}

		return true
	}

	reason := ReasonRejected
	if serviceUnknown(err) {
		reason = ReasonWatcherAbsent
	}

	lc.state = WatcherOffline
	lc.reason = reason
	lc.log.Debug().Err(err).Stringer("reason", reason).Msg("watcher registration failed")

	if wasOnline {
		return lc.offline(reason)
	}

	return true
}
