package sni

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errWatcherGone = dbus.Error{
	Name: "org.freedesktop.DBus.Error.ServiceUnknown",
	Body: []interface{}{"The name org.kde.StatusNotifierWatcher was not provided by any .service files"},
}

// lifecycleRecorder scripts the registration outcome and records hook
// invocations.
type lifecycleRecorder struct {
	registerErr error
	registers   int
	onlines     int
	offlines    []OfflineReason
	keep        bool
}

func newTestLifecycle() (*lifecycle, *lifecycleRecorder) {
	rec := &lifecycleRecorder{keep: true}
	lc := &lifecycle{
		log:      zerolog.Nop(),
		register: func() error { rec.registers++; return rec.registerErr },
		online:   func() { rec.onlines++ },
		offline: func(reason OfflineReason) bool {
			rec.offlines = append(rec.offlines, reason)
			return rec.keep
		},
	}
	return lc, rec
}

func TestLifecycleStartOnline(t *testing.T) {
	lc, rec := newTestLifecycle()

	require.NoError(t, lc.start())
	assert.Equal(t, WatcherOnline, lc.state)
	assert.Equal(t, 1, rec.registers)

	// The initial registration outcome fires no hooks.
	assert.Zero(t, rec.onlines)
	assert.Empty(t, rec.offlines)
}

func TestLifecycleStartWatcherAbsent(t *testing.T) {
	lc, rec := newTestLifecycle()
	rec.registerErr = errWatcherGone

	// No watcher on the bus is not a startup failure.
	require.NoError(t, lc.start())
	assert.Equal(t, WatcherOffline, lc.state)
	assert.Equal(t, ReasonWatcherAbsent, lc.reason)
	assert.Zero(t, rec.onlines)
	assert.Empty(t, rec.offlines)
}

func TestLifecycleStartFatal(t *testing.T) {
	lc, rec := newTestLifecycle()
	rec.registerErr = errors.New("access denied")

	err := lc.start()
	require.Error(t, err)
	assert.Equal(t, WatcherUnregistered, lc.state)
}

func TestLifecycleWatcherLost(t *testing.T) {
	lc, rec := newTestLifecycle()
	require.NoError(t, lc.start())

	keep := lc.ownerChanged(":1.5", "")
	assert.True(t, keep)
	assert.Equal(t, WatcherOffline, lc.state)
	assert.Equal(t, ReasonConnectionLost, lc.reason)
	assert.Equal(t, []OfflineReason{ReasonConnectionLost}, rec.offlines)

	// A second loss signal while already offline fires nothing.
	keep = lc.ownerChanged(":1.5", "")
	assert.True(t, keep)
	assert.Equal(t, []OfflineReason{ReasonConnectionLost}, rec.offlines)
}

func TestLifecycleWatcherLostRequestsShutdown(t *testing.T) {
	lc, rec := newTestLifecycle()
	require.NoError(t, lc.start())
	rec.keep = false

	assert.False(t, lc.ownerChanged(":1.5", ""))
}

func TestLifecycleWatcherAppears(t *testing.T) {
	lc, rec := newTestLifecycle()
	rec.registerErr = errWatcherGone
	require.NoError(t, lc.start())

	// Watcher shows up: re-register and fire the online hook once.
	rec.registerErr = nil
	keep := lc.ownerChanged("", ":1.7")
	assert.True(t, keep)
	assert.Equal(t, WatcherOnline, lc.state)
	assert.Equal(t, 2, rec.registers)
	assert.Equal(t, 1, rec.onlines)
	assert.Empty(t, rec.offlines)
}

func TestLifecycleOwnerHandover(t *testing.T) {
	lc, rec := newTestLifecycle()
	require.NoError(t, lc.start())

	// The name changes hands while online: register with the new owner,
	// but the item never observably went offline, so no hooks fire.
	keep := lc.ownerChanged(":1.5", ":1.9")
	assert.True(t, keep)
	assert.Equal(t, WatcherOnline, lc.state)
	assert.Equal(t, 2, rec.registers)
	assert.Zero(t, rec.onlines)
	assert.Empty(t, rec.offlines)
}

func TestLifecycleRegistrationRejected(t *testing.T) {
	lc, rec := newTestLifecycle()
	require.NoError(t, lc.start())

	// A new owner refuses the registration: the item drops offline.
	rec.registerErr = errors.New("too many items")
	keep := lc.ownerChanged(":1.5", ":1.9")
	assert.True(t, keep)
	assert.Equal(t, WatcherOffline, lc.state)
	assert.Equal(t, ReasonRejected, lc.reason)
	assert.Equal(t, []OfflineReason{ReasonRejected}, rec.offlines)

	// Rejection while already offline fires no further hook.
	keep = lc.ownerChanged(":1.9", ":1.11")
	assert.True(t, keep)
	assert.Equal(t, []OfflineReason{ReasonRejected}, rec.offlines)
}

func TestLifecycleOfflineCycle(t *testing.T) {
	lc, rec := newTestLifecycle()
	require.NoError(t, lc.start())

	require.True(t, lc.ownerChanged(":1.5", ""))
	require.True(t, lc.ownerChanged("", ":1.9"))
	require.True(t, lc.ownerChanged(":1.9", ""))
	require.True(t, lc.ownerChanged("", ":1.12"))

	assert.Equal(t, WatcherOnline, lc.state)
	assert.Equal(t, 2, rec.onlines)
	assert.Equal(t, []OfflineReason{ReasonConnectionLost, ReasonConnectionLost}, rec.offlines)
}

func TestServiceUnknown(t *testing.T) {
	assert.True(t, serviceUnknown(errWatcherGone))
	assert.False(t, serviceUnknown(errors.New("access denied")))
	assert.False(t, serviceUnknown(dbus.Error{Name: "org.freedesktop.DBus.Error.NoReply"}))
	assert.False(t, serviceUnknown(nil))
}

func TestOfflineReasonString(t *testing.T) {
	assert.Equal(t, "watcher absent", ReasonWatcherAbsent.String())
	assert.Equal(t, "connection lost", ReasonConnectionLost.String())
	assert.Equal(t, "registration rejected", ReasonRejected.String())
}
