package sni

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// Tray is the application-owned descriptor of a status notifier item.
//
// The type parameter T is the implementing type itself:
//
//	type MyTray struct{ counter int }
//
//	func (t *MyTray) ID() string { return "my-app" }
//
//	func (t *MyTray) Menu() []sni.MenuItem[*MyTray] {
//		return []sni.MenuItem[*MyTray]{
//			sni.StandardItem[*MyTray]{
//				Label:    "Bump",
//				Activate: func(t *MyTray) { t.counter++ },
//			},
//		}
//	}
//
// Everything beyond ID and Menu is an optional capability: implement the
// corresponding interface ([Titled], [IconNamed], [Activator], ...) to
// expose the property or method, otherwise the protocol default is used.
//
// A descriptor is owned exclusively by the tray service from [Spawn]
// onwards. Its methods and menu callbacks are only ever invoked while the
// service holds exclusive access; the application mutates it through
// [Handle.Update].
type Tray[T any] interface {
	// ID returns a name that is unique for this application and consistent
	// between sessions, such as the application name itself.
	//
	// Some hosts misbehave when ID is empty.
	ID() string

	// Menu returns the menu of the item. The returned tree is a pure
	// function of the descriptor state: it is rebuilt in full on every
	// republication and never edited in place.
	Menu() []MenuItem[T]
}

type Category string

// StatusNotifierItem categories.
const (
	// The item describes the status of a generic application, for instance
	// the current state of a media player.
	CategoryApplicationStatus Category = "ApplicationStatus"

	// The item describes the status of communication oriented applications,
	// like an instant messenger or an email client.
	CategoryCommunications Category = "Communications"

	// The item describes services of the system not seen as a stand alone
	// application by the user, such as an indicator for the activity of a
	// disk indexing service.
	CategorySystemServices Category = "SystemServices"

	// The item describes the state and control of a particular hardware,
	// such as an indicator of the battery charge or sound card volume
	// control.
	CategoryHardware Category = "Hardware"
)

type Status string

// StatusNotifierItem statuses.
const (
	// The item doesn't convey important information to the user, it can be
	// considered an "idle" status and is likely that visualizations will
	// choose to hide it.
	StatusPassive Status = "Passive"

	// The item is active, is more important that the item will be shown in
	// some way to the user.
	StatusActive Status = "Active"

	// The item carries really important information for the user.
	// Visualizations should emphasize in some way the items with
	// NeedsAttention status.
	StatusNeedsAttention Status = "NeedsAttention"
)

// menuStatus maps an item status to the com.canonical.dbusmenu Status
// property.
func menuStatus(s Status) string {
	if s == StatusNeedsAttention {
		return "notice"
	}
	return "normal"
}

type TextDirection string

// Text directions of the com.canonical.dbusmenu TextDirection property.
const (
	TextDirectionLeftToRight TextDirection = "ltr"
	TextDirectionRightToLeft TextDirection = "rtl"
)

type Orientation string

// Orientations of a scroll request.
const (
	OrientationHorizontal Orientation = "horizontal"
	OrientationVertical   Orientation = "vertical"
)

// parseOrientation maps the wire orientation argument to an [Orientation].
// Unrecognized values fall back to vertical, which is what mouse wheels
// produce.
func parseOrientation(s string) Orientation {
	if s == string(OrientationHorizontal) {
		return OrientationHorizontal
	}
	return OrientationVertical
}

// Optional descriptor capabilities. A descriptor exposes a property or
// method by implementing the matching interface; missing capabilities fall
// back to the protocol defaults (empty strings, Active status,
// ApplicationStatus category, no-op methods).
type (
	// Titled provides the Title property, a name that describes the
	// application, more descriptive than ID.
	Titled interface{ Title() string }

	// Statused provides the Status property. Default is [StatusActive].
	Statused interface{ Status() Status }

	// Categorized provides the Category property. Default is
	// [CategoryApplicationStatus].
	Categorized interface{ Category() Category }

	// Windowed provides the WindowId property, a windowing-system dependent
	// identifier of one of the application's windows.
	Windowed interface{ WindowID() int32 }

	// IconNamed provides the IconName property, a Freedesktop-compliant
	// icon name.
	IconNamed interface{ IconName() string }

	// IconPixmapped provides the IconPixmap property.
	IconPixmapped interface{ IconPixmap() []Icon }

	// OverlayIconNamed provides the OverlayIconName property.
	OverlayIconNamed interface{ OverlayIconName() string }

	// OverlayIconPixmapped provides the OverlayIconPixmap property.
	OverlayIconPixmapped interface{ OverlayIconPixmap() []Icon }

	// AttentionIconNamed provides the AttentionIconName property.
	AttentionIconNamed interface{ AttentionIconName() string }

	// AttentionIconPixmapped provides the AttentionIconPixmap property.
	AttentionIconPixmapped interface{ AttentionIconPixmap() []Icon }

	// AttentionMovieNamed provides the AttentionMovieName property, an
	// animation associated with the NeedsAttention status.
	AttentionMovieNamed interface{ AttentionMovieName() string }

	// IconThemePathed provides the IconThemePath property, an additional
	// path to add to the theme search path to find the icons.
	IconThemePathed interface{ IconThemePath() string }

	// ToolTipped provides the ToolTip property.
	ToolTipped interface{ ToolTip() ToolTip }

	// TextDirectioned provides the TextDirection property of the menu.
	// Default is [TextDirectionLeftToRight].
	TextDirectioned interface{ TextDirection() TextDirection }

	// MenuOnly provides the ItemIsMenu property. A true value tells
	// visualizations to prefer showing the menu over calling Activate.
	MenuOnly interface{ ItemIsMenu() bool }

	// Activator handles the Activate method, typically a consequence of
	// mouse left click over the graphical representation of the item. The
	// x and y parameters are in screen coordinates and are a hint to the
	// item where to show eventual windows.
	Activator interface{ Activate(x, y int32) }

	// SecondaryActivator handles the SecondaryActivate method, a secondary
	// and less important form of activation, typically mouse middle click.
	SecondaryActivator interface{ SecondaryActivate(x, y int32) }

	// Scroller handles the Scroll method. The delta parameter is the
	// amount of scroll.
	Scroller interface {
		Scroll(delta int32, orientation Orientation)
	}

	// ContextMenuHandler handles the ContextMenu method, typically a
	// consequence of mouse right click.
	ContextMenuHandler interface{ ContextMenu(x, y int32) }

	// AboutToShower is consulted when the host is about to display the
	// menu. Returning true asks the host to refetch the layout first.
	AboutToShower interface{ AboutToShow() bool }

	// WatcherObserver is notified of watcher presence transitions. Both
	// hooks run with exclusive access to the descriptor. WatcherOffline
	// returns whether the service should keep running; returning false
	// shuts the tray service down.
	WatcherObserver interface {
		WatcherOnline()
		WatcherOffline(reason OfflineReason) bool
	}
)

// Errors returned by [Spawn] and [Handle] methods.
var (
	// ErrNameTaken is returned when the desired well-known bus name is
	// already owned by another connection.
	ErrNameTaken = errors.New("bus name already taken")

	// ErrClosed is returned when the tray service has been shut down.
	ErrClosed = errors.New("tray service is closed")
)

// Option configures a tray service. See [WithRuntime], [WithLogger] and
// [WithoutBusName].
type Option func(*config)

type config struct {
	rt      Runtime
	log     zerolog.Logger
	busName bool
}

func defaultConfig() config {
	return config{
		rt:      GoRuntime(),
		log:     zerolog.Nop(),
		busName: true,
	}
}

// WithRuntime selects the asynchronous execution backend of the service.
// The default is [GoRuntime].
func WithRuntime(rt Runtime) Option {
	return func(c *config) { c.rt = rt }
}

// WithLogger installs a logger for debug events of the service. The default
// logger discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithoutBusName skips acquisition of the well-known
// org.kde.StatusNotifierItem-<pid>-<n> name and registers the unique
// connection name instead.
//
// This violates the StatusNotifierItem specification but is required in
// some sandboxed environments, such as flatpak.
func WithoutBusName() Option {
	return func(c *config) { c.busName = false }
}

// Handle is a reference to a running tray service. It is safe for
// concurrent use and can be copied freely.
type Handle[T Tray[T]] struct {
	svc *service[T]
}

// Spawn starts the tray service for the descriptor in the background and
// registers it with the desktop's StatusNotifierWatcher.
//
// If conn is nil, a new session bus connection is established and owned by
// the service. The descriptor must not be touched by the application after
// Spawn except through [Handle.Update].
//
// Startup failures (bus unavailable, bus name taken, registration rejected)
// are returned synchronously. An absent watcher is not a startup failure:
// the service starts offline and registers when the watcher appears.
func Spawn[T Tray[T]](conn *dbus.Conn, tray T, opts ...Option) (*Handle[T], error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ownsConn := false
	if conn == nil {
		var err error
		conn, err = dbus.ConnectSessionBus()
		if err != nil {
			return nil, fmt.Errorf("spawn: failed to connect to session bus: %w", err)
		}
		ownsConn = true
	}

	svc := newService(tray, cfg)
	svc.conn = conn
	svc.ownsConn = ownsConn

	if err := svc.listen(cfg.busName); err != nil {
		if ownsConn {
			conn.Close()
		}
		return nil, err
	}

	return &Handle[T]{svc: svc}, nil
}

// Update runs f with exclusive mutable access to the descriptor, then
// rebuilds and republishes the tray. It returns only after republication,
// so a caller observing a nil error is guaranteed the new state is visible
// to subsequent readers.
//
// Cancelling ctx is observed only while waiting for exclusive access; once
// f has started it always runs to completion. Calling Update from inside a
// menu callback or descriptor method run by the service is a programming
// error and panics.
//
// If f panics, the panic is contained and returned as an error; the service
// remains usable.
func (h *Handle[T]) Update(ctx context.Context, f func(tray T)) error {
	if h.svc.closed.Load() {
		return ErrClosed
	}

	var cbErr error
	err := h.svc.withTray(ctx, func() {
		cbErr = h.svc.invoke(func() { f(h.svc.tray) })
		h.svc.republish()
	})
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if cbErr != nil {
		return fmt.Errorf("update: %w", cbErr)
	}

	return nil
}

// Close shuts the tray service down: the bus name is released, the exported
// interfaces are removed and, if the service owns its bus connection, the
// connection is closed.
//
// The handle cannot be reused after Close.
func (h *Handle[T]) Close() error {
	return h.svc.close()
}

// Closed reports whether the tray service has been shut down.
func (h *Handle[T]) Closed() bool {
	return h.svc.closed.Load()
}
