package sni

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/mitchellh/hashstructure"
	"github.com/rs/zerolog"
)

// itemCounter distinguishes multiple trays spawned by one process.
var itemCounter atomic.Int32

// service owns the tray descriptor. Every read and mutation of the
// descriptor, whether from an inbound bus call or from [Handle.Update],
// goes through withTray, which serializes them on the runtime mutex.
type service[T Tray[T]] struct {
	conn     *dbus.Conn
	name     string
	ownsName bool
	ownsConn bool
	log      zerolog.Logger
	rt       Runtime

	mu     Mutex
	holder atomic.Uint64

	// Owned by the holder of mu.
	tray     T
	menu     menuModel[T]
	revision uint32
	props    propCache

	lc      *lifecycle
	signals chan *dbus.Signal
	closed  atomic.Bool
}

func newService[T Tray[T]](tray T, cfg config) *service[T] {
	s := &service[T]{
		log:     cfg.log,
		rt:      cfg.rt,
		mu:      cfg.rt.NewMutex(),
		tray:    tray,
		signals: make(chan *dbus.Signal, 64),
	}

	s.menu = flattenMenu(tray.Menu())
	s.revision = 1
	s.props = newPropCache(s.readProps())

	return s
}

// listen requests the item name on the bus, exports both interfaces, and
// performs the initial watcher registration.
func (s *service[T]) listen(ownName bool) error {
	if ownName {
		name := fmt.Sprintf("org.kde.StatusNotifierItem-%d-%d", os.Getpid(), itemCounter.Add(1))

		reply, err := s.conn.RequestName(name, dbus.NameFlagDoNotQueue)
		if err != nil {
			return fmt.Errorf("listen: failed to request name %s: %w", name, err)
		}
		if reply != dbus.RequestNameReplyPrimaryOwner {
			return fmt.Errorf("listen: name %s: %w", name, ErrNameTaken)
		}

		s.name = name
		s.ownsName = true
	} else {
		s.name = s.conn.Names()[0]
	}

	if err := s.conn.Export(&statusNotifierItem[T]{svc: s}, StatusNotifierItemPath, StatusNotifierItemInterface); err != nil {
		return fmt.Errorf("listen: failed to export %s: %w", StatusNotifierItemInterface, err)
	}

	if err := s.conn.Export(&menuBar[T]{svc: s}, MenuPath, MenuInterface); err != nil {
		return fmt.Errorf("listen: failed to export %s: %w", MenuInterface, err)
	}

	s.exportProperties(s.readProps())

	// Watch for watcher name owner changes to drive the lifecycle.
	if err := s.conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, StatusNotifierWatcherInterface),
	); err != nil {
		return fmt.Errorf("listen: failed to subscribe to watcher changes: %w", err)
	}

	s.conn.Signal(s.signals)

	s.lc = &lifecycle{
		log:      s.log,
		register: s.registerItem,
		online:   s.notifyOnline,
		offline:  s.notifyOffline,
	}

	if err := s.lc.start(); err != nil {
		return fmt.Errorf("listen: failed to register item: %w", err)
	}

	s.rt.Spawn(s.watchSignals)

	s.log.Debug().Str("name", s.name).Msg("tray service listening")

	return nil
}

// registerItem registers the item name with the watcher service.
func (s *service[T]) registerItem() error {
	return s.conn.Object(
		StatusNotifierWatcherInterface,
		StatusNotifierWatcherPath,
	).Call(StatusNotifierWatcherInterface+".RegisterStatusNotifierItem", 0, s.name).Err
}

func (s *service[T]) notifyOnline() {
	if o, ok := any(s.tray).(WatcherObserver); ok {
		s.invoke(o.WatcherOnline)
	}
}

func (s *service[T]) notifyOffline(reason OfflineReason) bool {
	o, ok := any(s.tray).(WatcherObserver)
	if !ok {
		return true
	}

	keep := true
	s.invoke(func() { keep = o.WatcherOffline(reason) })
	return keep
}

// watchSignals reacts to watcher name ownership changes.
func (s *service[T]) watchSignals() {
	for signal := range s.signals {
		if signal.Name != "org.freedesktop.DBus.NameOwnerChanged" {
			continue
		}

		if len(signal.Body) < 3 {
			continue
		}

		name, ok := signal.Body[0].(string)
		if !ok || name != StatusNotifierWatcherInterface {
			continue
		}

		oldOwner, _ := signal.Body[1].(string)
		newOwner, _ := signal.Body[2].(string)

		keep := true
		s.withTray(context.Background(), func() {
			keep = s.lc.ownerChanged(oldOwner, newOwner)
		})

		if !keep {
			s.close()
			return
		}
	}
}

// withTray runs f with exclusive access to the tray descriptor. Reentrant
// access from a callback already running under the lock is a programming
// error and panics rather than deadlocking.
func (s *service[T]) withTray(ctx context.Context, f func()) error {
	gid := goid()
	if s.holder.Load() == gid {
		panic("sni: reentrant tray access from inside a tray callback")
	}

	if err := s.mu.Lock(ctx); err != nil {
		return err
	}
	s.holder.Store(gid)

	defer func() {
		s.holder.Store(0)
		s.mu.Unlock()
	}()

	f()

	return nil
}

// invoke runs an application callback and contains its panic, keeping the
// service usable regardless of the callback's outcome.
func (s *service[T]) invoke(f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Any("panic", r).Msg("tray callback panicked")
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()

	f()

	return nil
}

// readProps snapshots the descriptor's properties, substituting protocol
// defaults for capabilities the descriptor does not implement.
//
// Must be called with the tray lock held (or before the service is shared).
func (s *service[T]) readProps() trayProps {
	p := trayProps{
		id:            s.tray.ID(),
		category:      CategoryApplicationStatus,
		status:        StatusActive,
		textDirection: TextDirectionLeftToRight,
	}

	tray := any(s.tray)

	if v, ok := tray.(Titled); ok {
		p.title = v.Title()
	}
	if v, ok := tray.(Categorized); ok {
		p.category = v.Category()
	}
	if v, ok := tray.(Statused); ok {
		p.status = v.Status()
	}
	if v, ok := tray.(Windowed); ok {
		p.windowID = v.WindowID()
	}
	if v, ok := tray.(IconNamed); ok {
		p.iconName = v.IconName()
	}
	if v, ok := tray.(IconPixmapped); ok {
		p.iconPixmap = v.IconPixmap()
	}
	if v, ok := tray.(OverlayIconNamed); ok {
		p.overlayIconName = v.OverlayIconName()
	}
	if v, ok := tray.(OverlayIconPixmapped); ok {
		p.overlayIconPixmap = v.OverlayIconPixmap()
	}
	if v, ok := tray.(AttentionIconNamed); ok {
		p.attentionIconName = v.AttentionIconName()
	}
	if v, ok := tray.(AttentionIconPixmapped); ok {
		p.attentionIconPixmap = v.AttentionIconPixmap()
	}
	if v, ok := tray.(AttentionMovieNamed); ok {
		p.attentionMovieName = v.AttentionMovieName()
	}
	if v, ok := tray.(IconThemePathed); ok {
		p.iconThemePath = v.IconThemePath()
	}
	if v, ok := tray.(ToolTipped); ok {
		p.toolTip = v.ToolTip()
	}
	if v, ok := tray.(TextDirectioned); ok {
		p.textDirection = v.TextDirection()
	}
	if v, ok := tray.(MenuOnly); ok {
		p.itemIsMenu = v.ItemIsMenu()
	}

	return p
}

// republish rebuilds the menu, refreshes the property cache, and emits the
// change signals for whatever differs from the last published build.
//
// Must be called with the tray lock held.
func (s *service[T]) republish() {
	p := s.readProps()
	rep := s.props.refresh(p)

	next := flattenMenu(s.tray.Menu())
	d := diffMenus(s.menu, next)
	s.menu = next

	if d.changed {
		s.revision++
	}

	s.publish(p, rep, d)
}

// publish emits the narrow change signals and refreshes the exported
// properties. Only categories flagged as altered produce a signal.
func (s *service[T]) publish(p trayProps, rep changeReport, d menuDiff) {
	if s.conn == nil {
		return
	}

	if rep.title {
		s.conn.Emit(StatusNotifierItemPath, StatusNotifierItemInterface+".NewTitle")
	}
	if rep.icon {
		s.conn.Emit(StatusNotifierItemPath, StatusNotifierItemInterface+".NewIcon")
	}
	if rep.overlayIcon {
		s.conn.Emit(StatusNotifierItemPath, StatusNotifierItemInterface+".NewOverlayIcon")
	}
	if rep.attentionIcon {
		s.conn.Emit(StatusNotifierItemPath, StatusNotifierItemInterface+".NewAttentionIcon")
	}
	if rep.status {
		s.conn.Emit(StatusNotifierItemPath, StatusNotifierItemInterface+".NewStatus")
	}
	if rep.toolTip {
		s.conn.Emit(StatusNotifierItemPath, StatusNotifierItemInterface+".NewToolTip")
	}

	sniChanged := make(map[string]dbus.Variant)
	menuChanged := make(map[string]dbus.Variant)

	if rep.category {
		sniChanged["Category"] = dbus.MakeVariant(string(p.category))
	}
	if rep.windowID {
		sniChanged["WindowId"] = dbus.MakeVariant(p.windowID)
	}
	if rep.iconThemePath {
		sniChanged["IconThemePath"] = dbus.MakeVariant(p.iconThemePath)
		menuChanged["IconThemePath"] = dbus.MakeVariant(iconThemePathList(p.iconThemePath))
	}
	if rep.status {
		menuChanged["Status"] = dbus.MakeVariant(menuStatus(p.status))
	}
	if rep.textDirection {
		menuChanged["TextDirection"] = dbus.MakeVariant(string(p.textDirection))
	}

	s.emitPropertiesChanged(StatusNotifierItemPath, StatusNotifierItemInterface, sniChanged)
	s.emitPropertiesChanged(MenuPath, MenuInterface, menuChanged)

	if rep.any() {
		s.exportProperties(p)
	}

	if d.changed {
		if !d.structural && (len(d.updated) > 0 || len(d.removed) > 0) {
			updated := d.updated
			if updated == nil {
				updated = []UpdatedProperties{}
			}
			removed := d.removed
			if removed == nil {
				removed = []RemovedProperties{}
			}
			s.conn.Emit(MenuPath, MenuInterface+".ItemsPropertiesUpdated", updated, removed)
		}
		s.conn.Emit(MenuPath, MenuInterface+".LayoutUpdated", s.revision, d.parent)

		s.log.Debug().
			Uint32("revision", s.revision).
			Int32("parent", d.parent).
			Bool("structural", d.structural).
			Msg("republished menu")
	}
}

func (s *service[T]) emitPropertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	if len(changed) == 0 {
		return
	}

	s.conn.Emit(path, "org.freedesktop.DBus.Properties.PropertiesChanged", iface, changed, []string{})
}

// exportProperties publishes the current property values of both
// interfaces.
func (s *service[T]) exportProperties(p trayProps) {
	prop.Export(s.conn, StatusNotifierItemPath, prop.Map{
		StatusNotifierItemInterface: map[string]*prop.Prop{
			"Category": {
				Value:    string(p.category),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"Id": {
				Value:    p.id,
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"Title": {
				Value:    p.title,
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"Status": {
				Value:    string(p.status),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"WindowId": {
				Value:    p.windowID,
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"IconName": {
				Value:    p.iconName,
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"IconPixmap": {
				Value:    pixmapList(p.iconPixmap),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"OverlayIconName": {
				Value:    p.overlayIconName,
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"OverlayIconPixmap": {
				Value:    pixmapList(p.overlayIconPixmap),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"AttentionIconName": {
				Value:    p.attentionIconName,
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"AttentionIconPixmap": {
				Value:    pixmapList(p.attentionIconPixmap),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"AttentionMovieName": {
				Value:    p.attentionMovieName,
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"IconThemePath": {
				Value:    p.iconThemePath,
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"ToolTip": {
				Value:    p.toolTip,
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"ItemIsMenu": {
				Value:    p.itemIsMenu,
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"Menu": {
				Value:    dbus.ObjectPath(MenuPath),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
		},
	})

	prop.Export(s.conn, MenuPath, prop.Map{
		MenuInterface: map[string]*prop.Prop{
			"Version": {
				Value:    uint32(3),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"TextDirection": {
				Value:    string(p.textDirection),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"Status": {
				Value:    menuStatus(p.status),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"IconThemePath": {
				Value:    iconThemePathList(p.iconThemePath),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
		},
	})
}

// close shuts the service down. Safe to call more than once; subsequent
// calls return [ErrClosed].
func (s *service[T]) close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	if s.conn == nil {
		return nil
	}

	if s.ownsName {
		if _, err := s.conn.ReleaseName(s.name); err != nil {
			return err
		}
	}

	if err := s.conn.RemoveMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, StatusNotifierWatcherInterface),
	); err != nil {
		return err
	}

	s.conn.RemoveSignal(s.signals)
	close(s.signals)

	s.conn.Export(nil, StatusNotifierItemPath, StatusNotifierItemInterface)
	s.conn.Export(nil, MenuPath, MenuInterface)

	s.log.Debug().Str("name", s.name).Msg("tray service closed")

	if s.ownsConn {
		return s.conn.Close()
	}

	return nil
}

// trayProps is a snapshot of every exposed property of the descriptor.
type trayProps struct {
	id                  string
	title               string
	category            Category
	status              Status
	windowID            int32
	iconName            string
	iconPixmap          []Icon
	overlayIconName     string
	overlayIconPixmap   []Icon
	attentionIconName   string
	attentionIconPixmap []Icon
	attentionMovieName  string
	iconThemePath       string
	toolTip             ToolTip
	textDirection       TextDirection
	itemIsMenu          bool
}

// propCache remembers the last published property values per signal
// category, so that change signals fire only for categories that actually
// changed. Composite categories are tracked by hash.
type propCache struct {
	category      Category
	title         uint64
	status        Status
	windowID      int32
	iconThemePath string
	icon          uint64
	overlayIcon   uint64
	attentionIcon uint64
	toolTip       uint64
	textDirection TextDirection
}

// changeReport flags the property categories altered by the last mutation.
type changeReport struct {
	title         bool
	icon          bool
	overlayIcon   bool
	attentionIcon bool
	toolTip       bool
	status        bool
	category      bool
	windowID      bool
	iconThemePath bool
	textDirection bool
}

func (r changeReport) any() bool {
	return r.title || r.icon || r.overlayIcon || r.attentionIcon ||
		r.toolTip || r.status || r.category || r.windowID ||
		r.iconThemePath || r.textDirection
}

func newPropCache(p trayProps) propCache {
	return propCache{
		category:      p.category,
		title:         hashOf(p.title),
		status:        p.status,
		windowID:      p.windowID,
		iconThemePath: p.iconThemePath,
		icon:          iconHash(p.iconName, p.iconPixmap, ""),
		overlayIcon:   iconHash(p.overlayIconName, p.overlayIconPixmap, ""),
		attentionIcon: iconHash(p.attentionIconName, p.attentionIconPixmap, p.attentionMovieName),
		toolTip:       hashOf(p.toolTip),
		textDirection: p.textDirection,
	}
}

// refresh updates the cache from a fresh snapshot and reports which
// categories changed.
func (c *propCache) refresh(p trayProps) changeReport {
	var r changeReport

	if h := hashOf(p.title); h != c.title {
		c.title = h
		r.title = true
	}
	if h := iconHash(p.iconName, p.iconPixmap, ""); h != c.icon {
		c.icon = h
		r.icon = true
	}
	if h := iconHash(p.overlayIconName, p.overlayIconPixmap, ""); h != c.overlayIcon {
		c.overlayIcon = h
		r.overlayIcon = true
	}
	if h := iconHash(p.attentionIconName, p.attentionIconPixmap, p.attentionMovieName); h != c.attentionIcon {
		c.attentionIcon = h
		r.attentionIcon = true
	}
	if h := hashOf(p.toolTip); h != c.toolTip {
		c.toolTip = h
		r.toolTip = true
	}
	if p.status != c.status {
		c.status = p.status
		r.status = true
	}
	if p.category != c.category {
		c.category = p.category
		r.category = true
	}
	if p.windowID != c.windowID {
		c.windowID = p.windowID
		r.windowID = true
	}
	if p.iconThemePath != c.iconThemePath {
		c.iconThemePath = p.iconThemePath
		r.iconThemePath = true
	}
	if p.textDirection != c.textDirection {
		c.textDirection = p.textDirection
		r.textDirection = true
	}

	return r
}

func hashOf(v any) uint64 {
	h, err := hashstructure.Hash(v, nil)
	if err != nil {
		return 0
	}
	return h
}

func iconHash(name string, pixmap []Icon, movie string) uint64 {
	return hashOf(struct {
		Name   string
		Pixmap []Icon
		Movie  string
	}{name, pixmap, movie})
}

// pixmapList never exposes a nil slice on the bus.
func pixmapList(icons []Icon) []Icon {
	if icons == nil {
		return []Icon{}
	}
	return icons
}

// iconThemePathList maps the single theme path to the list-valued dbusmenu
// property.
func iconThemePathList(path string) []string {
	if path == "" {
		return []string{}
	}
	return []string{path}
}

// goid returns the id of the calling goroutine. Used only to detect
// reentrant tray access, which would otherwise deadlock silently.
func goid() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)

	// The header is "goroutine <id> [".
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}

	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}

	return id
}
