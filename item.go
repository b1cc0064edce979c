package sni

import (
	"context"

	"github.com/godbus/dbus/v5"
)

const (
	// StatusNotifierItemInterface is the D-Bus interface of a tray item.
	StatusNotifierItemInterface = "org.kde.StatusNotifierItem"

	// StatusNotifierItemPath is the object path the item is exported at.
	StatusNotifierItemPath dbus.ObjectPath = "/StatusNotifierItem"
)

// statusNotifierItem exposes the org.kde.StatusNotifierItem methods on the
// bus. Each method takes the tray lock, dispatches to the matching optional
// capability, and republishes whatever the callback changed.
type statusNotifierItem[T Tray[T]] struct {
	svc *service[T]
}

func (i *statusNotifierItem[T]) Activate(x, y int32) *dbus.Error {
	i.svc.withTray(context.Background(), func() {
		if v, ok := any(i.svc.tray).(Activator); ok {
			i.svc.invoke(func() { v.Activate(x, y) })
			i.svc.republish()
		}
	})

	return nil
}

func (i *statusNotifierItem[T]) SecondaryActivate(x, y int32) *dbus.Error {
	i.svc.withTray(context.Background(), func() {
		if v, ok := any(i.svc.tray).(SecondaryActivator); ok {
			i.svc.invoke(func() { v.SecondaryActivate(x, y) })
			i.svc.republish()
		}
	})

	return nil
}

func (i *statusNotifierItem[T]) ContextMenu(x, y int32) *dbus.Error {
	i.svc.withTray(context.Background(), func() {
		if v, ok := any(i.svc.tray).(ContextMenuHandler); ok {
			i.svc.invoke(func() { v.ContextMenu(x, y) })
			i.svc.republish()
		}
	})

	return nil
}

func (i *statusNotifierItem[T]) Scroll(delta int32, orientation string) *dbus.Error {
	i.svc.withTray(context.Background(), func() {
		if v, ok := any(i.svc.tray).(Scroller); ok {
			i.svc.invoke(func() { v.Scroll(delta, parseOrientation(orientation)) })
			i.svc.republish()
		}
	})

	return nil
}
