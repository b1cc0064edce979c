package sni

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	// MenuInterface is the D-Bus interface of the tray menu.
	MenuInterface = "com.canonical.dbusmenu"

	// MenuPath is the object path the menu is exported at.
	MenuPath dbus.ObjectPath = "/MenuBar"
)

// menuEvent is a single entry of an EventGroup call.
type menuEvent struct {
	ID        int32
	EventID   string
	Data      dbus.Variant
	Timestamp uint32
}

// groupProperties is a single entry of a GetGroupProperties reply.
type groupProperties struct {
	ID         int32
	Properties map[string]dbus.Variant
}

// menuBar exposes the com.canonical.dbusmenu methods on the bus. Reads
// serve the last published menu build; events dispatch to the bound
// callbacks and republish.
type menuBar[T Tray[T]] struct {
	svc *service[T]
}

func (m *menuBar[T]) GetLayout(parentID, depth int32, propertyNames []string) (uint32, LayoutNode, *dbus.Error) {
	var (
		revision uint32
		node     LayoutNode
		found    bool
	)

	m.svc.withTray(context.Background(), func() {
		revision = m.svc.revision
		if m.svc.menu.contains(parentID) {
			node = m.svc.menu.layoutNode(parentID, depth, propertyNames)
			found = true
		}
	})

	if !found {
		return 0, LayoutNode{}, dbus.MakeFailedError(fmt.Errorf("unknown menu item %d", parentID))
	}

	return revision, node, nil
}

func (m *menuBar[T]) GetGroupProperties(ids []int32, propertyNames []string) ([]groupProperties, *dbus.Error) {
	groups := make([]groupProperties, 0, len(ids))

	m.svc.withTray(context.Background(), func() {
		if len(ids) == 0 {
			for id := range m.svc.menu {
				groups = append(groups, groupProperties{
					ID:         int32(id),
					Properties: m.svc.menu[id].propertyMap(propertyNames),
				})
			}
			return
		}

		for _, id := range ids {
			if !m.svc.menu.contains(id) {
				continue
			}
			groups = append(groups, groupProperties{
				ID:         id,
				Properties: m.svc.menu[id].propertyMap(propertyNames),
			})
		}
	})

	return groups, nil
}

func (m *menuBar[T]) GetProperty(id int32, name string) (dbus.Variant, *dbus.Error) {
	var (
		value dbus.Variant
		found bool
	)

	m.svc.withTray(context.Background(), func() {
		if !m.svc.menu.contains(id) {
			return
		}
		value, found = m.svc.menu[id].propertyMap([]string{name})[name]
	})

	if !found {
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown property %s of menu item %d", name, id))
	}

	return value, nil
}

func (m *menuBar[T]) Event(id int32, eventID string, data dbus.Variant, timestamp uint32) *dbus.Error {
	m.svc.withTray(context.Background(), func() {
		m.dispatch(id, eventID)
	})

	return nil
}

func (m *menuBar[T]) EventGroup(events []menuEvent) ([]int32, *dbus.Error) {
	unknown := make([]int32, 0)

	m.svc.withTray(context.Background(), func() {
		for _, e := range events {
			if !m.svc.menu.contains(e.ID) {
				unknown = append(unknown, e.ID)
				continue
			}
			m.dispatch(e.ID, e.EventID)
		}
	})

	if len(events) > 0 && len(unknown) == len(events) {
		return unknown, dbus.MakeFailedError(fmt.Errorf("no menu item found for any of %d events", len(events)))
	}

	return unknown, nil
}

// dispatch fires the callback bound to the item for the given event kind
// and republishes. Unknown ids and event kinds are ignored.
//
// Must be called with the tray lock held.
func (m *menuBar[T]) dispatch(id int32, eventID string) {
	if id <= 0 || !m.svc.menu.contains(id) {
		return
	}

	var f func(T)

	switch eventID {
	case "clicked":
		f = m.svc.menu[id].onClick
	case "selected":
		f = m.svc.menu[id].onSelect
	}

	if f == nil {
		return
	}

	m.svc.invoke(func() { f(m.svc.tray) })
	m.svc.republish()
}

func (m *menuBar[T]) AboutToShow(id int32) (bool, *dbus.Error) {
	refresh := false

	m.svc.withTray(context.Background(), func() {
		if v, ok := any(m.svc.tray).(AboutToShower); ok {
			m.svc.invoke(func() { refresh = v.AboutToShow() })
			m.svc.republish()
		}
	})

	return refresh, nil
}

func (m *menuBar[T]) AboutToShowGroup(ids []int32) ([]int32, []int32, *dbus.Error) {
	updatesNeeded := make([]int32, 0)
	idErrors := make([]int32, 0)

	m.svc.withTray(context.Background(), func() {
		v, ok := any(m.svc.tray).(AboutToShower)
		if !ok {
			return
		}

		refresh := false
		m.svc.invoke(func() { refresh = v.AboutToShow() })
		m.svc.republish()

		if refresh {
			for _, id := range ids {
				if m.svc.menu.contains(id) {
					updatesNeeded = append(updatesNeeded, id)
				}
			}
		}
	})

	return updatesNeeded, idErrors, nil
}
