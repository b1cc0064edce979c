package sni

import (
	"bytes"
	"reflect"
	"slices"

	"github.com/godbus/dbus/v5"
)

type itemType string

const (
	itemTypeStandard  itemType = "standard"
	itemTypeSeparator itemType = "separator"
)

type toggleType string

const (
	toggleTypeNone      toggleType = ""
	toggleTypeCheckmark toggleType = "checkmark"
	toggleTypeRadio     toggleType = "radio"
)

// Toggle states of the com.canonical.dbusmenu toggle-state property.
const (
	toggleOff           int32 = 0
	toggleOn            int32 = 1
	toggleIndeterminate int32 = -1
)

// rawItem is a single flattened menu node in wire-property form. The index
// of a rawItem in its menuModel is its published identity.
type rawItem[T any] struct {
	typ         itemType
	label       string
	enabled     bool
	visible     bool
	iconName    string
	iconData    []byte
	shortcut    [][]string
	toggleType  toggleType
	toggleState int32
	disposition Disposition
	children    []int32

	// onClick handles the "clicked" event, onSelect the "selected" event.
	// At most one of them is set.
	onClick  func(tray T)
	onSelect func(tray T)
}

func defaultRawItem[T any]() rawItem[T] {
	return rawItem[T]{
		typ:         itemTypeStandard,
		enabled:     true,
		visible:     true,
		toggleState: toggleIndeterminate,
		disposition: DispositionNormal,
	}
}

// menuModel is one published build of the menu tree. Index 0 is the
// synthetic root; every other index is the preorder identity assigned during
// the build. Identities are recomputed by position on every build and are
// not stable across builds that change the tree shape.
type menuModel[T any] []rawItem[T]

// flattenMenu assigns identities in preorder, starting at 1, and records
// parent-child relations as identity slices.
func flattenMenu[T any](items []MenuItem[T]) menuModel[T] {
	b := &menuBuilder[T]{list: menuModel[T]{defaultRawItem[T]()}}
	b.append(0, items)
	return b.list
}

type menuBuilder[T any] struct {
	list menuModel[T]
}

func (b *menuBuilder[T]) push(parent int32, item rawItem[T]) int32 {
	id := int32(len(b.list))
	b.list = append(b.list, item)
	b.list[parent].children = append(b.list[parent].children, id)
	return id
}

func (b *menuBuilder[T]) append(parent int32, items []MenuItem[T]) {
	for _, item := range items {
		switch v := item.(type) {
		case StandardItem[T]:
			raw := defaultRawItem[T]()
			raw.label = v.Label
			raw.enabled = !v.Disabled
			raw.visible = !v.Hidden
			raw.iconName = v.IconName
			raw.iconData = v.IconData
			raw.shortcut = v.Shortcut
			if v.Disposition != "" {
				raw.disposition = v.Disposition
			}
			if activate := v.Activate; activate != nil {
				raw.onClick = func(tray T) { activate(tray) }
			}
			b.push(parent, raw)

		case Separator[T]:
			raw := defaultRawItem[T]()
			raw.typ = itemTypeSeparator
			b.push(parent, raw)

		case CheckmarkItem[T]:
			raw := defaultRawItem[T]()
			raw.label = v.Label
			raw.enabled = !v.Disabled
			raw.visible = !v.Hidden
			raw.iconName = v.IconName
			raw.iconData = v.IconData
			raw.shortcut = v.Shortcut
			if v.Disposition != "" {
				raw.disposition = v.Disposition
			}
			raw.toggleType = toggleTypeCheckmark
			if v.Checked {
				raw.toggleState = toggleOn
			} else {
				raw.toggleState = toggleOff
			}
			if activate := v.Activate; activate != nil {
				next := !v.Checked
				raw.onClick = func(tray T) { activate(tray, next) }
			}
			b.push(parent, raw)

		case RadioGroup[T]:
			for idx, opt := range v.Options {
				raw := defaultRawItem[T]()
				raw.label = opt.Label
				raw.enabled = !opt.Disabled
				raw.visible = !opt.Hidden
				raw.iconName = opt.IconName
				raw.toggleType = toggleTypeRadio
				if idx == v.Selected {
					raw.toggleState = toggleOn
				} else {
					raw.toggleState = toggleOff
				}
				if selectFn := v.Select; selectFn != nil {
					index := idx
					raw.onSelect = func(tray T) { selectFn(tray, index) }
				}
				b.push(parent, raw)
			}

		case SubMenu[T]:
			raw := defaultRawItem[T]()
			raw.label = v.Label
			raw.enabled = !v.Disabled
			raw.visible = !v.Hidden
			raw.iconName = v.IconName
			raw.iconData = v.IconData
			raw.shortcut = v.Shortcut
			if v.Disposition != "" {
				raw.disposition = v.Disposition
			}
			id := b.push(parent, raw)
			b.append(id, v.Items)
		}
	}
}

// wantProperty reports whether name passes the property filter. An empty
// filter selects all properties.
func wantProperty(filter []string, name string) bool {
	return len(filter) == 0 || slices.Contains(filter, name)
}

// propertyMap returns the wire properties of the item, filtered by name.
// Values equal to the protocol defaults are omitted.
func (item *rawItem[T]) propertyMap(filter []string) map[string]dbus.Variant {
	props := make(map[string]dbus.Variant, 8)

	if item.typ != itemTypeStandard && wantProperty(filter, "type") {
		props["type"] = dbus.MakeVariant(string(item.typ))
	}
	if item.label != "" && wantProperty(filter, "label") {
		props["label"] = dbus.MakeVariant(item.label)
	}
	if !item.enabled && wantProperty(filter, "enabled") {
		props["enabled"] = dbus.MakeVariant(false)
	}
	if !item.visible && wantProperty(filter, "visible") {
		props["visible"] = dbus.MakeVariant(false)
	}
	if item.iconName != "" && wantProperty(filter, "icon-name") {
		props["icon-name"] = dbus.MakeVariant(item.iconName)
	}
	if len(item.iconData) > 0 && wantProperty(filter, "icon-data") {
		props["icon-data"] = dbus.MakeVariant(item.iconData)
	}
	if len(item.shortcut) > 0 && wantProperty(filter, "shortcut") {
		props["shortcut"] = dbus.MakeVariant(item.shortcut)
	}
	if item.toggleType != toggleTypeNone && wantProperty(filter, "toggle-type") {
		props["toggle-type"] = dbus.MakeVariant(string(item.toggleType))
	}
	if item.toggleState != toggleIndeterminate && wantProperty(filter, "toggle-state") {
		props["toggle-state"] = dbus.MakeVariant(item.toggleState)
	}
	if item.disposition != DispositionNormal && wantProperty(filter, "disposition") {
		props["disposition"] = dbus.MakeVariant(string(item.disposition))
	}
	if len(item.children) > 0 && wantProperty(filter, "children-display") {
		props["children-display"] = dbus.MakeVariant("submenu")
	}

	return props
}

// propsEqual reports whether two items carry identical wire properties.
// Children and callbacks are not compared.
func propsEqual[T any](a, b *rawItem[T]) bool {
	return a.typ == b.typ &&
		a.label == b.label &&
		a.enabled == b.enabled &&
		a.visible == b.visible &&
		a.iconName == b.iconName &&
		bytes.Equal(a.iconData, b.iconData) &&
		slices.EqualFunc(a.shortcut, b.shortcut, slices.Equal) &&
		a.toggleType == b.toggleType &&
		a.toggleState == b.toggleState &&
		a.disposition == b.disposition
}

// LayoutNode is a menu subtree in the wire shape of the
// com.canonical.dbusmenu GetLayout reply.
type LayoutNode struct {
	ID         int32
	Properties map[string]dbus.Variant
	Children   []dbus.Variant
}

// contains reports whether id is a valid identity in the model.
func (m menuModel[T]) contains(id int32) bool {
	return id >= 0 && int(id) < len(m)
}

// layoutNode projects the subtree rooted at id. Depth 0 returns only the
// queried node; a negative depth removes the recursion limit.
func (m menuModel[T]) layoutNode(id int32, depth int32, filter []string) LayoutNode {
	item := &m[id]
	node := LayoutNode{
		ID:         id,
		Properties: item.propertyMap(filter),
		Children:   []dbus.Variant{},
	}

	if depth == 0 {
		return node
	}

	next := depth - 1
	if depth < 0 {
		next = -1
	}

	for _, child := range item.children {
		node.Children = append(node.Children, dbus.MakeVariant(m.layoutNode(child, next, filter)))
	}

	return node
}

// UpdatedProperties is one entry of the first argument of the
// com.canonical.dbusmenu.ItemsPropertiesUpdated signal.
type UpdatedProperties struct {
	ID         int32
	Properties map[string]dbus.Variant
}

// RemovedProperties is one entry of the second argument of the
// com.canonical.dbusmenu.ItemsPropertiesUpdated signal.
type RemovedProperties struct {
	ID         int32
	Properties []string
}

// menuDiff describes what changed between two consecutive builds.
type menuDiff struct {
	// Whether anything observable changed at all.
	changed bool

	// Whether the tree shape changed. A structural change invalidates all
	// identities of the previous build.
	structural bool

	// Identity of the top-most changed node, 0 for the root.
	parent int32

	updated []UpdatedProperties
	removed []RemovedProperties
}

// diffMenus compares two builds. The models must come from consecutive
// flattenMenu calls for the same tray.
func diffMenus[T any](old, next menuModel[T]) menuDiff {
	if len(old) != len(next) {
		return menuDiff{changed: true, structural: true}
	}

	var d menuDiff
	var changedIDs []int32
	for i := range next {
		if !slices.Equal(old[i].children, next[i].children) {
			return menuDiff{changed: true, structural: true}
		}
		if propsEqual(&old[i], &next[i]) {
			continue
		}

		id := int32(i)
		changedIDs = append(changedIDs, id)
		oldProps := old[i].propertyMap(nil)
		newProps := next[i].propertyMap(nil)

		updated := make(map[string]dbus.Variant)
		for name, value := range newProps {
			if prev, ok := oldProps[name]; !ok || !reflect.DeepEqual(prev.Value(), value.Value()) {
				updated[name] = value
			}
		}
		var removed []string
		for name := range oldProps {
			if _, ok := newProps[name]; !ok {
				removed = append(removed, name)
			}
		}
		slices.Sort(removed)

		if len(updated) > 0 {
			d.updated = append(d.updated, UpdatedProperties{ID: id, Properties: updated})
		}
		if len(removed) > 0 {
			d.removed = append(d.removed, RemovedProperties{ID: id, Properties: removed})
		}
	}

	if len(changedIDs) == 0 {
		return menuDiff{}
	}

	d.changed = true
	if len(changedIDs) == 1 {
		d.parent = changedIDs[0]
	}
	return d
}
