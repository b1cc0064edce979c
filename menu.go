package sni

// MenuItem is one node of a tray menu. The concrete variants are
// [StandardItem], [Separator], [CheckmarkItem], [RadioGroup] and [SubMenu].
//
// The type parameter T is the application's tray descriptor. Callbacks
// attached to a variant receive the descriptor with exclusive access for the
// duration of the call and must not retain it.
type MenuItem[T any] interface {
	menuItem()
}

// Disposition describes how a menu item feels the information it is
// displaying should be presented.
type Disposition string

const (
	// A standard menu item.
	DispositionNormal Disposition = "normal"

	// The item provides additional information to the user.
	DispositionInformative Disposition = "informative"

	// The item looks at potentially harmful results.
	DispositionWarning Disposition = "warning"

	// Something bad could potentially happen.
	DispositionAlert Disposition = "alert"
)

// StandardItem is a menu entry that triggers an action when clicked.
//
// The zero value is an enabled, visible item with an empty label. Disabled
// and Hidden invert the protocol's enabled/visible flags so that the zero
// value carries the defaults.
type StandardItem[T any] struct {
	// Text of the item. Two consecutive underscores are displayed as a
	// single underscore; a single underscore marks the following character
	// as the access key.
	Label string

	// Icon name of the item, following the freedesktop.org icon spec.
	IconName string

	// PNG data of the icon.
	IconData []byte

	// The shortcut of the item. Each inner slice lists modifiers
	// ("Control", "Alt", "Shift", "Super") followed by the key, e.g.
	// Ctrl+S is [["Control", "S"]].
	Shortcut [][]string

	Disposition Disposition

	// Whether the item cannot be activated.
	Disabled bool

	// Whether the item is hidden in the menu.
	Hidden bool

	// Activate runs when the item is clicked.
	Activate func(tray T)
}

func (StandardItem[T]) menuItem() {}

// Separator is a horizontal line between menu entries.
type Separator[T any] struct{}

func (Separator[T]) menuItem() {}

// CheckmarkItem is an independently togglable menu entry.
type CheckmarkItem[T any] struct {
	Label       string
	IconName    string
	IconData    []byte
	Shortcut    [][]string
	Disposition Disposition

	// Whether the checkmark is currently on.
	Checked bool

	Disabled bool
	Hidden   bool

	// Activate runs when the item is clicked. The checked parameter is the
	// state the item was toggled to.
	Activate func(tray T, checked bool)
}

func (CheckmarkItem[T]) menuItem() {}

// RadioItem is a single option of a [RadioGroup].
type RadioItem struct {
	Label    string
	IconName string
	Disabled bool
	Hidden   bool
}

// RadioGroup is an ordered set of options of which exactly one is selected.
type RadioGroup[T any] struct {
	// Index of the currently selected option.
	Selected int

	// Options of the group, in display order.
	Options []RadioItem

	// Select runs when an option is chosen. The index parameter is the
	// index of the newly selected option.
	Select func(tray T, index int)
}

func (RadioGroup[T]) menuItem() {}

// SubMenu is a menu entry that contains a nested menu.
type SubMenu[T any] struct {
	Label       string
	IconName    string
	IconData    []byte
	Shortcut    [][]string
	Disposition Disposition
	Disabled    bool
	Hidden      bool

	// Items of the nested menu, in display order.
	Items []MenuItem[T]
}

func (SubMenu[T]) menuItem() {}
