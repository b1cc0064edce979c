package sni

// Icon is an ARGB32 image in network byte order.
//
// It is marshalled to D-Bus as
//
//	[<width>, <height>, <bytes>]
//
// which is the pixmap format of the StatusNotifierItem specification.
type Icon struct {
	Width  int32
	Height int32
	Data   []byte
}

// ToolTip is extra information associated with the item that can be
// visualized, for instance, by a tooltip.
type ToolTip struct {
	// Freedesktop-compliant name for an icon.
	IconName string

	// Binary representation of the icon.
	IconPixmap []Icon

	// Title of the tooltip.
	Title string

	// Descriptive text for this tooltip. May contain a subset of HTML
	// markup.
	Description string
}
