// Package sni publishes application indicators to the system tray using
// the [StatusNotifierItem] specification. It is the client-side
// counterpart of a tray host: the application describes its icon, status,
// tooltip, and menu, and the package exports them on D-Bus for a
// StatusNotifierWatcher-based tray to display.
//
// # Usage
//
// An application implements the [Tray] interface on its own type and calls
// [Spawn]. The returned [Handle] is the only way to mutate the tray after
// that: [Handle.Update] runs a closure against the descriptor and publishes
// whatever it changed.
//
// Beyond the two required methods, the descriptor opts into further
// properties and input events by implementing optional interfaces such as
// [Titled], [IconNamed], or [Activator]. Missing capabilities fall back to
// the defaults of the specification.
//
// In addition to the base specification, package sni implements
// com.canonical.dbusmenu, providing support for tray item menus.
//
// [StatusNotifierItem]: https://www.freedesktop.org/wiki/Specifications/StatusNotifierItem/
package sni
