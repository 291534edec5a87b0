// Package registry provides YAML persistence of known Lumen devices for
// command-line tools.
//
// The registry stores the devices a scan has found (serial, address, label,
// last-seen time) together with per-device request overrides and global
// preferences. It is a convenience layer for the CLI tools; the core
// protocol packages never read or write it.
package registry
