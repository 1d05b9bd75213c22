//go:build cgo

package store

import (
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo sqlite driver. The sqlite_vec build tag
// additionally registers the vec0 extension with this driver.
const driverName = "sqlite3"
