//go:build !cgo

package store

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go sqlite driver for cgo-free builds.
// ANN acceleration is unavailable here; search falls back to in-process
// cosine ranking.
const driverName = "sqlite"
