//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// Registers the sqlite-vec extension with the sqlite3 driver so every
// new connection gets vec_version() and the distance functions.
func init() {
	vec.Auto()
}
