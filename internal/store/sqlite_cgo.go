// ABOUTME: Registers the cgo SQLite driver (mattn/go-sqlite3) when cgo is available
// ABOUTME: Selected with storage.driver "sqlite3"; the default "sqlite" driver needs no cgo

//go:build cgo

package store

import (
	_ "github.com/mattn/go-sqlite3"
)
