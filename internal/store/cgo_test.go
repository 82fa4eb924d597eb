// ABOUTME: Marks the cgo SQLite driver as available to the store tests
// ABOUTME: Paired with nocgo_test.go so CGO_ENABLED=0 builds skip the sqlite3 driver

//go:build cgo

package store

const cgoEnabled = true
