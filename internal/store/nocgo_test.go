// ABOUTME: Marks the cgo SQLite driver as unavailable to the store tests
// ABOUTME: Paired with cgo_test.go; selected when building with CGO_ENABLED=0

//go:build !cgo

package store

const cgoEnabled = false
