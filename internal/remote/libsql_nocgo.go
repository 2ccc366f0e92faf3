//go:build !cgo

package remote

const libsqlAvailable = false
