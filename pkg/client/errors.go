package client

import "errors"

var (
	// ErrDaemonNotRunning is returned when the daemon socket does not exist.
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrPermissionDenied is returned when the socket is not accessible to the caller.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when the daemon responds with 404.
	ErrNotFound = errors.New("404 not found")
)
