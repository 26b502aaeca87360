//go:build !linux

package socketcan

import "errors"

// ErrUnsupported is returned on platforms without SocketCAN.
var ErrUnsupported = errors.New("socketcan: unsupported platform")
