//go:build !linux

package main

import (
	"errors"
	"net"
)

// listenVsock is unavailable off Linux; the agent falls back to a Unix
// domain socket so it can be run on a development machine.
func listenVsock(port uint32) (net.Listener, error) {
	return nil, errors.New("vsock is only supported on linux")
}
