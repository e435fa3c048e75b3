package main

import (
	"fmt"
	"log"
	"net"

	"github.com/mdlayher/vsock"
)

// listenVsock listens on the given vsock port of the guest.
func listenVsock(port uint32) (net.Listener, error) {
	lis, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock listen port %d: %w", port, err)
	}
	log.Printf("agent: listening on vsock port %d", port)
	return lis, nil
}
