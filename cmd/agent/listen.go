package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"strings"
)

const defaultSocketPath = "/tmp/vmctl-agent.sock"

// listen opens the agent listener. addr is "vsock", "unix:///path" or a
// TCP host:port. vsock falls back to a Unix socket where it is unavailable.
func listen(addr string, port uint32) (net.Listener, error) {
	switch {
	case addr == "" || addr == "vsock":
		lis, err := listenVsock(port)
		if err == nil {
			return lis, nil
		}
		return listenUnix(defaultSocketPath, err)
	case strings.HasPrefix(addr, "unix://"):
		return listenUnix(strings.TrimPrefix(addr, "unix://"), nil)
	default:
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tcp listen %s: %w", addr, err)
		}
		log.Printf("agent: listening on tcp %s", lis.Addr())
		return lis, nil
	}
}

func listenUnix(sockPath string, vsockErr error) (net.Listener, error) {
	os.Remove(sockPath)
	lis, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("unix listen: %w", err)
	}
	if vsockErr != nil {
		log.Printf("agent: listening on %s (vsock not available: %v)", sockPath, vsockErr)
	} else {
		log.Printf("agent: listening on %s", sockPath)
	}
	return lis, nil
}
