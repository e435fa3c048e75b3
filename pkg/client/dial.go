package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// DefaultAgentPort is the vsock port the guest agent listens on.
const DefaultAgentPort = 1024

// Address schemes understood by New.
const (
	SchemeHTTP        = "http"
	SchemeUnix        = "unix"
	SchemeFirecracker = "fc"
	SchemeVsock       = "vsock"
)

type dialFunc func(ctx context.Context) (net.Conn, error)

// parseAddr turns an agent address into a dialer. A nil dialer means the
// address is a plain http(s) URL.
//
//	http://10.0.0.2:1024
//	unix:///run/vmctl/vm1.sock
//	fc:///srv/vm1/vsock.sock?port=1024
//	vsock://3:1024
func parseAddr(addr string) (dialFunc, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse agent address %q: %w", addr, err)
	}

	switch u.Scheme {
	case "http", "https":
		return nil, nil

	case SchemeUnix:
		if u.Path == "" {
			return nil, fmt.Errorf("agent address %q: missing socket path", addr)
		}
		path := u.Path
		return func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}, nil

	case SchemeFirecracker:
		if u.Path == "" {
			return nil, fmt.Errorf("agent address %q: missing socket path", addr)
		}
		port := DefaultAgentPort
		if p := u.Query().Get("port"); p != "" {
			port, err = strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("agent address %q: bad port: %w", addr, err)
			}
		}
		path := u.Path
		return func(ctx context.Context) (net.Conn, error) {
			return dialHybridVsock(ctx, path, port)
		}, nil

	case SchemeVsock:
		cid, err := strconv.ParseUint(u.Hostname(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("agent address %q: bad context id: %w", addr, err)
		}
		port := uint64(DefaultAgentPort)
		if p := u.Port(); p != "" {
			port, err = strconv.ParseUint(p, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("agent address %q: bad port: %w", addr, err)
			}
		}
		return func(ctx context.Context) (net.Conn, error) {
			return dialVsock(ctx, uint32(cid), uint32(port))
		}, nil
	}
	return nil, fmt.Errorf("agent address %q: unsupported scheme %q", addr, u.Scheme)
}

// dialVsock connects to an AF_VSOCK port of a guest. The vsock package has
// no context aware dial, so cancellation only abandons the attempt.
func dialVsock(ctx context.Context, cid, port uint32) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := vsock.Dial(cid, port, nil)
		if err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{conn: c}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("dial vsock %d:%d: %w", cid, port, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// dialHybridVsock connects to a guest port through the Firecracker
// vsock unix socket using its CONNECT handshake.
func dialHybridVsock(ctx context.Context, udsPath string, port int) (net.Conn, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}

	d := net.Dialer{Deadline: deadline}
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("dial vsock UDS %s: %w", udsPath, err)
	}

	_ = conn.SetDeadline(deadline)
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT %d: %w", port, err)
	}

	// "OK <host port>\n"
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read vsock response: %w", err)
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "OK") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", line)
	}

	_ = conn.SetDeadline(time.Time{})

	return &bufferedConn{Conn: conn, reader: reader}, nil
}

// bufferedConn keeps bytes the handshake reader already pulled off the wire.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}
