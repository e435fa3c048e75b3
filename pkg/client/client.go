// Package client talks to the vmctl guest agent.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/opensandbox/vmctl/pkg/types"
)

// Request headers understood by the agent.
const (
	HeaderToken         = "X-API-Key"
	HeaderGuestUser     = "X-Guest-User"
	HeaderGuestPassword = "X-Guest-Password"
)

// APIError is a non-success answer of the agent.
type APIError struct {
	StatusCode int
	Message    string
	Info       *types.ErrorInfo
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an agent 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is an HTTP client for the guest agent.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for the agent at addr. See parseAddr for the
// accepted address forms. connectTimeout bounds each connection attempt.
func New(addr, token string, connectTimeout time.Duration) (*Client, error) {
	dial, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:    addr,
		token:      token,
		httpClient: &http.Client{},
	}
	if dial != nil {
		c.baseURL = "http://agent"
		c.httpClient.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				if connectTimeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, connectTimeout)
					defer cancel()
				}
				return dial(ctx)
			},
			MaxIdleConns:    4,
			IdleConnTimeout: 30 * time.Second,
		}
	}
	return c, nil
}

// Close drops idle connections to the agent.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// doRequest performs an HTTP request with token authentication. A non-nil
// body that is not an io.Reader is sent as JSON.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, hdr http.Header) (*http.Response, error) {
	var bodyReader io.Reader
	contentType := "application/json"
	switch b := body.(type) {
	case nil:
	case io.Reader:
		bodyReader = b
		contentType = "application/octet-stream"
	default:
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if c.token != "" {
		req.Header.Set(HeaderToken, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// do runs a request and decodes a JSON answer into out, if out is not nil.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, hdr http.Header, out interface{}) error {
	resp, err := c.doRequest(ctx, method, path, body, hdr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
	var er types.ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		apiErr.Message = er.Error
		apiErr.Info = er.Info
	}
	return apiErr
}

func credentialHeader(username, password string) http.Header {
	h := http.Header{}
	h.Set(HeaderGuestUser, username)
	if password != "" {
		h.Set(HeaderGuestPassword, password)
	}
	return h
}

// Ping checks that the agent answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Health(ctx)
	return err
}

// Health returns the agent version, uptime and guest resource figures.
func (c *Client) Health(ctx context.Context) (*types.AgentHealth, error) {
	var out types.AgentHealth
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartProcess starts a guest process.
func (c *Client) StartProcess(ctx context.Context, req types.ExecRequest) (*types.ExecResponse, error) {
	var out types.ExecResponse
	if err := c.do(ctx, http.MethodPost, "/processes", req, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// timeoutMillis converts a wait budget to whole milliseconds, rounding up
// so that a budget below one millisecond still waits. Negative budgets map
// to -1.
func timeoutMillis(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

// ProcessOutput returns up to maxBytes of buffered process output, waiting
// at most timeout for some to arrive. A negative timeout lets the agent
// wait as long as it allows for a single call.
func (c *Client) ProcessOutput(ctx context.Context, pid uint32, timeout time.Duration, maxBytes int) ([]byte, error) {
	q := url.Values{}
	q.Set("timeoutMs", strconv.FormatInt(timeoutMillis(timeout), 10))
	q.Set("max", strconv.Itoa(maxBytes))

	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/processes/%d/output?%s", pid, q.Encode()), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)))
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	return data, nil
}

// ProcessStatus returns the current status of a guest process.
func (c *Client) ProcessStatus(ctx context.Context, pid uint32) (*types.ProcessStatusInfo, error) {
	var out types.ProcessStatusInfo
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/processes/%d/status", pid), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CopyFile uploads the host file localPath to guestPath. The content is
// zstd compressed on the wire; the copy runs as an agent operation.
func (c *Client) CopyFile(ctx context.Context, localPath, guestPath, username, password string, flags types.CopyFlags) (*types.Operation, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", localPath, err)
	}

	q := url.Values{}
	q.Set("path", guestPath)
	q.Set("mode", strconv.FormatUint(uint64(fi.Mode().Perm()), 8))
	q.Set("size", strconv.FormatInt(fi.Size(), 10))
	q.Set("flags", strconv.FormatUint(uint64(flags), 10))

	var op types.Operation
	if err := c.upload(ctx, http.MethodPut, "/files?"+q.Encode(), f, credentialHeader(username, password), &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// MakeDir creates a guest directory as an agent operation.
func (c *Client) MakeDir(ctx context.Context, req types.MkdirRequest) (*types.Operation, error) {
	var op types.Operation
	if err := c.do(ctx, http.MethodPost, "/dirs", req, nil, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// UpdateTools uploads the guest tools image at isoPath and starts its
// installer.
func (c *Client) UpdateTools(ctx context.Context, isoPath string, flags types.ToolsUpdateFlags) (*types.Operation, error) {
	f, err := os.Open(isoPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", isoPath, err)
	}
	defer f.Close()

	q := url.Values{}
	q.Set("flags", strconv.FormatUint(uint64(flags), 10))

	var op types.Operation
	if err := c.upload(ctx, http.MethodPost, "/tools?"+q.Encode(), f, nil, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// upload streams src zstd compressed to path.
func (c *Client) upload(ctx context.Context, method, path string, src io.Reader, hdr http.Header, out interface{}) error {
	pr, pw := io.Pipe()
	go func() {
		zw, err := zstd.NewWriter(pw, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(zw, src); err != nil {
			zw.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(zw.Close())
	}()
	defer pr.Close()

	if hdr == nil {
		hdr = http.Header{}
	}
	hdr.Set("Content-Encoding", "zstd")
	return c.do(ctx, method, path, pr, hdr, out)
}

// Operation returns the current state of an agent operation.
func (c *Client) Operation(ctx context.Context, id string) (*types.Operation, error) {
	var op types.Operation
	if err := c.do(ctx, http.MethodGet, "/operations/"+url.PathEscape(id), nil, nil, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// CancelOperation asks the agent to cancel an operation. The agent answers
// 409 for operations that cannot be canceled.
func (c *Client) CancelOperation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/operations/"+url.PathEscape(id)+"/cancel", nil, nil, nil)
}
