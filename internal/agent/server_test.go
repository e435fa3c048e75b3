package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensandbox/vmctl/pkg/client"
	"github.com/opensandbox/vmctl/pkg/types"
)

const testToken = "agent-secret"

func newTestAgent(t *testing.T, cfg Config) (*Server, *client.Client) {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = testToken
	}
	cfg.MaxOutputWait = 200 * time.Millisecond
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := client.New(ts.URL, cfg.Token, time.Second)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return srv, c
}

func currentUser(t *testing.T) string {
	t.Helper()
	u, err := user.Current()
	if err != nil {
		t.Skipf("no current user: %v", err)
	}
	return u.Username
}

func waitOperation(t *testing.T, c *client.Client, id string) *types.Operation {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		op, err := c.Operation(ctx, id)
		if err != nil {
			t.Fatalf("Operation(%s): %v", id, err)
		}
		if op.Completed {
			return op
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("operation %s did not complete", id)
	return nil
}

// runToExit collects all output of pid until it has exited.
func runToExit(t *testing.T, c *client.Client, pid uint32) (string, *types.ProcessStatusInfo) {
	t.Helper()
	ctx := context.Background()
	var out strings.Builder
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := c.ProcessStatus(ctx, pid)
		if err != nil {
			t.Fatalf("ProcessStatus: %v", err)
		}
		data, err := c.ProcessOutput(ctx, pid, 50*time.Millisecond, 4096)
		if err != nil {
			t.Fatalf("ProcessOutput: %v", err)
		}
		out.Write(data)
		if st.Status.Terminal() && len(data) == 0 {
			return out.String(), st
		}
	}
	t.Fatalf("process %d did not exit", pid)
	return "", nil
}

func TestHealthWithoutToken(t *testing.T) {
	srv := NewServer(Config{Token: testToken, Version: "1.2.3"})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"version":"1.2.3"`) {
		t.Errorf("health body missing version: %s", rec.Body.String())
	}
}

func TestRoutesRequireToken(t *testing.T) {
	srv := NewServer(Config{Token: testToken})
	for _, path := range []string{"/processes/1/status", "/operations/x"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rec.Code)
		}
	}
}

func TestExecOutputAndStatus(t *testing.T) {
	_, c := newTestAgent(t, Config{})
	ctx := context.Background()

	resp, err := c.StartProcess(ctx, types.ExecRequest{
		Command:  "/bin/sh",
		Args:     []string{"-c", "echo out; echo err >&2; exit 3"},
		Username: currentUser(t),
	})
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	out, st := runToExit(t, c, resp.PID)
	if !strings.Contains(out, "out\n") || !strings.Contains(out, "err\n") {
		t.Errorf("unexpected output %q", out)
	}
	if st.Status != types.ProcessStatusTerminatedNormally {
		t.Errorf("expected terminated normally, got %s", st.Status)
	}
	if st.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", st.ExitCode)
	}

	op := waitOperation(t, c, resp.OperationID)
	if op.ResultCode != types.ResultOK {
		t.Errorf("expected exec operation to succeed, got %d", op.ResultCode)
	}
}

func TestExecEnvironment(t *testing.T) {
	_, c := newTestAgent(t, Config{})
	resp, err := c.StartProcess(context.Background(), types.ExecRequest{
		Command:  "/bin/sh",
		Args:     []string{"-c", "echo $GREETING"},
		Env:      []string{"GREETING=hello world"},
		Username: currentUser(t),
	})
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	out, _ := runToExit(t, c, resp.PID)
	if out != "hello world\n" {
		t.Errorf("expected environment in output, got %q", out)
	}
}

func TestExecTimeout(t *testing.T) {
	_, c := newTestAgent(t, Config{})
	resp, err := c.StartProcess(context.Background(), types.ExecRequest{
		Command:   "/bin/sleep",
		Args:      []string{"10"},
		Username:  currentUser(t),
		TimeoutMs: 100,
	})
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	_, st := runToExit(t, c, resp.PID)
	if st.Status != types.ProcessStatusTimedOutKilled {
		t.Errorf("expected timed out, got %s", st.Status)
	}
}

func TestCancelExec(t *testing.T) {
	_, c := newTestAgent(t, Config{})
	ctx := context.Background()
	resp, err := c.StartProcess(ctx, types.ExecRequest{
		Command:  "/bin/sleep",
		Args:     []string{"10"},
		Username: currentUser(t),
	})
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	if err := c.CancelOperation(ctx, resp.OperationID); err != nil {
		t.Fatalf("CancelOperation: %v", err)
	}

	op := waitOperation(t, c, resp.OperationID)
	if !op.Canceled || op.ResultCode != types.ResultCanceled {
		t.Errorf("expected canceled operation, got %+v", op)
	}
	st, err := c.ProcessStatus(ctx, resp.PID)
	if err != nil {
		t.Fatalf("ProcessStatus: %v", err)
	}
	if st.Status != types.ProcessStatusTerminatedSignal {
		t.Errorf("expected terminated by signal, got %s", st.Status)
	}

	// A completed operation cannot be canceled again.
	err = c.CancelOperation(ctx, resp.OperationID)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for second cancel, got %v", err)
	}
}

func TestExecErrors(t *testing.T) {
	_, c := newTestAgent(t, Config{})
	ctx := context.Background()

	_, err := c.StartProcess(ctx, types.ExecRequest{Command: "/no/such/binary", Username: currentUser(t)})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing binary, got %v", err)
	}
	if apiErr.Info == nil || apiErr.Info.ResultCode != types.ResultNotFound || !apiErr.Info.System {
		t.Errorf("expected system not-found info, got %+v", apiErr.Info)
	}

	_, err = c.StartProcess(ctx, types.ExecRequest{Command: "/bin/true", Username: "no-such-user-vmctl"})
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for unknown user, got %v", err)
	}

	if _, err := c.ProcessStatus(ctx, 999999); !client.IsNotFound(err) {
		t.Errorf("expected not found for unknown pid, got %v", err)
	}
}

func TestCopyFile(t *testing.T) {
	_, c := newTestAgent(t, Config{})
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("copied content"), 0o600); err != nil {
		t.Fatal(err)
	}
	destDir := filepath.Join(dir, "guest")
	if err := os.Mkdir(destDir, 0o755); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(destDir, "dest.txt")

	op, err := c.CopyFile(context.Background(), src, dest, currentUser(t), "", types.CopyFlagNone)
	if err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	op = waitOperation(t, c, op.ID)
	if op.ResultCode != types.ResultOK || op.Percent != 100 {
		t.Fatalf("expected successful copy, got %+v", op)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(data) != "copied content" {
		t.Errorf("unexpected content %q", data)
	}
	fi, err := os.Stat(dest)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %o", fi.Mode().Perm())
	}

	entries, _ := os.ReadDir(destDir)
	if len(entries) != 1 {
		t.Errorf("expected only the destination file, found %d entries", len(entries))
	}
}

func TestCopyFileMissingDirectory(t *testing.T) {
	_, c := newTestAgent(t, Config{})
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	op, err := c.CopyFile(context.Background(), src, filepath.Join(dir, "missing", "dest.txt"), currentUser(t), "", types.CopyFlagNone)
	if err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	op = waitOperation(t, c, op.ID)
	if op.ResultCode != types.ResultNotFound || op.Error == nil || !op.Error.System {
		t.Errorf("expected system not-found result, got %+v", op)
	}
}

func TestRecursiveCopyCreatesParents(t *testing.T) {
	_, c := newTestAgent(t, Config{})
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("nested"), 0o644); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(dir, "guest", "sub", "dest.txt")

	op, err := c.CopyFile(context.Background(), src, dest, currentUser(t), "", types.CopyFlagRecursive)
	if err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	if op = waitOperation(t, c, op.ID); op.ResultCode != types.ResultOK {
		t.Fatalf("expected success, got %+v", op)
	}
	if data, err := os.ReadFile(dest); err != nil || string(data) != "nested" {
		t.Errorf("unexpected destination content %q (%v)", data, err)
	}
}

func TestMakeDir(t *testing.T) {
	_, c := newTestAgent(t, Config{})
	ctx := context.Background()
	base := t.TempDir()

	nested := filepath.Join(base, "a", "b", "c")
	op, err := c.MakeDir(ctx, types.MkdirRequest{Path: nested, Username: currentUser(t), Mode: 0o700, Flags: types.DirectoryFlagParents})
	if err != nil {
		t.Fatalf("MakeDir: %v", err)
	}
	if op = waitOperation(t, c, op.ID); op.ResultCode != types.ResultOK {
		t.Fatalf("expected success, got %+v", op)
	}
	for _, p := range []string{filepath.Join(base, "a"), filepath.Join(base, "a", "b"), nested} {
		fi, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
		if fi.Mode().Perm() != 0o700 {
			t.Errorf("%s: expected mode 0700, got %o", p, fi.Mode().Perm())
		}
	}

	// Without parents a missing ancestor fails.
	op, err = c.MakeDir(ctx, types.MkdirRequest{Path: filepath.Join(base, "x", "y"), Username: currentUser(t)})
	if err != nil {
		t.Fatalf("MakeDir: %v", err)
	}
	if op = waitOperation(t, c, op.ID); op.ResultCode != types.ResultNotFound {
		t.Errorf("expected not found, got %+v", op)
	}

	if _, err := c.MakeDir(ctx, types.MkdirRequest{Path: "relative", Username: currentUser(t)}); err == nil {
		t.Error("expected relative path to be rejected")
	}
}

func TestUpdateToolsWithoutInstaller(t *testing.T) {
	_, c := newTestAgent(t, Config{})
	iso := filepath.Join(t.TempDir(), "guest-tools.iso")
	if err := os.WriteFile(iso, []byte("iso"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := c.UpdateTools(context.Background(), iso, types.ToolsUpdateFlagNone)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without installer, got %v", err)
	}
}

func TestUpdateTools(t *testing.T) {
	dir := t.TempDir()
	installed := filepath.Join(dir, "installed.iso")
	installer := filepath.Join(dir, "install.sh")
	script := "#!/bin/sh\ncp \"$1\" " + installed + "\n"
	if err := os.WriteFile(installer, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	_, c := newTestAgent(t, Config{ToolsInstaller: installer, StagingDir: filepath.Join(dir, "staging")})

	iso := filepath.Join(dir, "guest-tools.iso")
	if err := os.WriteFile(iso, []byte("tools image"), 0o644); err != nil {
		t.Fatal(err)
	}
	op, err := c.UpdateTools(context.Background(), iso, types.ToolsUpdateFlagNone)
	if err != nil {
		t.Fatalf("UpdateTools: %v", err)
	}
	if op = waitOperation(t, c, op.ID); op.ResultCode != types.ResultOK {
		t.Fatalf("expected success, got %+v", op)
	}
	data, err := os.ReadFile(installed)
	if err != nil {
		t.Fatalf("installer did not run: %v", err)
	}
	if string(data) != "tools image" {
		t.Errorf("installer saw %q", data)
	}
}
