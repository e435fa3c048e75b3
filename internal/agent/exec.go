package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sys/unix"

	"github.com/opensandbox/vmctl/internal/metrics"
	"github.com/opensandbox/vmctl/pkg/types"
)

// maxBufferedOutput bounds the unread output kept per process. Older bytes
// are dropped when a reader falls behind.
const maxBufferedOutput = 8 << 20

// process is a guest process started through the agent. stdout and stderr
// share one buffer in write order.
type process struct {
	pid   uint32
	cmd   *exec.Cmd
	op    *operation
	flags types.ExecFlags

	mu       sync.Mutex
	out      bytes.Buffer
	notify   chan struct{} // closed and replaced on every state change
	exited   bool
	timedOut bool
	status   types.ProcessStatus
	exitCode uint32
}

// Write appends guest output and wakes waiting readers.
func (p *process) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out.Write(b)
	if extra := p.out.Len() - maxBufferedOutput; extra > 0 {
		p.out.Next(extra)
	}
	p.wakeLocked()
	return len(b), nil
}

func (p *process) wakeLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// readOutput removes up to max bytes of buffered output. When nothing is
// buffered it waits until output arrives, the process exits, or wait passes.
func (p *process) readOutput(ctx context.Context, wait time.Duration, max int) []byte {
	deadline := time.Now().Add(wait)
	for {
		p.mu.Lock()
		if p.out.Len() > 0 || p.exited || wait <= 0 {
			n := p.out.Len()
			if n > max {
				n = max
			}
			data := make([]byte, n)
			copy(data, p.out.Next(n))
			p.mu.Unlock()
			return data
		}
		ch := p.notify
		p.mu.Unlock()

		left := time.Until(deadline)
		if left <= 0 {
			return nil
		}
		t := time.NewTimer(left)
		select {
		case <-ch:
		case <-t.C:
		case <-ctx.Done():
		}
		t.Stop()
		if ctx.Err() != nil || time.Now().After(deadline) {
			wait = 0
		}
	}
}

func (p *process) statusInfo() types.ProcessStatusInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return types.ProcessStatusInfo{
		PID:      p.pid,
		ExitCode: p.exitCode,
		Flags:    uint32(p.flags),
		Status:   p.status,
	}
}

// kill signals the whole process group of the guest process.
func (p *process) kill() {
	if p.cmd.Process == nil {
		return
	}
	if err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = p.cmd.Process.Kill()
	}
}

// processTable holds the processes started since the agent came up.
type processTable struct {
	mu    sync.Mutex
	procs map[uint32]*process
}

func newProcessTable() *processTable {
	return &processTable{procs: make(map[uint32]*process)}
}

func (t *processTable) add(p *process) {
	t.mu.Lock()
	t.procs[p.pid] = p
	t.mu.Unlock()
}

// running counts processes that have not exited yet.
func (t *processTable) running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.procs {
		p.mu.Lock()
		if !p.exited {
			n++
		}
		p.mu.Unlock()
	}
	return n
}

func (t *processTable) get(pid uint32) (*process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

// startProcess launches req and returns once the process is running. The
// process is tracked by an operation that completes when it exits.
func (s *Server) startProcess(req types.ExecRequest) (*process, error) {
	u, err := lookupUser(req.Username)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = u.home
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	}
	cmd.Env = append(u.env(), req.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Credential: u.credential()}
	// Children that inherited the output pipes must not keep Wait blocked.
	cmd.WaitDelay = 500 * time.Millisecond

	p := &process{
		cmd:    cmd,
		flags:  req.Flags,
		notify: make(chan struct{}),
		status: types.ProcessStatusStarted,
	}
	cmd.Stdout = p
	cmd.Stderr = p

	if err := cmd.Start(); err != nil {
		metrics.ProcessesTotal.WithLabelValues(types.ProcessStatusError.String()).Inc()
		return nil, fmt.Errorf("start %s: %w", req.Command, err)
	}
	p.pid = uint32(cmd.Process.Pid)
	p.op = s.ops.start(types.OperationExec, req.Command, p.kill)
	s.procs.add(p)
	log.Printf("agent: started %s as %s (pid %d)", req.Command, u.name, p.pid)

	var timer *time.Timer
	if req.TimeoutMs > 0 {
		timer = time.AfterFunc(time.Duration(req.TimeoutMs)*time.Millisecond, func() {
			p.mu.Lock()
			p.timedOut = !p.exited
			p.mu.Unlock()
			p.kill()
		})
	}

	go s.reap(p, timer)
	return p, nil
}

// reap waits for p to exit and records its final status.
func (s *Server) reap(p *process, timer *time.Timer) {
	err := p.cmd.Wait()
	if timer != nil {
		timer.Stop()
	}
	if p.flags&types.ExecFlagIgnoreOrphanedProcesses == 0 {
		// Reap whatever the process left behind in its group.
		_ = unix.Kill(-int(p.pid), unix.SIGKILL)
	}

	status, code := exitStatus(p.cmd.ProcessState, err)

	p.mu.Lock()
	if p.timedOut {
		status = types.ProcessStatusTimedOutKilled
	}
	p.status = status
	p.exitCode = code
	p.exited = true
	p.wakeLocked()
	p.mu.Unlock()

	metrics.ProcessesTotal.WithLabelValues(status.String()).Inc()
	log.Printf("agent: pid %d %s (code %d)", p.pid, status, code)
	p.op.succeed()
}

// exitStatus classifies how a process ended.
func exitStatus(ps *os.ProcessState, waitErr error) (types.ProcessStatus, uint32) {
	if ps == nil {
		return types.ProcessStatusTerminatedAbnormally, 0
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
		switch {
		case ws.Signaled():
			return types.ProcessStatusTerminatedSignal, uint32(ws.Signal())
		case ws.Exited():
			return types.ProcessStatusTerminatedNormally, uint32(ws.ExitStatus())
		}
	}
	if waitErr != nil {
		return types.ProcessStatusTerminatedAbnormally, 0
	}
	return types.ProcessStatusTerminatedNormally, 0
}

func (s *Server) execProcess(c echo.Context) error {
	var req types.ExecRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, badRequestInfo("invalid request body: "+err.Error()))
	}
	if req.Command == "" {
		return errorJSON(c, http.StatusBadRequest, badRequestInfo("cmd is required"))
	}
	if req.Username == "" {
		return errorJSON(c, http.StatusBadRequest, badRequestInfo("username is required"))
	}

	p, err := s.startProcess(req)
	if err != nil {
		info := errorInfo(err)
		status := http.StatusInternalServerError
		switch info.ResultCode {
		case types.ResultNotFound:
			status = http.StatusNotFound
		case types.ResultAccessDenied:
			status = http.StatusForbidden
		}
		return errorJSON(c, status, info)
	}
	return c.JSON(http.StatusOK, types.ExecResponse{PID: p.pid, OperationID: p.op.snapshot().ID})
}

func (s *Server) lookupProcess(c echo.Context) (*process, error) {
	pid, err := strconv.ParseUint(c.Param("pid"), 10, 32)
	if err != nil {
		return nil, errorJSON(c, http.StatusBadRequest, badRequestInfo("invalid pid"))
	}
	p, ok := s.procs.get(uint32(pid))
	if !ok {
		return nil, errorJSON(c, http.StatusNotFound, notFoundInfo(fmt.Sprintf("process %d not found", pid)))
	}
	return p, nil
}

// processOutput returns buffered output. timeoutMs < 0 waits as long as
// the agent allows for a single request.
func (s *Server) processOutput(c echo.Context) error {
	p, err := s.lookupProcess(c)
	if p == nil {
		return err
	}

	wait := s.cfg.MaxOutputWait
	if v := c.QueryParam("timeoutMs"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, badRequestInfo("invalid timeoutMs"))
		}
		if ms >= 0 && time.Duration(ms)*time.Millisecond < wait {
			wait = time.Duration(ms) * time.Millisecond
		}
	}
	max := 64 * 1024
	if v := c.QueryParam("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return errorJSON(c, http.StatusBadRequest, badRequestInfo("invalid max"))
		}
		max = n
	}

	data := p.readOutput(c.Request().Context(), wait, max)
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
}

func (s *Server) processStatus(c echo.Context) error {
	p, err := s.lookupProcess(c)
	if p == nil {
		return err
	}
	return c.JSON(http.StatusOK, p.statusInfo())
}
