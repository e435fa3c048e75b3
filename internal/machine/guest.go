package machine

import (
	"context"
	"sync"
	"time"

	"github.com/opensandbox/vmctl/internal/guestctl"
	"github.com/opensandbox/vmctl/pkg/client"
	"github.com/opensandbox/vmctl/pkg/types"
)

// guest forwards guest operations to the agent.
type guest struct {
	c *client.Client
}

func (g *guest) ExecuteProcess(ctx context.Context, cmd string, flags types.ExecFlags, args, env []string,
	username, password string, timeout time.Duration) (uint32, guestctl.Progress, error) {
	resp, err := g.c.StartProcess(ctx, types.ExecRequest{
		Command:   cmd,
		Args:      args,
		Env:       env,
		Username:  username,
		Password:  password,
		Flags:     flags,
		TimeoutMs: uint32(timeout.Milliseconds()),
	})
	if err != nil {
		return 0, nil, remoteError("start process", err)
	}
	return resp.PID, newProgress(g.c, types.Operation{ID: resp.OperationID, Kind: types.OperationExec, Cancelable: true}), nil
}

// ProcessOutput returns the combined output stream; the agent does not
// keep stdout and stderr apart, so flags select nothing.
func (g *guest) ProcessOutput(ctx context.Context, pid uint32, flags uint32, timeout time.Duration, maxBytes int) ([]byte, error) {
	data, err := g.c.ProcessOutput(ctx, pid, timeout, maxBytes)
	if err != nil {
		return nil, remoteError("read process output", err)
	}
	return data, nil
}

func (g *guest) ProcessStatus(ctx context.Context, pid uint32) (types.ProcessStatusInfo, error) {
	st, err := g.c.ProcessStatus(ctx, pid)
	if err != nil {
		return types.ProcessStatusInfo{}, remoteError("query process status", err)
	}
	return *st, nil
}

func (g *guest) CopyToGuest(ctx context.Context, source, dest, username, password string, flags types.CopyFlags) (guestctl.Progress, error) {
	op, err := g.c.CopyFile(ctx, source, dest, username, password, flags)
	if err != nil {
		return nil, remoteError("copy file", err)
	}
	return newProgress(g.c, *op), nil
}

func (g *guest) CreateDirectory(ctx context.Context, path, username, password string, mode uint32, flags types.DirectoryFlags) (guestctl.Progress, error) {
	op, err := g.c.MakeDir(ctx, types.MkdirRequest{
		Path:     path,
		Username: username,
		Password: password,
		Mode:     mode,
		Flags:    flags,
	})
	if err != nil {
		return nil, remoteError("create directory", err)
	}
	return newProgress(g.c, *op), nil
}

func (g *guest) UpdateGuestTools(ctx context.Context, source string, flags types.ToolsUpdateFlags) (guestctl.Progress, error) {
	op, err := g.c.UpdateTools(ctx, source, flags)
	if err != nil {
		return nil, remoteError("update guest tools", err)
	}
	return newProgress(g.c, *op), nil
}

// progress follows an agent operation. Until the operation completes every
// query fetches a fresh snapshot; afterwards the last one is reused.
type progress struct {
	c *client.Client

	mu   sync.Mutex
	last types.Operation
}

func newProgress(c *client.Client, op types.Operation) *progress {
	return &progress{c: c, last: op}
}

func (p *progress) state(ctx context.Context) (types.Operation, error) {
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()
	if last.Completed {
		return last, nil
	}

	op, err := p.c.Operation(ctx, last.ID)
	if err != nil {
		return types.Operation{}, remoteError("query operation", err)
	}
	p.mu.Lock()
	p.last = *op
	p.mu.Unlock()
	return *op, nil
}

func (p *progress) Completed(ctx context.Context) (bool, error) {
	op, err := p.state(ctx)
	return op.Completed, err
}

func (p *progress) Cancelable(ctx context.Context) (bool, error) {
	op, err := p.state(ctx)
	return op.Cancelable, err
}

func (p *progress) Canceled(ctx context.Context) (bool, error) {
	op, err := p.state(ctx)
	return op.Canceled, err
}

func (p *progress) Percent(ctx context.Context) (int, error) {
	op, err := p.state(ctx)
	return op.Percent, err
}

func (p *progress) Cancel(ctx context.Context) error {
	p.mu.Lock()
	id := p.last.ID
	p.mu.Unlock()
	if err := p.c.CancelOperation(ctx, id); err != nil {
		return remoteError("cancel operation", err)
	}
	return nil
}

func (p *progress) ResultCode(ctx context.Context) (int32, error) {
	op, err := p.state(ctx)
	return op.ResultCode, err
}

func (p *progress) ErrorInfo(ctx context.Context) (*types.ErrorInfo, error) {
	op, err := p.state(ctx)
	if err != nil {
		return nil, err
	}
	return op.Error, nil
}
