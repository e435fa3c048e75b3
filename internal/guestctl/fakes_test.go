package guestctl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opensandbox/vmctl/pkg/types"
)

type fakeFinder struct {
	machines map[string]*fakeMachine
	calls    int
}

func (f *fakeFinder) FindMachine(_ context.Context, nameOrID string) (Machine, error) {
	f.calls++
	m, ok := f.machines[nameOrID]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

type fakeMachine struct {
	id, name string
	state    types.MachineState
	lockErr  error
	guestErr error
	guest    *fakeGuest

	mu      sync.Mutex
	locks   int
	unlocks int
}

func newFakeMachine(name string, g *fakeGuest) *fakeMachine {
	return &fakeMachine{id: "id-" + name, name: name, state: types.MachineStateRunning, guest: g}
}

func (m *fakeMachine) ID() string   { return m.id }
func (m *fakeMachine) Name() string { return m.name }

func (m *fakeMachine) State(context.Context) (types.MachineState, error) {
	return m.state, nil
}

func (m *fakeMachine) LockShared(context.Context) (Session, error) {
	if m.lockErr != nil {
		return nil, m.lockErr
	}
	m.mu.Lock()
	m.locks++
	m.mu.Unlock()
	return &fakeSession{m: m}, nil
}

type fakeSession struct {
	m *fakeMachine
}

func (s *fakeSession) Guest(context.Context) (Guest, error) {
	if s.m.guestErr != nil {
		return nil, s.m.guestErr
	}
	return s.m.guest, nil
}

func (s *fakeSession) Unlock() error {
	s.m.mu.Lock()
	s.m.unlocks++
	s.m.mu.Unlock()
	return nil
}

// fakeProgress is a scripted operation. It reports completion on the
// completeAfter-th call to Completed; zero means never.
type fakeProgress struct {
	completeAfter int
	cancelable    bool
	cancelErr     error
	// cancelDelay is how many Canceled queries pass before an accepted
	// cancel shows up.
	cancelDelay int
	resultCode  int32
	errInfo     *types.ErrorInfo
	percent     int

	// onCompleted runs on every Completed query with the query number.
	onCompleted func(n int)

	completedCalls int
	cancelCalls    int
	canceledCalls  int
	cancelAccepted bool
}

func (p *fakeProgress) Completed(context.Context) (bool, error) {
	p.completedCalls++
	if p.onCompleted != nil {
		p.onCompleted(p.completedCalls)
	}
	return p.completeAfter > 0 && p.completedCalls >= p.completeAfter, nil
}

func (p *fakeProgress) Cancelable(context.Context) (bool, error) { return p.cancelable, nil }

func (p *fakeProgress) Canceled(context.Context) (bool, error) {
	if !p.cancelAccepted {
		return false, nil
	}
	p.canceledCalls++
	return p.canceledCalls > p.cancelDelay, nil
}

func (p *fakeProgress) Percent(context.Context) (int, error) { return p.percent, nil }

func (p *fakeProgress) Cancel(context.Context) error {
	p.cancelCalls++
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.cancelAccepted = true
	return nil
}

func (p *fakeProgress) ResultCode(context.Context) (int32, error) { return p.resultCode, nil }

func (p *fakeProgress) ErrorInfo(context.Context) (*types.ErrorInfo, error) { return p.errInfo, nil }

type execCall struct {
	cmd      string
	flags    types.ExecFlags
	args     []string
	env      []string
	username string
	timeout  time.Duration
}

type mkdirCall struct {
	path  string
	mode  uint32
	flags types.DirectoryFlags
}

type fakeGuest struct {
	execErr  error
	progress *fakeProgress
	outputs  [][]byte
	outErr   error
	status   types.ProcessStatusInfo

	copyErrAt  int // 1-based call that fails, 0 never
	mkdirErrAt int
	toolsErr   error

	execs       []execCall
	outputCalls int
	statusCalls int
	copies      []CopyEntry
	mkdirs      []mkdirCall
	tools       []string
}

func (g *fakeGuest) ExecuteProcess(_ context.Context, cmd string, flags types.ExecFlags, args, env []string, username, _ string, timeout time.Duration) (uint32, Progress, error) {
	g.execs = append(g.execs, execCall{cmd: cmd, flags: flags, args: args, env: env, username: username, timeout: timeout})
	if g.execErr != nil {
		return 0, nil, g.execErr
	}
	return 42, g.progress, nil
}

func (g *fakeGuest) ProcessOutput(_ context.Context, _ uint32, _ uint32, _ time.Duration, _ int) ([]byte, error) {
	g.outputCalls++
	if g.outErr != nil {
		return nil, g.outErr
	}
	if len(g.outputs) == 0 {
		return nil, nil
	}
	out := g.outputs[0]
	g.outputs = g.outputs[1:]
	return out, nil
}

func (g *fakeGuest) ProcessStatus(context.Context, uint32) (types.ProcessStatusInfo, error) {
	g.statusCalls++
	return g.status, nil
}

func (g *fakeGuest) CopyToGuest(_ context.Context, source, dest, _, _ string, _ types.CopyFlags) (Progress, error) {
	g.copies = append(g.copies, CopyEntry{Source: source, Dest: dest})
	if g.copyErrAt == len(g.copies) {
		return nil, errors.New("copy failed")
	}
	return &fakeProgress{completeAfter: 1}, nil
}

func (g *fakeGuest) CreateDirectory(_ context.Context, path, _, _ string, mode uint32, flags types.DirectoryFlags) (Progress, error) {
	g.mkdirs = append(g.mkdirs, mkdirCall{path: path, mode: mode, flags: flags})
	if g.mkdirErrAt == len(g.mkdirs) {
		return nil, errors.New("mkdir failed")
	}
	return &fakeProgress{completeAfter: 1}, nil
}

func (g *fakeGuest) UpdateGuestTools(_ context.Context, source string, _ types.ToolsUpdateFlags) (Progress, error) {
	g.tools = append(g.tools, source)
	if g.toolsErr != nil {
		return nil, g.toolsErr
	}
	return &fakeProgress{completeAfter: 1}, nil
}

type fakeFetcher struct {
	path     string
	uris     []string
	cleaned  bool
	fetchErr error
}

func (f *fakeFetcher) FetchTools(_ context.Context, uri string) (string, func(), error) {
	f.uris = append(f.uris, uri)
	if f.fetchErr != nil {
		return "", nil, f.fetchErr
	}
	return f.path, func() { f.cleaned = true }, nil
}

// fakeClock advances by step on every reading.
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}
