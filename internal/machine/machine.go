// Package machine implements the guestctl collaborators on top of the
// local registry, its file locks and the guest agent client.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/opensandbox/vmctl/internal/guestctl"
	"github.com/opensandbox/vmctl/internal/registry"
	"github.com/opensandbox/vmctl/pkg/client"
	"github.com/opensandbox/vmctl/pkg/types"
)

// Finder resolves registered machines for guest control.
type Finder struct {
	reg            *registry.Registry
	locks          *registry.Locker
	token          string
	connectTimeout time.Duration
}

// NewFinder creates a Finder. token authenticates against the guest agents.
func NewFinder(reg *registry.Registry, locks *registry.Locker, token string, connectTimeout time.Duration) *Finder {
	return &Finder{reg: reg, locks: locks, token: token, connectTimeout: connectTimeout}
}

// FindMachine implements guestctl.MachineFinder.
func (f *Finder) FindMachine(ctx context.Context, nameOrID string) (guestctl.Machine, error) {
	m, err := f.reg.Find(ctx, nameOrID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", guestctl.ErrNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return &machine{f: f, m: *m}, nil
}

type machine struct {
	f *Finder
	m types.Machine
}

func (m *machine) ID() string   { return m.m.ID }
func (m *machine) Name() string { return m.m.Name }

func (m *machine) State(ctx context.Context) (types.MachineState, error) {
	return m.f.reg.State(ctx, m.m.ID)
}

// LockShared takes the shared guest control lock. It fails while the
// machine is locked exclusively for a state change.
func (m *machine) LockShared(ctx context.Context) (guestctl.Session, error) {
	lk, err := m.f.locks.LockShared(m.m.ID)
	if errors.Is(err, registry.ErrLocked) {
		return nil, fmt.Errorf("%w: %v", guestctl.ErrInvalidState, err)
	}
	if err != nil {
		return nil, err
	}
	return &session{m: m, lock: lk}, nil
}

type session struct {
	m    *machine
	lock *registry.Lock

	mu     sync.Mutex
	client *client.Client

	once      sync.Once
	unlockErr error
}

// Guest connects to the machine's agent and checks that it answers.
func (s *session) Guest(ctx context.Context) (guestctl.Guest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return &guest{c: s.client}, nil
	}

	c, err := client.New(s.m.m.AgentAddr, s.m.f.token, s.m.f.connectTimeout)
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, remoteError("connect to guest agent", err)
	}
	s.client = c
	return &guest{c: c}, nil
}

// Unlock closes the agent connection and releases the lock.
func (s *session) Unlock() error {
	s.once.Do(func() {
		var result *multierror.Error
		s.mu.Lock()
		if s.client != nil {
			if err := s.client.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close agent client: %w", err))
			}
		}
		s.mu.Unlock()
		if err := s.lock.Unlock(); err != nil {
			result = multierror.Append(result, fmt.Errorf("release lock: %w", err))
		}
		s.unlockErr = result.ErrorOrNil()
		if s.unlockErr != nil {
			log.Printf("machine: unlock %s: %v", s.m.m.Name, s.unlockErr)
		}
	})
	return s.unlockErr
}

// remoteError attaches the agent's error details to err.
func remoteError(op string, err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Info != nil {
		return &guestctl.RemoteError{Op: op, Info: *apiErr.Info, Err: err}
	}
	return &guestctl.RemoteError{Op: op, Err: err}
}
