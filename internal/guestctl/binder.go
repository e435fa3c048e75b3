package guestctl

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensandbox/vmctl/pkg/types"
)

// Binding is a running machine locked for guest control.
type Binding struct {
	machine Machine
	session Session
	guest   Guest

	once      sync.Once
	unbindErr error
}

// Bind looks up nameOrID, checks that the machine is running, takes a shared
// lock on it and obtains its guest interface. Anything acquired before a
// failure is released again.
func Bind(ctx context.Context, finder MachineFinder, nameOrID string) (*Binding, error) {
	m, err := finder.FindMachine(ctx, nameOrID)
	if err != nil {
		return nil, fmt.Errorf("find machine %q: %w", nameOrID, err)
	}

	state, err := m.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("query state of machine %q: %w", nameOrID, err)
	}
	if state != types.MachineStateRunning {
		return nil, fmt.Errorf("%w: machine %q is not running (currently %s)", ErrInvalidState, nameOrID, state.Name())
	}

	session, err := m.LockShared(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock machine %q: %w", nameOrID, err)
	}

	guest, err := session.Guest(ctx)
	if err != nil {
		_ = session.Unlock()
		return nil, fmt.Errorf("open guest session of machine %q: %w", nameOrID, err)
	}

	return &Binding{machine: m, session: session, guest: guest}, nil
}

// Machine returns the bound machine.
func (b *Binding) Machine() Machine { return b.machine }

// Guest returns the guest operations interface.
func (b *Binding) Guest() Guest { return b.guest }

// Unbind releases the machine lock. It may be called more than once and on
// a nil Binding.
func (b *Binding) Unbind() error {
	if b == nil || b.session == nil {
		return nil
	}
	b.once.Do(func() {
		b.unbindErr = b.session.Unlock()
	})
	return b.unbindErr
}
