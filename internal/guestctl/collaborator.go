package guestctl

import (
	"context"
	"time"

	"github.com/opensandbox/vmctl/pkg/types"
)

// WaitIndefinitely asks ProcessOutput to block until output is available or
// the process ends. A zero timeout means "do not wait at all".
const WaitIndefinitely time.Duration = -1

// MachineFinder looks up registered machines.
type MachineFinder interface {
	// FindMachine resolves a machine by name or UUID. It returns an error
	// wrapping ErrNotFound when no such machine exists.
	FindMachine(ctx context.Context, nameOrID string) (Machine, error)
}

// Machine is a registered virtual machine.
type Machine interface {
	ID() string
	Name() string
	State(ctx context.Context) (types.MachineState, error)
	// LockShared acquires a non-exclusive lock on the machine.
	LockShared(ctx context.Context) (Session, error)
}

// Session is a shared lock on a machine.
type Session interface {
	// Guest returns the guest operations interface of the locked machine.
	Guest(ctx context.Context) (Guest, error)
	// Unlock releases the lock. It is safe to call more than once.
	Unlock() error
}

// Guest exposes the operations executed inside the guest OS.
type Guest interface {
	ExecuteProcess(ctx context.Context, cmd string, flags types.ExecFlags, args, env []string,
		username, password string, timeout time.Duration) (uint32, Progress, error)
	// ProcessOutput returns up to maxBytes of buffered process output, waiting
	// at most timeout for data to arrive.
	ProcessOutput(ctx context.Context, pid uint32, flags uint32, timeout time.Duration, maxBytes int) ([]byte, error)
	ProcessStatus(ctx context.Context, pid uint32) (types.ProcessStatusInfo, error)
	CopyToGuest(ctx context.Context, source, dest, username, password string, flags types.CopyFlags) (Progress, error)
	CreateDirectory(ctx context.Context, path, username, password string, mode uint32, flags types.DirectoryFlags) (Progress, error)
	UpdateGuestTools(ctx context.Context, source string, flags types.ToolsUpdateFlags) (Progress, error)
}

// Progress is a handle to an asynchronous guest operation.
type Progress interface {
	Completed(ctx context.Context) (bool, error)
	Cancelable(ctx context.Context) (bool, error)
	Canceled(ctx context.Context) (bool, error)
	Percent(ctx context.Context) (int, error)
	Cancel(ctx context.Context) error
	// ResultCode is meaningful once Completed reports true; 0 is success.
	ResultCode(ctx context.Context) (int32, error)
	ErrorInfo(ctx context.Context) (*types.ErrorInfo, error)
}

// ToolsFetcher downloads a guest tools image referenced by URI to a local file.
type ToolsFetcher interface {
	FetchTools(ctx context.Context, uri string) (path string, cleanup func(), err error)
}
