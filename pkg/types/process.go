package types

// ProcessStatus is the lifecycle state of a process started inside the guest.
type ProcessStatus uint32

const (
	ProcessStatusUndefined ProcessStatus = iota
	ProcessStatusStarted
	ProcessStatusTerminatedNormally
	ProcessStatusTerminatedSignal
	ProcessStatusTerminatedAbnormally
	ProcessStatusTimedOutKilled
	ProcessStatusTimedOutAbnormally
	ProcessStatusDown
	ProcessStatusError
)

// String returns the human readable form used in verbose output.
func (s ProcessStatus) String() string {
	switch s {
	case ProcessStatusStarted:
		return "started"
	case ProcessStatusTerminatedNormally:
		return "successfully terminated"
	case ProcessStatusTerminatedSignal:
		return "terminated by signal"
	case ProcessStatusTerminatedAbnormally:
		return "abnormally aborted"
	case ProcessStatusTimedOutKilled:
		return "timed out"
	case ProcessStatusTimedOutAbnormally:
		return "timed out, hanging"
	case ProcessStatusDown:
		return "killed"
	case ProcessStatusError:
		return "error"
	}
	return "unknown"
}

// Terminal reports whether the process will not change status anymore.
func (s ProcessStatus) Terminal() bool {
	return s != ProcessStatusUndefined && s != ProcessStatusStarted
}

// ExecFlags modify how the guest agent starts a process.
type ExecFlags uint32

const (
	ExecFlagNone ExecFlags = 0
	// ExecFlagIgnoreOrphanedProcesses leaves children of the started process
	// running after it exits instead of killing its process group.
	ExecFlagIgnoreOrphanedProcesses ExecFlags = 1 << 0
)

// ExecRequest is the request body for starting a guest process.
type ExecRequest struct {
	Command   string    `json:"cmd"`
	Args      []string  `json:"args,omitempty"`
	Env       []string  `json:"env,omitempty"` // NAME=VALUE
	Username  string    `json:"username"`
	Password  string    `json:"password,omitempty"`
	Flags     ExecFlags `json:"flags,omitempty"`
	TimeoutMs uint32    `json:"timeoutMs,omitempty"` // 0 = no limit
}

// ExecResponse identifies a started guest process and the operation tracking it.
type ExecResponse struct {
	PID         uint32 `json:"pid"`
	OperationID string `json:"operationId"`
}

// ProcessStatusInfo is the status of a guest process.
type ProcessStatusInfo struct {
	PID      uint32        `json:"pid"`
	ExitCode uint32        `json:"exitCode"`
	Flags    uint32        `json:"flags"`
	Status   ProcessStatus `json:"status"`
}
