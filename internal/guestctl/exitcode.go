package guestctl

import "github.com/opensandbox/vmctl/pkg/types"

// Process exit codes of vmctl.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitSyntax  = 2

	// The guest process exited normally with a non-zero exit code.
	ExitExecCode         = 16
	ExitExecFailed       = 17
	ExitExecTermSignal   = 18
	ExitExecTermAbnormal = 19
	ExitExecTimeout      = 20
	ExitExecDown         = 21
	ExitExecCanceled     = 22
)

// ExitCodeForStatus maps the final status of a guest process to the exit
// code of vmctl.
func ExitCodeForStatus(status types.ProcessStatus, exitCode uint32) int {
	switch status {
	case types.ProcessStatusStarted:
		return ExitSuccess
	case types.ProcessStatusTerminatedNormally:
		if exitCode == 0 {
			return ExitSuccess
		}
		return ExitExecCode
	case types.ProcessStatusTerminatedSignal:
		return ExitExecTermSignal
	case types.ProcessStatusTerminatedAbnormally:
		return ExitExecTermAbnormal
	case types.ProcessStatusTimedOutKilled, types.ProcessStatusTimedOutAbnormally:
		return ExitExecTimeout
	case types.ProcessStatusDown:
		// The guest service or OS is going down; not a failure of the process.
		return ExitExecDown
	case types.ProcessStatusError:
		return ExitExecFailed
	}
	return ExitExecTermAbnormal
}
