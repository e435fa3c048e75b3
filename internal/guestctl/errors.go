package guestctl

import (
	"errors"
	"fmt"
	"io"

	"github.com/opensandbox/vmctl/pkg/types"
)

var (
	// ErrNotFound is returned when a machine does not exist or a copy
	// source matched no files.
	ErrNotFound = errors.New("not found")
	// ErrFileNotFound is returned when a copy source path does not exist.
	ErrFileNotFound = errors.New("file not found")
	// ErrInvalidState is returned when the machine is not running.
	ErrInvalidState = errors.New("invalid machine state")
	// ErrCanceled is returned when the user canceled a guest operation.
	ErrCanceled = errors.New("operation canceled")
	// ErrOutOfResources is returned when a copy plan could not be assembled.
	ErrOutOfResources = errors.New("out of resources")
)

// UsageError reports bad or missing command line arguments. No guest
// operation has been started when it is returned.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

func usageErrorf(format string, args ...interface{}) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// RemoteError is a failed call into the guest or one of its operations.
type RemoteError struct {
	Op   string
	Info types.ErrorInfo
	Err  error
}

func (e *RemoteError) Error() string {
	msg := e.Info.Text
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ExitError carries a process exit status out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// printError writes err the way the command line reports guest failures:
// system errors on one line, everything else with full details.
func printError(w io.Writer, err error) {
	if re := detailedRemoteError(err); re != nil {
		if re.Info.System {
			fmt.Fprintf(w, "%s: error: %s.\n", progName, re.Info.Text)
			return
		}
		fmt.Fprintf(w, "%s: error: Error details:\n", progName)
		fmt.Fprintf(w, "%s\n", re.Info.Text)
		fmt.Fprintf(w, "Details: code %d", re.Info.ResultCode)
		if re.Info.Component != "" {
			fmt.Fprintf(w, ", component %s", re.Info.Component)
		}
		if re.Info.Interface != "" {
			fmt.Fprintf(w, ", interface %s", re.Info.Interface)
		}
		if re.Op != "" {
			fmt.Fprintf(w, ", callee %s", re.Op)
		}
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintf(w, "%s: error: %v\n", progName, err)
}

// detailedRemoteError returns the outermost RemoteError in err's chain that
// carries error details from the guest.
func detailedRemoteError(err error) *RemoteError {
	for err != nil {
		var re *RemoteError
		if !errors.As(err, &re) {
			return nil
		}
		if re.Info.Text != "" || re.Info.ResultCode != 0 {
			return re
		}
		err = re.Err
	}
	return nil
}
