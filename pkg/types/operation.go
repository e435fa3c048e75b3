package types

// OperationKind names what a guest operation is doing.
type OperationKind string

const (
	OperationExec        OperationKind = "exec"
	OperationCopy        OperationKind = "copy"
	OperationMkdir       OperationKind = "mkdir"
	OperationToolsUpdate OperationKind = "tools-update"
)

// Operation is a snapshot of an asynchronous guest operation.
type Operation struct {
	ID          string        `json:"id"`
	Kind        OperationKind `json:"kind"`
	Description string        `json:"description,omitempty"`
	Completed   bool          `json:"completed"`
	Cancelable  bool          `json:"cancelable"`
	Canceled    bool          `json:"canceled"`
	Percent     int           `json:"percent"`

	// ResultCode is 0 on success and negative on failure, set once Completed.
	ResultCode int32      `json:"resultCode"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo describes a failure reported by the guest side.
type ErrorInfo struct {
	ResultCode int32  `json:"resultCode"`
	Text       string `json:"text"`
	Component  string `json:"component,omitempty"`
	Interface  string `json:"interface,omitempty"`

	// System marks errors that originate from a guest OS call; they carry a
	// precise message and are printed on a single line.
	System bool `json:"system,omitempty"`
}

// Common result codes.
const (
	ResultOK           int32 = 0
	ResultFailure      int32 = -1
	ResultNotFound     int32 = -2
	ResultInvalidState int32 = -3
	ResultCanceled     int32 = -4
	ResultAccessDenied int32 = -5
	ResultSystem       int32 = -100
)

// ErrorResponse is the body of a failed agent request.
type ErrorResponse struct {
	Error string     `json:"error"`
	Info  *ErrorInfo `json:"info,omitempty"`
}
