package agent

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/opensandbox/vmctl/internal/metrics"
	"github.com/opensandbox/vmctl/pkg/types"
)

var errNotCancelable = errors.New("operation cannot be canceled")

// operation tracks one asynchronous guest action. Its state only moves
// forward: once completed it never changes again.
type operation struct {
	mu      sync.Mutex
	state   types.Operation
	cancel  func()
	started time.Time
	done    chan struct{}
}

func (o *operation) snapshot() types.Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.state
	if st.Error != nil {
		e := *st.Error
		st.Error = &e
	}
	return st
}

func (o *operation) setPercent(p int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Completed || p < o.state.Percent {
		return
	}
	if p > 100 {
		p = 100
	}
	o.state.Percent = p
}

// requestCancel runs the cancel hook once. Completed operations and
// operations without a hook are rejected.
func (o *operation) requestCancel() error {
	o.mu.Lock()
	if !o.state.Cancelable || o.state.Completed {
		o.mu.Unlock()
		return errNotCancelable
	}
	o.state.Canceled = true
	o.state.Cancelable = false
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (o *operation) canceled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Canceled
}

// succeed completes the operation successfully.
func (o *operation) succeed() {
	o.finish(types.ResultOK, nil)
}

// fail completes the operation with err. A canceled operation keeps its
// canceled result.
func (o *operation) fail(err error) {
	info := errorInfo(err)
	o.finish(info.ResultCode, &info)
}

func (o *operation) finish(code int32, info *types.ErrorInfo) {
	o.mu.Lock()
	if o.state.Completed {
		o.mu.Unlock()
		return
	}
	if o.state.Canceled && code == types.ResultOK {
		code = types.ResultCanceled
		info = &types.ErrorInfo{ResultCode: code, Text: "operation canceled", Component: "agent"}
	}
	o.state.Completed = true
	o.state.Cancelable = false
	o.state.ResultCode = code
	o.state.Error = info
	if code == types.ResultOK {
		o.state.Percent = 100
	}
	kind := o.state.Kind
	o.mu.Unlock()

	result := "ok"
	switch {
	case code == types.ResultCanceled:
		result = "canceled"
	case code != types.ResultOK:
		result = "error"
	}
	metrics.OperationsActive.WithLabelValues(string(kind)).Dec()
	metrics.OperationDuration.WithLabelValues(string(kind), result).Observe(time.Since(o.started).Seconds())
	close(o.done)
}

// operationTable holds every operation started since the agent came up.
type operationTable struct {
	mu  sync.Mutex
	ops map[string]*operation
}

func newOperationTable() *operationTable {
	return &operationTable{ops: make(map[string]*operation)}
}

// start registers a new running operation. A nil cancel makes it
// non-cancelable.
func (t *operationTable) start(kind types.OperationKind, desc string, cancel func()) *operation {
	op := &operation{
		state: types.Operation{
			ID:          uuid.New().String(),
			Kind:        kind,
			Description: desc,
			Cancelable:  cancel != nil,
		},
		cancel:  cancel,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	t.mu.Lock()
	t.ops[op.state.ID] = op
	t.mu.Unlock()

	metrics.OperationsActive.WithLabelValues(string(kind)).Inc()
	return op
}

func (t *operationTable) get(id string) (*operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	return op, ok
}

func (s *Server) getOperation(c echo.Context) error {
	op, ok := s.ops.get(c.Param("id"))
	if !ok {
		return errorJSON(c, http.StatusNotFound, notFoundInfo("operation not found"))
	}
	return c.JSON(http.StatusOK, op.snapshot())
}

func (s *Server) cancelOperation(c echo.Context) error {
	op, ok := s.ops.get(c.Param("id"))
	if !ok {
		return errorJSON(c, http.StatusNotFound, notFoundInfo("operation not found"))
	}
	if err := op.requestCancel(); err != nil {
		return errorJSON(c, http.StatusConflict, types.ErrorInfo{
			ResultCode: types.ResultInvalidState,
			Text:       err.Error(),
			Component:  "agent",
		})
	}
	return c.JSON(http.StatusOK, op.snapshot())
}
