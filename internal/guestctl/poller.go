package guestctl

import (
	"context"
	"io"
	"time"
)

// waitState is how a process wait loop ended.
type waitState int

const (
	waitCompleted waitState = iota
	waitCanceled
	waitTimedOut
	waitAborted
)

// processWait drives the operation of a started guest process to its end
// while streaming the process output.
type processWait struct {
	guest    Guest
	progress Progress
	pid      uint32

	timeout time.Duration // 0 waits forever
	start   time.Time
	drain   bool
	filter  OutputType

	stdout   io.Writer
	stderr   io.Writer
	interval time.Duration
	now      func() time.Time
}

// outputTimeout is the time budget left for a single output fetch.
func (w *processWait) outputTimeout() time.Duration {
	if w.timeout == 0 {
		return WaitIndefinitely
	}
	left := w.timeout - w.now().Sub(w.start)
	if left < 0 {
		return 0
	}
	return left
}

func (w *processWait) expired() bool {
	return w.timeout > 0 && w.now().Sub(w.start) > w.timeout
}

// run polls until the operation completes, is canceled, or runs out of
// time. The returned error is the last output fetch failure, if any.
func (w *processWait) run(ctx context.Context) (waitState, error) {
	canceled.Store(false)

	cancelable, err := w.progress.Cancelable(ctx)
	if err != nil {
		cancelable = false
	}
	if cancelable {
		h := installInterruptHandler()
		defer h.uninstall()
	}

	state := waitAborted
	cancelRequested := false
	var fetchErr error

	for {
		completed, err := w.progress.Completed(ctx)
		if err != nil {
			printError(w.stderr, &RemoteError{Op: "query operation", Err: err})
			break
		}

		drained := 0
		if w.drain {
			data, err := w.guest.ProcessOutput(ctx, w.pid, 0, w.outputTimeout(), MaxOutputChunk)
			if err != nil {
				printError(w.stderr, err)
				fetchErr = err
			} else {
				fetchErr = nil
				if w.filter != OutputTypeUndefined {
					data = stripCR(data)
				}
				drained = len(data)
				if drained > 0 {
					_, _ = w.stdout.Write(data)
				}
			}
		}

		if drained == 0 && completed {
			state = waitCompleted
			break
		}

		if canceled.Load() && !cancelRequested {
			if err := w.progress.Cancel(ctx); err == nil {
				cancelRequested = true
			} else {
				canceled.Store(false)
			}
		}

		if c, err := w.progress.Canceled(ctx); err == nil && c {
			state = waitCanceled
			break
		}

		if w.expired() {
			_ = w.progress.Cancel(ctx)
			state = waitTimedOut
			break
		}

		if drained == 0 && w.interval > 0 {
			time.Sleep(w.interval)
		}
	}
	return state, fetchErr
}
