package guestctl

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"
)

// waitForCompletion waits for a non-process operation. With showPercent
// set and stdout attached to a terminal the completion percentage is
// redrawn as it changes. Interrupts cancel the operation.
func (r *Runner) waitForCompletion(ctx context.Context, p Progress, showPercent bool) error {
	canceled.Store(false)

	if cancelable, err := p.Cancelable(ctx); err == nil && cancelable {
		h := installInterruptHandler()
		defer h.uninstall()
	}

	tty := showPercent && r.isTerminal(r.stdout)
	lastPercent := -1
	cancelRequested := false
	wasCanceled := false

	for {
		completed, err := p.Completed(ctx)
		if err != nil {
			return &RemoteError{Op: "query operation", Err: err}
		}
		if tty {
			if pct, err := p.Percent(ctx); err == nil && pct != lastPercent {
				fmt.Fprintf(r.stdout, "\r%d%%...", pct)
				lastPercent = pct
			}
		}
		if completed {
			break
		}

		if canceled.Load() && !cancelRequested {
			if err := p.Cancel(ctx); err == nil {
				cancelRequested = true
			} else {
				canceled.Store(false)
			}
		}
		if c, err := p.Canceled(ctx); err == nil && c {
			wasCanceled = true
			break
		}

		if r.pollInterval > 0 {
			time.Sleep(r.pollInterval)
		}
	}
	if lastPercent >= 0 {
		fmt.Fprintln(r.stdout)
	}

	if wasCanceled {
		return ErrCanceled
	}
	code, err := p.ResultCode(ctx)
	if err != nil {
		return &RemoteError{Op: "query operation result", Err: err}
	}
	if code != 0 {
		return progressError(ctx, p)
	}
	return nil
}

// progressError builds the error of a failed or canceled operation.
func progressError(ctx context.Context, p Progress) error {
	if c, err := p.Canceled(ctx); err == nil && c {
		return ErrCanceled
	}
	info, err := p.ErrorInfo(ctx)
	if err != nil {
		return &RemoteError{Op: "query operation error", Err: err}
	}
	if info == nil {
		return &RemoteError{Err: fmt.Errorf("operation failed")}
	}
	return &RemoteError{Info: *info}
}

func writerIsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
