package guestctl

import (
	"os"
	"os/signal"
	"sync"

	"go.uber.org/atomic"
)

// canceled is set when the user interrupts vmctl. It is only written by the
// interrupt handler and read or cleared by the wait loops.
var canceled = atomic.NewBool(false)

// interruptHandler turns interrupt signals into a write of canceled.
type interruptHandler struct {
	sigCh   chan os.Signal
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func installInterruptHandler() *interruptHandler {
	h := &interruptHandler{
		sigCh:   make(chan os.Signal, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	signal.Notify(h.sigCh, os.Interrupt)
	go func() {
		defer close(h.stopped)
		for {
			select {
			case <-h.sigCh:
				canceled.Store(true)
			case <-h.done:
				return
			}
		}
	}()
	return h
}

// uninstall restores the default interrupt behavior. It may be called more
// than once.
func (h *interruptHandler) uninstall() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		signal.Stop(h.sigCh)
		close(h.done)
	})
	<-h.stopped
}
