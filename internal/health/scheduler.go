package health

import (
	"context"
	"time"
)

// Check performs one health check. It must return promptly once ctx is done.
type Check func(ctx context.Context) Result

// Handle controls one running health loop.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs check immediately and then every interval, publishing each
// result into cell, until the handle is stopped.
func Start(interval time.Duration, cell *Cell, check Check) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go h.loop(ctx, interval, cell, check)
	return h
}

func (h *Handle) loop(ctx context.Context, interval time.Duration, cell *Cell, check Check) {
	defer close(h.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res := check(ctx)
		if ctx.Err() != nil {
			return
		}
		cell.Set(res)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the loop and waits for it to exit. No write to the cell
// happens after Stop returns. Stopping a nil or stopped handle is a no-op.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

// Done is closed once the loop has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
