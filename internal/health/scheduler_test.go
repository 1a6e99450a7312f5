package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestFromExitCode(t *testing.T) {
	tests := []struct {
		code int
		want Status
	}{
		{0, Ok},
		{1, Warning},
		{2, Critical},
		{3, Unknown},
		{-1, Unknown},
		{127, Unknown},
	}
	for _, tt := range tests {
		if got := FromExitCode(tt.code); got != tt.want {
			t.Errorf("FromExitCode(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestStartRunsImmediatelyAndRepeats(t *testing.T) {
	var calls atomic.Int32
	cell := &Cell{}
	h := Start(10*time.Millisecond, cell, func(context.Context) Result {
		calls.Add(1)
		return Result{Status: Ok, At: time.Now()}
	})
	defer h.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("check ran %d times, want at least 3", calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if res, ok := cell.Get(); !ok || res.Status != Ok {
		t.Errorf("cell = %+v, %v", res, ok)
	}
}

func TestStopPreventsFurtherWrites(t *testing.T) {
	var n atomic.Int32
	cell := &Cell{}
	interval := 10 * time.Millisecond
	h := Start(interval, cell, func(context.Context) Result {
		return Result{Status: Status(n.Add(1) % 3), At: time.Now()}
	})

	time.Sleep(5 * interval)
	h.Stop()

	before, _ := cell.Get()
	time.Sleep(10 * interval)
	after, _ := cell.Get()

	if before != after {
		t.Errorf("cell changed after Stop(): %+v -> %+v", before, after)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done() should be closed after Stop()")
	}
}

func TestStopCancelsRunningCheck(t *testing.T) {
	cell := &Cell{}
	started := make(chan struct{})
	h := Start(time.Hour, cell, func(ctx context.Context) Result {
		close(started)
		<-ctx.Done()
		return Result{Status: Critical}
	})

	<-started
	stopped := make(chan struct{})
	go func() {
		h.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not cancel the in-flight check")
	}
	if _, ok := cell.Get(); ok {
		t.Error("a cancelled check must not publish its result")
	}
}

func TestRestartGivesFreshRead(t *testing.T) {
	cell := &Cell{}
	h := Start(time.Hour, cell, func(context.Context) Result { return Result{Status: Warning} })
	waitFor(t, cell, Warning)
	h.Stop()

	h = Start(time.Hour, cell, func(context.Context) Result { return Result{Status: Ok} })
	defer h.Stop()
	waitFor(t, cell, Ok)
}

func TestStopNilHandle(t *testing.T) {
	var h *Handle
	h.Stop()
}

func waitFor(t *testing.T, cell *Cell, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if res, ok := cell.Get(); ok && res.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("cell never reached %v", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
