package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_EmitDeliversToAllHandlers(t *testing.T) {
	b := New()
	var calls atomic.Int64

	b.On(EventMessageInbound, func(ctx context.Context, payload any) error {
		calls.Add(1)
		return nil
	})
	b.On(EventMessageInbound, func(ctx context.Context, payload any) error {
		calls.Add(1)
		return nil
	})

	b.Emit(context.Background(), EventMessageInbound, MessageEvent{JID: "web:main", Content: "hi"})

	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestBus_EmitNoListeners(t *testing.T) {
	b := New()
	// Must complete without blocking or panicking.
	b.Emit(context.Background(), EventTaskCreated, TaskEvent{TaskID: "t1"})
}

func TestBus_Off(t *testing.T) {
	b := New()
	var calls atomic.Int64
	id := b.On(EventTaskCompleted, func(ctx context.Context, payload any) error {
		calls.Add(1)
		return nil
	})
	if b.ListenerCount(EventTaskCompleted) != 1 {
		t.Fatalf("ListenerCount = %d, want 1", b.ListenerCount(EventTaskCompleted))
	}
	b.Off(EventTaskCompleted, id)
	if b.ListenerCount(EventTaskCompleted) != 0 {
		t.Fatalf("ListenerCount after Off = %d, want 0", b.ListenerCount(EventTaskCompleted))
	}
	b.Emit(context.Background(), EventTaskCompleted, TaskEvent{})
	if calls.Load() != 0 {
		t.Fatalf("removed handler was invoked")
	}
}

func TestBus_HandlerErrorDoesNotAffectOthers(t *testing.T) {
	b := New()
	var ok atomic.Bool
	b.On(EventPluginLoaded, func(ctx context.Context, payload any) error {
		return errors.New("boom")
	})
	b.On(EventPluginLoaded, func(ctx context.Context, payload any) error {
		ok.Store(true)
		return nil
	})
	b.Emit(context.Background(), EventPluginLoaded, PluginEvent{Name: "memory"})
	if !ok.Load() {
		t.Fatalf("second handler did not run after first failed")
	}
}

func TestBus_HandlerPanicIsCaught(t *testing.T) {
	b := New()
	b.On(EventContainerStart, func(ctx context.Context, payload any) error {
		panic("oops")
	})
	// Must not propagate.
	b.Emit(context.Background(), EventContainerStart, ContainerEvent{JID: "discord:1"})
}

func TestBus_HungHandlerTimesOutWithoutDelayingOthers(t *testing.T) {
	b := New(WithHandlerTimeout(50 * time.Millisecond))
	var fastDone atomic.Bool

	b.On(EventMessageOutbound, func(ctx context.Context, payload any) error {
		<-make(chan struct{}) // never resolves
		return nil
	})
	b.On(EventMessageOutbound, func(ctx context.Context, payload any) error {
		fastDone.Store(true)
		return nil
	})

	start := time.Now()
	b.Emit(context.Background(), EventMessageOutbound, MessageEvent{})
	elapsed := time.Since(start)

	if !fastDone.Load() {
		t.Fatalf("fast handler did not complete")
	}
	if elapsed > time.Second {
		t.Fatalf("emit took %v, hung handler delayed the emit", elapsed)
	}
}

func TestBus_Clear(t *testing.T) {
	b := New()
	b.On(EventTaskCreated, func(ctx context.Context, payload any) error { return nil })
	b.On(EventTaskCompleted, func(ctx context.Context, payload any) error { return nil })
	b.Clear()
	if b.ListenerCount(EventTaskCreated)+b.ListenerCount(EventTaskCompleted) != 0 {
		t.Fatalf("Clear left handlers behind")
	}
}
