package signaling

import (
	"testing"
	"time"
)

const waitTimeout = 2 * time.Second

func recv[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.Updates():
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for update")
	}
	var zero T
	return zero
}

func expectQuiet[T any](t *testing.T, sub *Subscription[T]) {
	t.Helper()
	select {
	case v := <-sub.Updates():
		t.Fatalf("unexpected update: %+v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func timeAfter() <-chan time.Time { return time.After(waitTimeout) }
