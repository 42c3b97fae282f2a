package signaling

import (
	"context"
	"sync"
)

// Subscription is a push-based stream of store updates.
//
// Producers never block: values are queued until the consumer reads them from Updates.
// Close may be called any number of times from any goroutine; Updates is closed afterwards.
type Subscription[T any] struct {
	out  chan T
	done chan struct{}
	wake chan struct{}

	mu     sync.Mutex
	queue  []T
	closed bool

	closeOnce sync.Once
	onClose   func()
	stopCtx   func() bool
}

func newSubscription[T any](ctx context.Context, onClose func()) *Subscription[T] {
	s := &Subscription[T]{
		out:     make(chan T),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		onClose: onClose,
	}
	go s.pump()
	if ctx != nil {
		stop := context.AfterFunc(ctx, s.Close)
		s.mu.Lock()
		s.stopCtx = stop
		s.mu.Unlock()
	}
	return s
}

// NewSubscription returns a subscription fed through the returned publish function.
// It lets other packages and test doubles expose the same stream type as the stores.
func NewSubscription[T any](ctx context.Context, onClose func()) (*Subscription[T], func(T) bool) {
	s := newSubscription[T](ctx, onClose)
	return s, s.publish
}

// Updates returns the delivery channel. It is closed after Close.
func (s *Subscription[T]) Updates() <-chan T { return s.out }

// Done is closed once the subscription has been closed.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		stop := s.stopCtx
		s.mu.Unlock()
		close(s.done)
		if stop != nil {
			stop()
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *Subscription[T]) publish(v T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
