package controller

import (
	"context"
	"sync"

	"chatcall/internal/calls"
)

// Registry keeps one Controller per logged-in user.
type Registry struct {
	build func(userID string) *Controller

	mu          sync.Mutex
	controllers map[string]*Controller
	closed      bool
}

// NewRegistry uses build to create a user's controller on first use.
func NewRegistry(build func(userID string) *Controller) *Registry {
	return &Registry{build: build, controllers: make(map[string]*Controller)}
}

// Get returns userID's controller, creating it and starting its incoming-call listener
// on first use.
func (r *Registry) Get(ctx context.Context, userID string) (*Controller, error) {
	if userID == "" {
		return nil, calls.ErrUnauthenticated
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, calls.ErrInvalidState
	}
	if c, ok := r.controllers[userID]; ok {
		return c, nil
	}
	c := r.build(userID)
	if err := c.Listen(ctx); err != nil {
		c.Close()
		return nil, err
	}
	r.controllers[userID] = c
	return c, nil
}

// Remove closes and forgets userID's controller.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	c, ok := r.controllers[userID]
	delete(r.controllers, userID)
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	all := r.controllers
	r.controllers = make(map[string]*Controller)
	r.mu.Unlock()
	for _, c := range all {
		c.Close()
	}
}
