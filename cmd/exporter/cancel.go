package exporter

import "sync"

// CancelToken is a set-once cancellation flag shared by everything dispatching work for a job.
// Once cancelled it stays cancelled.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelToken returns an unset token
func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel sets the token. Further calls are no-ops.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done is closed once the token is cancelled.
func (t *CancelToken) Done() <-chan struct{} {
	return t.ch
}
