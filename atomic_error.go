package mps

import "sync"

// atomicError guards a single error value with its own mutex, separate
// from the Context's coarse lock, so a concurrent timer tick can observe
// a failure that was recorded mid-read/write without contending on it.
type atomicError struct {
	mu  sync.Mutex
	val error
}

func (a *atomicError) store(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.val = err
}

func (a *atomicError) load() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.val
}
