// Package lock provides a mutex whose acquisition honours a context and a
// bounded wait, so no caller blocks indefinitely on a critical section.
package lock

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/gyaneshwarpardhi/quorumledger/internal/errors"
)

// Mutex is a channel-backed mutual exclusion lock. Use New to create one.
type Mutex struct {
	ch chan struct{}
}

// New returns an unlocked Mutex.
func New() *Mutex {
	return &Mutex{ch: make(chan struct{}, 1)}
}

// NewLocked returns a Mutex already held by the caller.
func NewLocked() *Mutex {
	m := New()
	m.ch <- struct{}{}
	return m
}

// Lock waits for the mutex until ctx is done or timeout elapses (timeout <= 0
// means only ctx bounds the wait). Exceeding the timeout yields a BUSY error;
// a cancelled or expired ctx yields ctx.Err().
func (m *Mutex) Lock(ctx context.Context, timeout time.Duration) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case m.ch <- struct{}{}:
		return nil
	case <-timer:
		return apperrors.New(apperrors.CodeBusy, "lock wait exceeded %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the mutex only if it is free.
func (m *Mutex) TryLock() bool {
	select {
	case m.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the mutex. Unlocking an unlocked Mutex panics.
func (m *Mutex) Unlock() {
	select {
	case <-m.ch:
	default:
		panic("lock: unlock of unlocked mutex")
	}
}

// IsTimeout reports whether err came from a bounded wait rather than the caller.
func IsTimeout(err error) bool {
	return errors.Is(err, apperrors.ErrBusy) || errors.Is(err, context.DeadlineExceeded)
}
