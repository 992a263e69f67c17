package utils

import (
	"context"
	"sync"
	"sync/atomic"
)

type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

// LockToken identifies a holder of an OwnedMutex
type LockToken uint64

var nextLockToken atomic.Uint64

// NewLockToken returns a token distinct from every other token in the process
func NewLockToken() LockToken {
	return LockToken(nextLockToken.Add(1))
}

// OwnedMutex is a mutex that remembers which token holds it, so that a nested caller carrying the
// same token can detect that the lock is already held and skip acquiring it again.
type OwnedMutex struct {
	mutex sync.Mutex
	owner atomic.Uint64
}

// HeldBy reports whether token currently holds the mutex
func (m *OwnedMutex) HeldBy(token LockToken) bool {
	return token != 0 && m.owner.Load() == uint64(token)
}

// LockAs acquires the mutex for token. It returns false without blocking when token already holds
// it; the caller must only call Unlock when LockAs returned true.
func (m *OwnedMutex) LockAs(token LockToken) bool {
	if m.HeldBy(token) {
		return false
	}
	m.mutex.Lock()
	m.owner.Store(uint64(token))
	return true
}

func (m *OwnedMutex) Unlock() {
	m.owner.Store(0)
	m.mutex.Unlock()
}

type lockTokenKey struct{}

// ContextWithLockToken returns a context carrying token, so that nested calls can recognise locks
// their caller already holds
func ContextWithLockToken(ctx context.Context, token LockToken) context.Context {
	return context.WithValue(ctx, lockTokenKey{}, token)
}

// LockTokenFromContext returns the token carried by ctx and whether there was one
func LockTokenFromContext(ctx context.Context) (LockToken, bool) {
	token, ok := ctx.Value(lockTokenKey{}).(LockToken)
	return token, ok
}
