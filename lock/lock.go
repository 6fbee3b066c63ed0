package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// ErrTimeout is returned when an instance lock could not be acquired in
// time. It signals contention and is retryable.
var ErrTimeout = errors.New("timed out waiting for instance lock")

// Manager serializes work on process instances.
type Manager interface {
	// Lock acquires the exclusive lock for the instance, waiting at most
	// timeout. The returned token identifies this holder.
	Lock(ctx context.Context, instanceID string, timeout time.Duration) (string, error)

	// Unlock releases the lock if it is still held with the given token.
	// Unlocking with a stale token or an instance that is not locked is a
	// no-op.
	Unlock(ctx context.Context, instanceID, token string)
}

type entry struct {
	token chan struct{}

	// holder is the token of the current holder, guarded by the manager's mu
	holder string

	// refs counts the holder and all waiters
	refs int
}

type localManager struct {
	mu    sync.Mutex
	locks map[string]*entry
	clock clock.Clock
}

// NewLocalManager returns a lock manager for engines running in a single process.
func NewLocalManager(c clock.Clock) Manager {
	if c == nil {
		c = clock.New()
	}

	return &localManager{
		locks: map[string]*entry{},
		clock: c,
	}
}

func (l *localManager) Lock(ctx context.Context, instanceID string, timeout time.Duration) (string, error) {
	l.mu.Lock()
	e, ok := l.locks[instanceID]
	if !ok {
		e = &entry{token: make(chan struct{}, 1)}
		l.locks[instanceID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.token <- struct{}{}:
		return l.acquired(e), nil
	default:
	}

	t := l.clock.Timer(timeout)
	defer t.Stop()

	select {
	case e.token <- struct{}{}:
		return l.acquired(e), nil

	case <-t.C:
		l.release(instanceID, e)
		return "", fmt.Errorf("%w: %s", ErrTimeout, instanceID)

	case <-ctx.Done():
		l.release(instanceID, e)
		return "", ctx.Err()
	}
}

func (l *localManager) acquired(e *entry) string {
	token := uuid.NewString()

	l.mu.Lock()
	e.holder = token
	l.mu.Unlock()

	return token
}

func (l *localManager) release(instanceID string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.locks, instanceID)
	}
}

func (l *localManager) Unlock(_ context.Context, instanceID, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[instanceID]
	if !ok || token == "" || e.holder != token {
		return
	}

	e.holder = ""
	<-e.token

	e.refs--
	if e.refs == 0 {
		delete(l.locks, instanceID)
	}
}
