package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lease held by another owner")

// Locker hands out exclusive, expiring leases on string keys.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

type Lease struct {
	Key     string
	Token   string
	release func(ctx context.Context) error
}

// Release gives the lease up. Releasing an expired or stolen lease is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	return l.release(ctx)
}

// Key builds the lease key for one source of a configured job.
func Key(job, sourceID string) string {
	return "fleetaudit:lease:" + job + ":" + sourceID
}

// Local is an in-process Locker.
type Local struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]localEntry
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocal() *Local {
	return &Local{now: time.Now, leases: make(map[string]localEntry)}
}

func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.leases[key]; ok && now.Before(held.expires) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	l.leases[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &Lease{
		Key:   key,
		Token: token,
		release: func(context.Context) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			if held, ok := l.leases[key]; ok && held.token == token {
				delete(l.leases, key)
			}
			return nil
		},
	}, nil
}
