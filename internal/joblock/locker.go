// Package joblock serializes runs per job id. Acquire never waits: a held job
// is reported immediately so the caller can reject the run as a conflict.
package joblock

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrHeld is returned when another run already holds the job.
var ErrHeld = eris.New("job lock held")

// Locker hands out exclusive per-job leases.
type Locker interface {
	Acquire(ctx context.Context, jobID string) (Lease, error)
}

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Release(ctx context.Context) error
}

// Local is an in-process locker for single-process deployments and tests.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) Acquire(_ context.Context, jobID string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[jobID]; ok {
		return nil, eris.Wrapf(ErrHeld, "job %s", jobID)
	}
	l.held[jobID] = struct{}{}
	return &localLease{owner: l, jobID: jobID}, nil
}

type localLease struct {
	owner *Local
	jobID string
	once  sync.Once
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		delete(l.owner.held, l.jobID)
		l.owner.mu.Unlock()
	})
	return nil
}
