package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const defaultStoreTimeout = 10 * time.Second

var errMissingStore = errors.New("ledger: store is required")

// ChangeEvent describes a committed replace-write.
type ChangeEvent struct {
	Table       string
	Rows        int
	Fingerprint string
	CommittedAt time.Time
}

// ChangeListener receives committed mutations.
type ChangeListener interface {
	LedgerChanged(event ChangeEvent)
}

// MutateFunc computes the next snapshot from the current one. Returning changed=false
// or an error releases the table without writing.
type MutateFunc func(current Snapshot) (next Snapshot, changed bool, err error)

// GuardConfig describes the dependencies of a Guard.
type GuardConfig struct {
	Store    Store
	Timeout  time.Duration
	Listener ChangeListener
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Guard serializes read-compute-write sequences per table and refuses to overwrite a
// table that changed underneath the computation.
type Guard struct {
	store    Store
	timeout  time.Duration
	listener ChangeListener
	logger   *zap.Logger
	clock    func() time.Time

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewGuard validates cfg and returns a Guard.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Guard{
		store:    cfg.Store,
		timeout:  timeout,
		listener: cfg.Listener,
		logger:   logger,
		clock:    clock,
		locks:    make(map[string]*semaphore.Weighted),
	}, nil
}

// Provision ensures every table exists in the backing store.
func (g *Guard) Provision(ctx context.Context, tables ...Table) error {
	for _, table := range tables {
		if err := table.Validate(); err != nil {
			return err
		}
		boundedCtx, cancel := context.WithTimeout(ctx, g.timeout)
		err := g.store.EnsureTable(boundedCtx, table)
		cancel()
		if err != nil {
			return fmt.Errorf("provision %s: %w", table.Name, err)
		}
	}
	return nil
}

// View returns a read-only snapshot without taking the table lock.
func (g *Guard) View(ctx context.Context, table Table) (Snapshot, error) {
	return g.read(ctx, table)
}

// Mutate runs fn inside the table's critical section. The table is read, fn computes the
// next state, the table is read again and compared, and only then replaced.
func (g *Guard) Mutate(ctx context.Context, table Table, fn MutateFunc) (Snapshot, error) {
	lock := g.lockFor(table.Name)
	if err := lock.Acquire(ctx, 1); err != nil {
		return Snapshot{}, fmt.Errorf("%w: waiting for %s: %v", ErrStoreUnavailable, table.Name, err)
	}
	defer lock.Release(1)

	current, err := g.read(ctx, table)
	if err != nil {
		return Snapshot{}, err
	}

	next, changed, err := fn(current)
	if err != nil {
		return current, err
	}
	if !changed {
		return current, nil
	}

	latest, err := g.read(ctx, table)
	if err != nil {
		return Snapshot{}, err
	}
	if latest.Fingerprint() != current.Fingerprint() {
		g.logger.Warn("ledger table changed during mutation",
			zap.String("table", table.Name),
			zap.Int("rows_read", current.Len()),
			zap.Int("rows_now", latest.Len()))
		return latest, fmt.Errorf("%w: %s", ErrConcurrentModification, table.Name)
	}

	if err := g.replace(ctx, table, next); err != nil {
		return Snapshot{}, err
	}

	if g.listener != nil {
		g.listener.LedgerChanged(ChangeEvent{
			Table:       table.Name,
			Rows:        next.Len(),
			Fingerprint: next.Fingerprint(),
			CommittedAt: g.clock().UTC(),
		})
	}
	return next, nil
}

func (g *Guard) read(ctx context.Context, table Table) (Snapshot, error) {
	boundedCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	snapshot, err := g.store.Read(boundedCtx, table)
	if err != nil {
		return Snapshot{}, asStoreError(err, ErrStoreUnavailable)
	}
	return snapshot, nil
}

func (g *Guard) replace(ctx context.Context, table Table, snapshot Snapshot) error {
	boundedCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.store.Replace(boundedCtx, table, snapshot); err != nil {
		return asStoreError(err, ErrStoreRejected)
	}
	return nil
}

func (g *Guard) lockFor(name string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[name]
	if !ok {
		lock = semaphore.NewWeighted(1)
		g.locks[name] = lock
	}
	return lock
}

// asStoreError keeps already-classified errors and classifies the rest. Deadline and
// cancellation always count as unavailable.
func asStoreError(err error, fallback error) error {
	switch {
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrStoreRejected):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", fallback, err)
	}
}
