package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/record-locks/internal/core/domain"
	"github.com/rl1809/record-locks/internal/port"
)

var errTxDone = errors.New("transaction already closed")

type rowKey struct {
	kind domain.Kind
	id   uuid.UUID
}

// MemoryStore keeps rows in process and emulates row locks: a write or a
// locking read takes the row lock, and the lock is held until the owning
// transaction commits or rolls back.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[rowKey]domain.Product
	locks map[rowKey]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[rowKey]domain.Product),
		locks: make(map[rowKey]chan struct{}),
	}
}

func (m *MemoryStore) Begin(ctx context.Context, opts port.TxOptions) (port.StoreTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &memoryTx{
		store:   m,
		opts:    opts,
		held:    make(map[rowKey]struct{}),
		pending: make(map[rowKey]domain.Product),
	}, nil
}

func (m *MemoryStore) EnsureSchema(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Upsert(ctx context.Context, product domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rows[rowKey{product.Kind, product.ID}] = product
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.rows[rowKey{kind, id}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) semaphore(k rowKey) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	sem, ok := m.locks[k]
	if !ok {
		sem = make(chan struct{}, 1)
		m.locks[k] = sem
	}
	return sem
}

type memoryTx struct {
	store *MemoryStore
	opts  port.TxOptions

	mu      sync.Mutex
	done    bool
	held    map[rowKey]struct{}
	pending map[rowKey]domain.Product
}

func (t *memoryTx) Read(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.load(rowKey{kind, id})
}

func (t *memoryTx) ReadWithLock(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	k := rowKey{kind, id}
	if err := t.lock(ctx, k); err != nil {
		return nil, err
	}
	return t.load(k)
}

func (t *memoryTx) AcquireExclusive(ctx context.Context, kind domain.Kind, id uuid.UUID) (int64, error) {
	p, err := t.ReadWithLock(ctx, kind, id)
	if err != nil {
		return 0, err
	}
	return p.Version, nil
}

func (t *memoryTx) Write(ctx context.Context, product domain.Product) error {
	k, err := t.prepareWrite(ctx, product)
	if err != nil {
		return err
	}
	current, err := t.load(k)
	if err != nil {
		return err
	}
	product.Version = domain.ResolvePlainWrite(current.Version).NextVersion
	t.stage(k, product)
	return nil
}

func (t *memoryTx) WriteIfVersionMatches(ctx context.Context, product domain.Product, expected int64) error {
	k, err := t.prepareWrite(ctx, product)
	if err != nil {
		return err
	}
	current, err := t.load(k)
	if err != nil {
		return err
	}
	next, err := domain.ResolveVersionedWrite(current.Version, expected)
	if err != nil {
		return err
	}
	product.Version = next
	t.stage(k, product)
	return nil
}

func (t *memoryTx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}

	t.store.mu.Lock()
	for k, p := range t.pending {
		t.store.rows[k] = p
	}
	t.store.mu.Unlock()

	t.finish()
	return nil
}

func (t *memoryTx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.finish()
	return nil
}

// finish releases every held row lock. Caller holds t.mu.
func (t *memoryTx) finish() {
	t.done = true
	t.pending = nil
	for k := range t.held {
		<-t.store.semaphore(k)
	}
	t.held = nil
}

func (t *memoryTx) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}
	return nil
}

func (t *memoryTx) prepareWrite(ctx context.Context, product domain.Product) (rowKey, error) {
	if err := t.check(); err != nil {
		return rowKey{}, err
	}
	if t.opts.ReadOnly {
		return rowKey{}, domain.ErrReadOnlyTransaction
	}
	k := rowKey{product.Kind, product.ID}
	if err := t.lock(ctx, k); err != nil {
		return rowKey{}, err
	}
	return k, nil
}

func (t *memoryTx) load(k rowKey) (*domain.Product, error) {
	t.mu.Lock()
	p, ok := t.pending[k]
	t.mu.Unlock()
	if ok {
		return &p, nil
	}
	return t.store.Get(context.Background(), k.kind, k.id)
}

func (t *memoryTx) stage(k rowKey, p domain.Product) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[k] = p
}

// lock blocks until the row semaphore is free, the context ends or the lock timeout elapses.
func (t *memoryTx) lock(ctx context.Context, k rowKey) error {
	t.mu.Lock()
	_, owned := t.held[k]
	t.mu.Unlock()
	if owned {
		return nil
	}

	var timeout <-chan time.Time
	if t.opts.LockTimeout > 0 {
		timer := time.NewTimer(t.opts.LockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	sem := t.store.semaphore(k)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire lock on %s %s: %w", k.kind, k.id, ctx.Err())
	case <-timeout:
		return fmt.Errorf("acquire lock on %s %s: %w", k.kind, k.id, domain.ErrLockTimeout)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		<-sem
		return errTxDone
	}
	t.held[k] = struct{}{}
	return nil
}
