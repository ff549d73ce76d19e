// Package txscope implements the transaction boundary every read-modify-write
// sequence runs in. A Scope wraps one store transaction and keeps a small
// persistence context: the copies fetched through it, whether each copy is
// still tracked, and which lock the scope holds on it. Closing the scope
// commits or rolls back the store transaction, which releases every
// exclusive lock taken through it.
package txscope

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/record-locks/internal/core/domain"
	"github.com/rl1809/record-locks/internal/port"
)

type Options struct {
	// ReadOnly scopes detach every fetched copy immediately and reject saves.
	ReadOnly bool
	// LockIntent applies to every plain find made through the scope.
	LockIntent  domain.LockMode
	LockTimeout time.Duration
	Logger      *zap.Logger
}

type entryKey struct {
	kind domain.Kind
	id   uuid.UUID
}

type entry struct {
	product     domain.Product
	tracked     bool
	lockMode    domain.LockMode
	readVersion int64
}

// Managed is the in-memory copy handed out by a Scope. Mutate Product freely;
// the scope only persists it on Save.
type Managed struct {
	domain.Product
	entry *entry
}

// Tracked reports whether the copy is still attached to its scope.
func (m *Managed) Tracked() bool {
	return m != nil && m.entry != nil && m.entry.tracked
}

type Scope struct {
	tx     port.StoreTx
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	active   bool
	declared []domain.LockMode
	entries  map[entryKey]*entry
}

// Open begins a store transaction and returns the scope that owns it.
func Open(ctx context.Context, store port.RecordStore, opts Options) (*Scope, error) {
	tx, err := store.Begin(ctx, port.TxOptions{ReadOnly: opts.ReadOnly, LockTimeout: opts.LockTimeout})
	if err != nil {
		return nil, fmt.Errorf("open scope: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("transaction opened",
		zap.Bool("read_only", opts.ReadOnly),
		zap.Stringer("lock_intent", opts.LockIntent),
	)

	return &Scope{
		tx:      tx,
		opts:    opts,
		logger:  logger,
		active:  true,
		entries: make(map[entryKey]*entry),
	}, nil
}

// Active is false for a nil scope and after the scope has been closed.
func (s *Scope) Active() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Scope) ReadOnly() bool {
	return s != nil && s.opts.ReadOnly
}

// DeclareLock raises the lock intent of plain finds until the returned
// restore function is called.
func (s *Scope) DeclareLock(mode domain.LockMode) (func(), error) {
	if err := s.ensureActive(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.declared = append(s.declared, mode)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if n := len(s.declared); n > 0 {
			s.declared = s.declared[:n-1]
		}
	}, nil
}

// Find fetches a product honouring the scope's current lock intent.
func (s *Scope) Find(ctx context.Context, kind domain.Kind, id uuid.UUID) (*Managed, error) {
	if err := s.ensureActive(); err != nil {
		return nil, err
	}
	if s.lockIntent() == domain.LockPessimisticWrite {
		return s.FindLocking(ctx, kind, id)
	}

	p, err := s.tx.Read(ctx, kind, id)
	if err != nil {
		return nil, fmt.Errorf("find %s product %s: %w", kind, id, err)
	}
	return s.attach(*p, defaultLockMode(kind))
}

// FindLocking fetches a product and takes its exclusive lock in the same
// call. It blocks while another scope holds the lock.
func (s *Scope) FindLocking(ctx context.Context, kind domain.Kind, id uuid.UUID) (*Managed, error) {
	if err := s.ensureActive(); err != nil {
		return nil, err
	}
	started := time.Now()
	p, err := s.tx.ReadWithLock(ctx, kind, id)
	if err != nil {
		return nil, fmt.Errorf("find %s product %s for update: %w", kind, id, err)
	}
	s.logger.Debug("row lock acquired",
		zap.Stringer("kind", kind),
		zap.Stringer("id", id),
		zap.Duration("waited", time.Since(started)),
	)
	return s.attach(*p, domain.LockPessimisticWrite)
}

// Lock upgrades an already fetched copy to the given lock mode.
func (s *Scope) Lock(ctx context.Context, m *Managed, mode domain.LockMode) error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	if !m.Tracked() {
		return fmt.Errorf("lock %s: %w", productID(m), domain.ErrInconsistentState)
	}
	if mode != domain.LockPessimisticWrite {
		s.mu.Lock()
		if m.entry.lockMode < mode {
			m.entry.lockMode = mode
		}
		s.mu.Unlock()
		return nil
	}

	persisted, err := s.tx.AcquireExclusive(ctx, m.Kind, m.ID)
	if err != nil {
		return fmt.Errorf("lock %s product %s: %w", m.Kind, m.ID, err)
	}
	if err := domain.CheckLockUpgrade(m.Kind, m.entry.readVersion, persisted); err != nil {
		return fmt.Errorf("lock %s product %s: %w", m.Kind, m.ID, err)
	}

	s.mu.Lock()
	m.entry.lockMode = domain.LockPessimisticWrite
	s.mu.Unlock()
	return nil
}

// LockMode reports the lock the scope holds on a tracked copy.
func (s *Scope) LockMode(m *Managed) (domain.LockMode, error) {
	if err := s.ensureActive(); err != nil {
		return domain.LockNone, err
	}
	if !m.Tracked() {
		return domain.LockNone, fmt.Errorf("lock mode of %s: %w", productID(m), domain.ErrInconsistentState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.entry.lockMode, nil
}

// Save writes the copy through the store. Versioned copies are written only
// if the persisted version still matches the version they were read at.
func (s *Scope) Save(ctx context.Context, m *Managed) error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	if !m.Tracked() {
		return fmt.Errorf("save %s: %w", productID(m), domain.ErrInconsistentState)
	}
	if s.opts.ReadOnly {
		return fmt.Errorf("save %s: %w", m.ID, domain.ErrReadOnlyTransaction)
	}

	product := m.Product
	product.UpdatedAt = time.Now().UTC()

	var err error
	if product.Versioned() {
		err = s.tx.WriteIfVersionMatches(ctx, product, m.entry.readVersion)
	} else {
		err = s.tx.Write(ctx, product)
	}
	if err != nil {
		return fmt.Errorf("save %s product %s: %w", m.Kind, m.ID, err)
	}

	if product.Versioned() {
		product.Version = m.entry.readVersion + 1
	}
	s.mu.Lock()
	m.Product = product
	m.entry.product = product
	m.entry.readVersion = product.Version
	s.mu.Unlock()
	return nil
}

// Detach stops tracking the copy. Later lock inspection or saves on it fail.
func (s *Scope) Detach(m *Managed) {
	if s == nil || m == nil || m.entry == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.entry.tracked = false
	delete(s.entries, entryKey{m.Kind, m.ID})
}

func (s *Scope) Commit() error {
	if err := s.deactivate(); err != nil {
		return err
	}
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("transaction committed")
	return nil
}

func (s *Scope) Rollback() error {
	if err := s.deactivate(); err != nil {
		return err
	}
	if err := s.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	s.logger.Debug("transaction rolled back")
	return nil
}

// Close commits when err is nil and rolls back otherwise. On a scope that is
// already closed it only hands err back, so it is safe to defer.
func (s *Scope) Close(err error) error {
	if !s.Active() {
		return err
	}
	if err != nil {
		if rbErr := s.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return s.Commit()
}

func (s *Scope) attach(p domain.Product, mode domain.LockMode) (*Managed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey{p.Kind, p.ID}
	e, ok := s.entries[k]
	if !ok {
		e = &entry{product: p, tracked: true, readVersion: p.Version}
		s.entries[k] = e
	} else if mode == domain.LockPessimisticWrite && e.lockMode < mode {
		// same check as Lock: the locked row must still be at the version the
		// context read it at
		if err := domain.CheckLockUpgrade(p.Kind, e.readVersion, p.Version); err != nil {
			return nil, fmt.Errorf("lock %s product %s: %w", p.Kind, p.ID, err)
		}
	}
	if mode > e.lockMode {
		e.lockMode = mode
	}

	// a row already in the context keeps the state it was first read with
	m := &Managed{Product: e.product, entry: e}
	if s.opts.ReadOnly {
		e.tracked = false
		delete(s.entries, k)
	}
	return m, nil
}

func (s *Scope) lockIntent() domain.LockMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.declared); n > 0 {
		return s.declared[n-1]
	}
	return s.opts.LockIntent
}

func (s *Scope) ensureActive() error {
	if !s.Active() {
		return domain.ErrNoActiveTransaction
	}
	return nil
}

func (s *Scope) deactivate() error {
	if s == nil {
		return domain.ErrNoActiveTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return domain.ErrNoActiveTransaction
	}
	s.active = false
	for _, e := range s.entries {
		e.tracked = false
	}
	s.entries = nil
	return nil
}

func defaultLockMode(kind domain.Kind) domain.LockMode {
	if kind == domain.KindVersioned {
		return domain.LockOptimistic
	}
	return domain.LockNone
}

func productID(m *Managed) string {
	if m == nil {
		return "<nil>"
	}
	return m.ID.String()
}
