package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/record-locks/internal/core/domain"
	"github.com/rl1809/record-locks/internal/core/repository"
	"github.com/rl1809/record-locks/internal/core/txscope"
	"github.com/rl1809/record-locks/internal/port"
)

// Outcome is what an update or inspection observed at its final check.
type Outcome struct {
	LockMode          domain.LockMode
	TransactionActive bool
	Product           domain.Product
}

type ProductService struct {
	store       port.RecordStore
	repos       map[domain.Kind]*repository.ProductRepository
	lockTimeout time.Duration
	logger      *zap.Logger
}

func NewProductService(store port.RecordStore, lockTimeout time.Duration, logger *zap.Logger) *ProductService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProductService{
		store: store,
		repos: map[domain.Kind]*repository.ProductRepository{
			domain.KindPlain:     repository.NewProductRepository(domain.KindPlain),
			domain.KindVersioned: repository.NewProductRepository(domain.KindVersioned),
		},
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// Seed inserts the fixture product, or resets it when it already exists.
func (s *ProductService) Seed(ctx context.Context, kind domain.Kind) (domain.Product, error) {
	product := domain.SeedProduct(kind)
	if err := s.store.Upsert(ctx, product); err != nil {
		return domain.Product{}, fmt.Errorf("seed %s product: %w", kind, err)
	}
	s.logger.Info("product seeded",
		zap.Stringer("kind", kind),
		zap.Stringer("id", product.ID),
		zap.String("sale_price", product.SalePrice.StringFixed(2)),
	)
	return product, nil
}

// Get reads the committed state of a product outside any scope.
func (s *ProductService) Get(ctx context.Context, kind domain.Kind, id uuid.UUID) (domain.Product, error) {
	p, err := s.store.Get(ctx, kind, id)
	if err != nil {
		return domain.Product{}, fmt.Errorf("get %s product %s: %w", kind, id, err)
	}
	return *p, nil
}

// OpenScope opens a transaction boundary with the service's lock timeout and
// logger unless opts sets its own.
func (s *ProductService) OpenScope(ctx context.Context, opts txscope.Options) (*txscope.Scope, error) {
	if opts.LockTimeout == 0 {
		opts.LockTimeout = s.lockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	return txscope.Open(ctx, s.store, opts)
}

// RunInScope runs fn inside a fresh scope. The scope commits when fn returns
// nil and rolls back otherwise; either way its locks are released.
func (s *ProductService) RunInScope(ctx context.Context, opts txscope.Options, fn func(*txscope.Scope) error) (err error) {
	scope, err := s.OpenScope(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = scope.Rollback()
			panic(p)
		}
		err = scope.Close(err)
	}()
	return fn(scope)
}

// Inspect fetches the product under the policy and reports the lock mode the
// scope holds on it, without changing it.
func (s *ProductService) Inspect(ctx context.Context, scope *txscope.Scope, kind domain.Kind, id uuid.UUID, policy domain.Policy) (Outcome, error) {
	return s.run(ctx, scope, kind, id, policy, nil)
}

// Update runs one read-modify-write sequence under the policy. Conflicts are
// returned to the caller as they happen; nothing is retried.
func (s *ProductService) Update(ctx context.Context, scope *txscope.Scope, kind domain.Kind, id uuid.UUID, mutation domain.Mutation, policy domain.Policy) (Outcome, error) {
	if mutation == nil {
		return Outcome{}, fmt.Errorf("update %s product %s: nil mutation", kind, id)
	}
	return s.run(ctx, scope, kind, id, policy, mutation)
}

// UpdateInScope wraps Update in its own scope.
func (s *ProductService) UpdateInScope(ctx context.Context, opts txscope.Options, kind domain.Kind, id uuid.UUID, mutation domain.Mutation, policy domain.Policy) (Outcome, error) {
	var out Outcome
	err := s.RunInScope(ctx, opts, func(scope *txscope.Scope) error {
		var err error
		out, err = s.Update(ctx, scope, kind, id, mutation, policy)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (s *ProductService) run(ctx context.Context, scope *txscope.Scope, kind domain.Kind, id uuid.UUID, policy domain.Policy, mutation domain.Mutation) (Outcome, error) {
	if !scope.Active() {
		return Outcome{}, fmt.Errorf("%s on %s product %s: %w", policy, kind, id, domain.ErrNoActiveTransaction)
	}
	repo, ok := s.repos[kind]
	if !ok {
		return Outcome{}, fmt.Errorf("unknown product kind %d", kind)
	}

	// lock-at-call holds its declaration for the whole operation; no-lock
	// masks whatever the caller's scope declared
	switch policy {
	case domain.PolicyLockAtCall, domain.PolicyNoLock:
		mode := domain.LockPessimisticWrite
		if policy == domain.PolicyNoLock {
			mode = domain.LockNone
		}
		restore, err := scope.DeclareLock(mode)
		if err != nil {
			return Outcome{}, err
		}
		defer restore()
	}

	product, err := s.fetch(ctx, scope, repo, id, policy)
	if err != nil {
		return Outcome{}, err
	}

	if mutation != nil {
		mutation(&product.Product)
		if err := scope.Save(ctx, product); err != nil {
			return Outcome{}, err
		}
	}

	mode, err := scope.LockMode(product)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		LockMode:          mode,
		TransactionActive: scope.Active(),
		Product:           product.Product,
	}
	s.logger.Debug("sequence finished",
		zap.Stringer("policy", policy),
		zap.Stringer("kind", kind),
		zap.Bool("transaction_active", out.TransactionActive),
		zap.Stringer("lock_mode", out.LockMode),
		zap.Int64("version", out.Product.Version),
	)
	return out, nil
}

func (s *ProductService) fetch(ctx context.Context, scope *txscope.Scope, repo *repository.ProductRepository, id uuid.UUID, policy domain.Policy) (*txscope.Managed, error) {
	switch policy {
	case domain.PolicyLockAtRead:
		return repo.FindByIDLocking(ctx, scope, id)
	case domain.PolicyLockAtCall, domain.PolicyLockDeclaredByCaller, domain.PolicyNoLock:
		return repo.FindByID(ctx, scope, id)
	case domain.PolicyExplicitLock:
		product, err := repo.FindByID(ctx, scope, id)
		if err != nil {
			return nil, err
		}
		if err := scope.Lock(ctx, product, domain.LockPessimisticWrite); err != nil {
			return nil, err
		}
		return product, nil
	default:
		return nil, fmt.Errorf("unknown lock policy %d", policy)
	}
}
