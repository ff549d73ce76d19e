// Package scenario races read-modify-write sequences against one seeded
// product and reports what each sequence observed and how it ended.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/record-locks/internal/core/domain"
	"github.com/rl1809/record-locks/internal/core/service"
	"github.com/rl1809/record-locks/internal/core/txscope"
)

// Sequence is one concurrent read, wait, write task.
type Sequence struct {
	Name     string
	Delay    time.Duration
	Mutation domain.Mutation
	Policy   domain.Policy
}

type SequenceResult struct {
	Name          string
	ReadVersion   int64
	ReadSalePrice decimal.Decimal
	Outcome       service.Outcome
	Err           error
	Finished      time.Time
}

type Report struct {
	Name    string
	Kind    domain.Kind
	Results []SequenceResult
	Final   domain.Product
}

// Errors joins the errors of every failed sequence.
func (r Report) Errors() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Name, res.Err))
		}
	}
	return errors.Join(errs...)
}

func (r Report) Result(name string) (SequenceResult, bool) {
	for _, res := range r.Results {
		if res.Name == name {
			return res, true
		}
	}
	return SequenceResult{}, false
}

type Runner struct {
	svc         *service.ProductService
	firstDelay  time.Duration
	secondDelay time.Duration
	logger      *zap.Logger
}

func NewRunner(svc *service.ProductService, firstDelay, secondDelay time.Duration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		svc:         svc,
		firstDelay:  firstDelay,
		secondDelay: secondDelay,
		logger:      logger,
	}
}

// Run seeds the product of the given kind and runs the sequences
// concurrently, each in its own scope. Sequence failures are part of the
// report, not of the returned error; the run fails only when ctx ends.
func (r *Runner) Run(ctx context.Context, name string, kind domain.Kind, seqs ...Sequence) (Report, error) {
	seed, err := r.svc.Seed(ctx, kind)
	if err != nil {
		return Report{}, err
	}

	results := make([]SequenceResult, len(seqs))
	var g errgroup.Group
	for i, seq := range seqs {
		i, seq := i, seq
		g.Go(func() error {
			results[i] = r.runSequence(ctx, kind, seed, seq)
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, fmt.Errorf("scenario %s: %w", name, err)
	}

	final, err := r.svc.Get(ctx, kind, seed.ID)
	if err != nil {
		return Report{}, err
	}

	report := Report{Name: name, Kind: kind, Results: results, Final: final}
	r.logger.Info("scenario finished",
		zap.String("scenario", name),
		zap.Stringer("kind", kind),
		zap.String("final_sale_price", final.SalePrice.StringFixed(2)),
		zap.Int64("final_version", final.Version),
		zap.NamedError("errors", report.Errors()),
	)
	return report, nil
}

func (r *Runner) runSequence(ctx context.Context, kind domain.Kind, seed domain.Product, seq Sequence) SequenceResult {
	res := SequenceResult{Name: seq.Name}
	log := r.logger.With(zap.String("sequence", seq.Name), zap.Stringer("policy", seq.Policy))

	var once sync.Once
	mutation := func(p *domain.Product) {
		once.Do(func() {
			res.ReadVersion = p.Version
			res.ReadSalePrice = p.SalePrice
			log.Info("product read",
				zap.Int64("version", p.Version),
				zap.String("sale_price", p.SalePrice.StringFixed(2)),
				zap.Duration("waiting", seq.Delay),
			)
		})
		sleep(ctx, seq.Delay)
		seq.Mutation(p)
	}

	res.Outcome, res.Err = r.svc.UpdateInScope(ctx, txscope.Options{}, kind, seed.ID, mutation, seq.Policy)
	res.Finished = time.Now()

	if res.Err != nil {
		log.Warn("sequence failed", zap.Error(res.Err))
	} else {
		log.Info("sequence saved",
			zap.Int64("version", res.Outcome.Product.Version),
			zap.String("sale_price", res.Outcome.Product.SalePrice.StringFixed(2)),
			zap.Stringer("lock_mode", res.Outcome.LockMode),
		)
	}
	return res
}

// Versioned races two writers on the versioned product: the first to save
// wins and the slower one fails with domain.ErrVersionConflict.
func (r *Runner) Versioned(ctx context.Context) (Report, error) {
	return r.Run(ctx, "versioned", domain.KindVersioned, r.racingPair(domain.PolicyNoLock)...)
}

// Plain races the same two writers on the plain product: both succeed and
// the slower write overwrites the faster one.
func (r *Runner) Plain(ctx context.Context) (Report, error) {
	return r.Run(ctx, "plain", domain.KindPlain, r.racingPair(domain.PolicyNoLock)...)
}

// LockAtRead runs two incrementing writers that lock at read. The second
// read waits for the first scope to close, so both increments land.
func (r *Runner) LockAtRead(ctx context.Context) (Report, error) {
	step := decimal.RequireFromString("50.00")
	return r.Run(ctx, "lock-at-read", domain.KindPlain,
		Sequence{Name: "sequence-1", Delay: r.firstDelay, Mutation: domain.AddSalePrice(step), Policy: domain.PolicyLockAtRead},
		Sequence{Name: "sequence-2", Delay: r.firstDelay, Mutation: domain.AddSalePrice(step), Policy: domain.PolicyLockAtRead},
	)
}

// WithoutTransaction calls the orchestrator with no scope open.
func (r *Runner) WithoutTransaction(ctx context.Context) (Report, error) {
	seed, err := r.svc.Seed(ctx, domain.KindVersioned)
	if err != nil {
		return Report{}, err
	}

	res := SequenceResult{Name: "no-transaction"}
	res.Outcome, res.Err = r.svc.Update(ctx, nil, domain.KindVersioned, seed.ID,
		domain.SetSalePrice(decimal.RequireFromString("999.00")), domain.PolicyLockAtRead)
	res.Finished = time.Now()

	final, err := r.svc.Get(ctx, domain.KindVersioned, seed.ID)
	if err != nil {
		return Report{}, err
	}
	r.logger.Info("scenario finished",
		zap.String("scenario", "without-transaction"),
		zap.NamedError("errors", res.Err),
	)
	return Report{Name: "without-transaction", Kind: domain.KindVersioned, Results: []SequenceResult{res}, Final: final}, nil
}

func (r *Runner) racingPair(policy domain.Policy) []Sequence {
	return []Sequence{
		{Name: "sequence-1", Delay: r.firstDelay, Mutation: domain.SetSalePrice(decimal.RequireFromString("200.00")), Policy: policy},
		{Name: "sequence-2", Delay: r.secondDelay, Mutation: domain.SetSalePrice(decimal.RequireFromString("300.00")), Policy: policy},
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
