package scenario

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/record-locks/internal/core/domain"
	"github.com/rl1809/record-locks/internal/core/txscope"
)

type PolicyReport struct {
	Policy            domain.Policy
	TransactionActive bool
	LockMode          domain.LockMode
	Err               error
}

// Policies inspects the seeded product once per policy, each in its own
// scope. The caller-declared policy gets a scope that declares the lock, as
// a caller relying on it would.
func (r *Runner) Policies(ctx context.Context, kind domain.Kind) ([]PolicyReport, error) {
	seed, err := r.svc.Seed(ctx, kind)
	if err != nil {
		return nil, err
	}

	reports := make([]PolicyReport, 0, len(domain.Policies))
	for _, policy := range domain.Policies {
		opts := txscope.Options{}
		if policy == domain.PolicyLockDeclaredByCaller {
			opts.LockIntent = domain.LockPessimisticWrite
		}

		rep := PolicyReport{Policy: policy}
		rep.Err = r.svc.RunInScope(ctx, opts, func(scope *txscope.Scope) error {
			out, err := r.svc.Inspect(ctx, scope, kind, seed.ID, policy)
			rep.TransactionActive = out.TransactionActive
			rep.LockMode = out.LockMode
			return err
		})

		r.logger.Info("policy inspected",
			zap.Stringer("policy", policy),
			zap.Stringer("kind", kind),
			zap.Bool("transaction_active", rep.TransactionActive),
			zap.Stringer("lock_mode", rep.LockMode),
			zap.NamedError("error", rep.Err),
		)
		reports = append(reports, rep)
	}
	return reports, nil
}
