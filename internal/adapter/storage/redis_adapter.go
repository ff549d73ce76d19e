package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/record-locks/internal/core/domain"
	"github.com/rl1809/record-locks/internal/port"
)

const (
	productKeyPrefix = "product:"
	lockKeyPrefix    = "lock:"
	lockPollInterval = 10 * time.Millisecond
	defaultLockLease = 30 * time.Second
)

var errLockLost = errors.New("row lock lease expired")

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// commitRowsScript writes every staged row, or none of them, while the
// caller still owns all their row locks. KEYS holds lock/row key pairs;
// ARGV is the lock token, the field count per row, then each row's fields.
var commitRowsScript = redis.NewScript(`
local n = tonumber(ARGV[2])
for i = 1, #KEYS, 2 do
	if redis.call('GET', KEYS[i]) ~= ARGV[1] then
		return 0
	end
end
for i = 1, #KEYS, 2 do
	local first = 3 + ((i - 1) / 2) * n
	redis.call('HSET', KEYS[i + 1], unpack(ARGV, first, first + n - 1))
end
return 1
`)

// RedisAdapter stores each product as a hash. Row locks are lease keys
// owned by a per-transaction token.
type RedisAdapter struct {
	client    *redis.Client
	lockLease time.Duration
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client, lockLease: defaultLockLease}
}

func (r *RedisAdapter) EnsureSchema(ctx context.Context) error {
	return nil
}

func (r *RedisAdapter) Begin(ctx context.Context, opts port.TxOptions) (port.StoreTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &redisTx{
		store:   r,
		opts:    opts,
		token:   uuid.NewString(),
		held:    make(map[string]struct{}),
		pending: make(map[string]domain.Product),
	}, nil
}

func (r *RedisAdapter) Upsert(ctx context.Context, p domain.Product) error {
	return r.client.HSet(ctx, productKey(p.Kind, p.ID), productFields(p)...).Err()
}

func (r *RedisAdapter) Get(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error) {
	fields, err := r.client.HGetAll(ctx, productKey(kind, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s product: %w", kind, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return parseProduct(kind, id, fields)
}

func (r *RedisAdapter) Close() error {
	return r.client.Close()
}

type redisTx struct {
	store *RedisAdapter
	opts  port.TxOptions
	token string

	mu      sync.Mutex
	done    bool
	held    map[string]struct{}
	pending map[string]domain.Product
}

func (t *redisTx) Read(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.load(ctx, kind, id)
}

func (t *redisTx) ReadWithLock(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if err := t.lock(ctx, kind, id); err != nil {
		return nil, err
	}
	return t.load(ctx, kind, id)
}

func (t *redisTx) AcquireExclusive(ctx context.Context, kind domain.Kind, id uuid.UUID) (int64, error) {
	p, err := t.ReadWithLock(ctx, kind, id)
	if err != nil {
		return 0, err
	}
	return p.Version, nil
}

func (t *redisTx) Write(ctx context.Context, p domain.Product) error {
	current, err := t.prepareWrite(ctx, p)
	if err != nil {
		return err
	}
	p.Version = domain.ResolvePlainWrite(current.Version).NextVersion
	t.stage(p)
	return nil
}

func (t *redisTx) WriteIfVersionMatches(ctx context.Context, p domain.Product, expected int64) error {
	current, err := t.prepareWrite(ctx, p)
	if err != nil {
		return err
	}
	next, err := domain.ResolveVersionedWrite(current.Version, expected)
	if err != nil {
		return err
	}
	p.Version = next
	t.stage(p)
	return nil
}

func (t *redisTx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}

	ctx := context.Background()
	var commitErr error
	if len(t.pending) > 0 {
		keys := make([]string, 0, 2*len(t.pending))
		args := []any{t.token, productFieldCount}
		for key, p := range t.pending {
			keys = append(keys, lockKey(p.Kind, p.ID), key)
			args = append(args, productFields(p)...)
		}
		ok, err := commitRowsScript.Run(ctx, t.store.client, keys, args...).Int()
		switch {
		case err != nil:
			commitErr = fmt.Errorf("commit %d staged products: %w", len(t.pending), err)
		case ok == 0:
			commitErr = fmt.Errorf("commit %d staged products: %w", len(t.pending), errLockLost)
		}
	}

	t.finish(ctx)
	return commitErr
}

func (t *redisTx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.finish(context.Background())
	return nil
}

// finish releases every lock lease the transaction owns. Caller holds t.mu.
func (t *redisTx) finish(ctx context.Context) {
	t.done = true
	t.pending = nil
	for key := range t.held {
		releaseLockScript.Run(ctx, t.store.client, []string{key}, t.token)
	}
	t.held = nil
}

func (t *redisTx) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}
	return nil
}

func (t *redisTx) prepareWrite(ctx context.Context, p domain.Product) (*domain.Product, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if t.opts.ReadOnly {
		return nil, domain.ErrReadOnlyTransaction
	}
	if err := t.lock(ctx, p.Kind, p.ID); err != nil {
		return nil, err
	}
	return t.load(ctx, p.Kind, p.ID)
}

func (t *redisTx) load(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error) {
	t.mu.Lock()
	p, ok := t.pending[productKey(kind, id)]
	t.mu.Unlock()
	if ok {
		return &p, nil
	}
	return t.store.Get(ctx, kind, id)
}

func (t *redisTx) stage(p domain.Product) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[productKey(p.Kind, p.ID)] = p
}

// lock polls SET NX on the lease key until it is acquired, the context ends
// or the lock timeout elapses.
func (t *redisTx) lock(ctx context.Context, kind domain.Kind, id uuid.UUID) error {
	key := lockKey(kind, id)

	t.mu.Lock()
	_, owned := t.held[key]
	t.mu.Unlock()
	if owned {
		return nil
	}

	var deadline <-chan time.Time
	if t.opts.LockTimeout > 0 {
		timer := time.NewTimer(t.opts.LockTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := t.store.client.SetNX(ctx, key, t.token, t.store.lockLease).Result()
		if err != nil {
			return fmt.Errorf("acquire lock on %s %s: %w", kind, id, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("acquire lock on %s %s: %w", kind, id, ctx.Err())
		case <-deadline:
			return fmt.Errorf("acquire lock on %s %s: %w", kind, id, domain.ErrLockTimeout)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		releaseLockScript.Run(context.Background(), t.store.client, []string{key}, t.token)
		return errTxDone
	}
	t.held[key] = struct{}{}
	return nil
}

func productKey(kind domain.Kind, id uuid.UUID) string {
	return productKeyPrefix + kind.Table() + ":" + id.String()
}

func lockKey(kind domain.Kind, id uuid.UUID) string {
	return lockKeyPrefix + kind.Table() + ":" + id.String()
}

// productFieldCount is len(productFields(p)).
const productFieldCount = 12

func productFields(p domain.Product) []any {
	return []any{
		"name", p.Name,
		"purchase_price", p.PurchasePrice.StringFixed(2),
		"sale_price", p.SalePrice.StringFixed(2),
		"created_at", p.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at", p.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"version", strconv.FormatInt(p.Version, 10),
	}
}

func parseProduct(kind domain.Kind, id uuid.UUID, fields map[string]string) (*domain.Product, error) {
	p := domain.Product{ID: id, Kind: kind, Name: fields["name"]}

	var err error
	if p.PurchasePrice, err = decimal.NewFromString(fields["purchase_price"]); err != nil {
		return nil, fmt.Errorf("parse purchase_price: %w", err)
	}
	if p.SalePrice, err = decimal.NewFromString(fields["sale_price"]); err != nil {
		return nil, fmt.Errorf("parse sale_price: %w", err)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if p.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse version: %w", err)
	}
	return &p, nil
}
