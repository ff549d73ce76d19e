package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rl1809/record-locks/internal/core/domain"
	"github.com/rl1809/record-locks/internal/port"
)

const pgLockNotAvailable = "55P03"

type productRow struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Name          string          `gorm:"not null"`
	PurchasePrice decimal.Decimal `gorm:"type:numeric(19,2);not null"`
	SalePrice     decimal.Decimal `gorm:"type:numeric(19,2);not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (productRow) TableName() string { return domain.KindPlain.Table() }

type versionedProductRow struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Name          string          `gorm:"not null"`
	PurchasePrice decimal.Decimal `gorm:"type:numeric(19,2);not null"`
	SalePrice     decimal.Decimal `gorm:"type:numeric(19,2);not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int64 `gorm:"not null;default:0"`
}

func (versionedProductRow) TableName() string { return domain.KindVersioned.Table() }

// PostgresStore is the gorm-backed record store. Row locks are SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(dsn string, cfg *gorm.Config) (*PostgresStore, error) {
	if cfg == nil {
		cfg = &gorm.Config{}
	}
	db, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&productRow{}, &versionedProductRow{}); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context, opts port.TxOptions) (port.StoreTx, error) {
	tx := s.db.WithContext(ctx).Begin(&sql.TxOptions{ReadOnly: opts.ReadOnly})
	if tx.Error != nil {
		return nil, fmt.Errorf("begin tx: %w", tx.Error)
	}

	if opts.LockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", opts.LockTimeout.Milliseconds())
		if err := tx.Exec(stmt).Error; err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("set lock timeout: %w", err)
		}
	}

	return &postgresTx{tx: tx}, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, p domain.Product) error {
	db := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true})

	var err error
	if p.Versioned() {
		err = db.Create(toVersionedRow(p)).Error
	} else {
		err = db.Create(toPlainRow(p)).Error
	}
	if err != nil {
		return fmt.Errorf("upsert %s product: %w", p.Kind, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error) {
	return findProduct(s.db.WithContext(ctx), kind, id)
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type postgresTx struct {
	tx *gorm.DB
}

func (t *postgresTx) Read(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error) {
	return findProduct(t.tx.WithContext(ctx), kind, id)
}

func (t *postgresTx) ReadWithLock(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error) {
	return findProduct(t.tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), kind, id)
}

func (t *postgresTx) AcquireExclusive(ctx context.Context, kind domain.Kind, id uuid.UUID) (int64, error) {
	p, err := t.ReadWithLock(ctx, kind, id)
	if err != nil {
		return 0, err
	}
	return p.Version, nil
}

func (t *postgresTx) Write(ctx context.Context, p domain.Product) error {
	result := t.tx.WithContext(ctx).
		Table(p.Kind.Table()).
		Where("id = ?", p.ID).
		Updates(map[string]any{
			"name":           p.Name,
			"purchase_price": p.PurchasePrice,
			"sale_price":     p.SalePrice,
			"updated_at":     p.UpdatedAt,
		})
	if result.Error != nil {
		return translatePostgresError(fmt.Errorf("update %s product: %w", p.Kind, result.Error))
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *postgresTx) WriteIfVersionMatches(ctx context.Context, p domain.Product, expected int64) error {
	result := t.tx.WithContext(ctx).
		Model(&versionedProductRow{}).
		Where("id = ? AND version = ?", p.ID, expected).
		Updates(map[string]any{
			"name":           p.Name,
			"purchase_price": p.PurchasePrice,
			"sale_price":     p.SalePrice,
			"updated_at":     p.UpdatedAt,
			"version":        gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return translatePostgresError(fmt.Errorf("update versioned product: %w", result.Error))
	}
	if result.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

func (t *postgresTx) Commit() error {
	return t.tx.Commit().Error
}

func (t *postgresTx) Rollback() error {
	return t.tx.Rollback().Error
}

func findProduct(db *gorm.DB, kind domain.Kind, id uuid.UUID) (*domain.Product, error) {
	var (
		p   domain.Product
		err error
	)
	if kind == domain.KindVersioned {
		var row versionedProductRow
		err = db.Take(&row, "id = ?", id).Error
		p = fromVersionedRow(row)
	} else {
		var row productRow
		err = db.Take(&row, "id = ?", id).Error
		p = fromPlainRow(row)
	}
	if err != nil {
		return nil, translatePostgresError(fmt.Errorf("query %s product: %w", kind, err))
	}
	return &p, nil
}

func toPlainRow(p domain.Product) *productRow {
	return &productRow{
		ID:            p.ID,
		Name:          p.Name,
		PurchasePrice: p.PurchasePrice,
		SalePrice:     p.SalePrice,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func toVersionedRow(p domain.Product) *versionedProductRow {
	return &versionedProductRow{
		ID:            p.ID,
		Name:          p.Name,
		PurchasePrice: p.PurchasePrice,
		SalePrice:     p.SalePrice,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
		Version:       p.Version,
	}
}

func fromPlainRow(r productRow) domain.Product {
	return domain.Product{
		ID:            r.ID,
		Kind:          domain.KindPlain,
		Name:          r.Name,
		PurchasePrice: r.PurchasePrice,
		SalePrice:     r.SalePrice,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func fromVersionedRow(r versionedProductRow) domain.Product {
	return domain.Product{
		ID:            r.ID,
		Kind:          domain.KindVersioned,
		Name:          r.Name,
		PurchasePrice: r.PurchasePrice,
		SalePrice:     r.SalePrice,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Version:       r.Version,
	}
}

// translatePostgresError converts gorm and pgx errors into domain errors.
func translatePostgresError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return fmt.Errorf("%w: %w", domain.ErrLockTimeout, err)
	}
	return err
}
