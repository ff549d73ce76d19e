package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/record-locks/internal/core/domain"
	"github.com/rl1809/record-locks/internal/port"
)

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrLockNoWait      = 3572
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id CHAR(36) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		purchase_price DECIMAL(19,2) NOT NULL,
		sale_price DECIMAL(19,2) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS versioned_products (
		id CHAR(36) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		purchase_price DECIMAL(19,2) NOT NULL,
		sale_price DECIMAL(19,2) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		version BIGINT NOT NULL DEFAULT 0
	)`,
}

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) Begin(ctx context.Context, opts port.TxOptions) (port.StoreTx, error) {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}

	if opts.LockTimeout > 0 {
		// innodb only takes whole seconds
		seconds := int64(math.Ceil(opts.LockTimeout.Seconds()))
		if _, err := tx.ExecContext(ctx, `SET SESSION innodb_lock_wait_timeout = ?`, seconds); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("set lock wait timeout: %w", err)
		}
	}

	return &mysqlTx{tx: tx}, nil
}

func (m *MySQLAdapter) Upsert(ctx context.Context, p domain.Product) error {
	var err error
	if p.Versioned() {
		_, err = m.db.ExecContext(ctx, `
			INSERT INTO versioned_products (id, name, purchase_price, sale_price, created_at, updated_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE name = VALUES(name), purchase_price = VALUES(purchase_price),
				sale_price = VALUES(sale_price), updated_at = VALUES(updated_at), version = VALUES(version)`,
			p.ID.String(), p.Name, p.PurchasePrice, p.SalePrice, p.CreatedAt, p.UpdatedAt, p.Version,
		)
	} else {
		_, err = m.db.ExecContext(ctx, `
			INSERT INTO products (id, name, purchase_price, sale_price, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE name = VALUES(name), purchase_price = VALUES(purchase_price),
				sale_price = VALUES(sale_price), updated_at = VALUES(updated_at)`,
			p.ID.String(), p.Name, p.PurchasePrice, p.SalePrice, p.CreatedAt, p.UpdatedAt,
		)
	}
	if err != nil {
		return fmt.Errorf("upsert %s product: %w", p.Kind, err)
	}
	return nil
}

func (m *MySQLAdapter) Get(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error) {
	return scanProduct(m.db.QueryRowContext(ctx, selectProduct(kind, ""), id.String()), kind)
}

func (m *MySQLAdapter) Close() error {
	return m.db.Close()
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) Read(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error) {
	p, err := scanProduct(t.tx.QueryRowContext(ctx, selectProduct(kind, ""), id.String()), kind)
	return p, translateMySQLError(err)
}

func (t *mysqlTx) ReadWithLock(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error) {
	p, err := scanProduct(t.tx.QueryRowContext(ctx, selectProduct(kind, "FOR UPDATE"), id.String()), kind)
	return p, translateMySQLError(err)
}

func (t *mysqlTx) AcquireExclusive(ctx context.Context, kind domain.Kind, id uuid.UUID) (int64, error) {
	var version int64
	err := t.tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ? FOR UPDATE`, versionColumn(kind), kind.Table()),
		id.String(),
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, translateMySQLError(fmt.Errorf("lock %s product: %w", kind, err))
	}
	return version, nil
}

func (t *mysqlTx) Write(ctx context.Context, p domain.Product) error {
	result, err := t.tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET name = ?, purchase_price = ?, sale_price = ?, updated_at = ?
		WHERE id = ?`, p.Kind.Table()),
		p.Name, p.PurchasePrice, p.SalePrice, p.UpdatedAt, p.ID.String(),
	)
	if err != nil {
		return translateMySQLError(fmt.Errorf("update %s product: %w", p.Kind, err))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *mysqlTx) WriteIfVersionMatches(ctx context.Context, p domain.Product, expected int64) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE versioned_products
		SET name = ?, purchase_price = ?, sale_price = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		p.Name, p.PurchasePrice, p.SalePrice, p.UpdatedAt, p.ID.String(), expected,
	)
	if err != nil {
		return translateMySQLError(fmt.Errorf("update versioned product: %w", err))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

func (t *mysqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *mysqlTx) Rollback() error {
	return t.tx.Rollback()
}

func versionColumn(kind domain.Kind) string {
	if kind == domain.KindVersioned {
		return "version"
	}
	return "0"
}

func selectProduct(kind domain.Kind, suffix string) string {
	return fmt.Sprintf(`
		SELECT id, name, purchase_price, sale_price, created_at, updated_at, %s
		FROM %s WHERE id = ? %s`, versionColumn(kind), kind.Table(), suffix)
}

func scanProduct(row *sql.Row, kind domain.Kind) (*domain.Product, error) {
	p := domain.Product{Kind: kind}
	err := row.Scan(&p.ID, &p.Name, &p.PurchasePrice, &p.SalePrice, &p.CreatedAt, &p.UpdatedAt, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query %s product: %w", kind, err)
	}
	return &p, nil
}

// translateMySQLError maps lock wait failures onto domain.ErrLockTimeout and
// keeps the driver error in the chain.
func translateMySQLError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrLockWaitTimeout, mysqlErrLockNoWait:
			return fmt.Errorf("%w: %w", domain.ErrLockTimeout, err)
		}
	}
	return err
}
