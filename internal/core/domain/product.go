package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind selects which table a product lives in. Plain and versioned products
// share one shape; only versioned ones are guarded by the version column.
type Kind int

const (
	KindPlain Kind = iota
	KindVersioned
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindVersioned:
		return "versioned"
	default:
		return "unknown"
	}
}

// Table is the storage name used by every backend for the kind.
func (k Kind) Table() string {
	if k == KindVersioned {
		return "versioned_products"
	}
	return "products"
}

type Product struct {
	ID            uuid.UUID
	Kind          Kind
	Name          string
	PurchasePrice decimal.Decimal
	SalePrice     decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int64 // optimistic locking, KindVersioned only
}

func (p Product) Versioned() bool {
	return p.Kind == KindVersioned
}

// Mutation changes the private in-memory copy of a product before it is saved.
type Mutation func(*Product)

// SetSalePrice returns a mutation that overwrites the sale price.
func SetSalePrice(price decimal.Decimal) Mutation {
	return func(p *Product) {
		p.SalePrice = price
	}
}

// AddSalePrice returns a mutation that adds delta to the current sale price.
func AddSalePrice(delta decimal.Decimal) Mutation {
	return func(p *Product) {
		p.SalePrice = p.SalePrice.Add(delta)
	}
}

var SeedProductID = uuid.MustParse("48446e80-2507-454b-9071-80711e1adafc")

// SeedProduct is the fixture every scenario starts from.
func SeedProduct(kind Kind) Product {
	now := time.Now().UTC()
	return Product{
		ID:            SeedProductID,
		Kind:          kind,
		Name:          "Produto 1",
		PurchasePrice: decimal.RequireFromString("100.00"),
		SalePrice:     decimal.RequireFromString("150.00"),
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       0,
	}
}
