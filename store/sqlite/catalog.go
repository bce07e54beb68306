/*
catalog.go - Product catalog backing the mark-as-sold workflow

PURPOSE:
  The catalog is the collaborator that feeds the settlement engine:
  marking a product sold supplies (sellerId, sellingPrice, costPrice)
  for one RecordSale call. The sold transition is a conditional update
  so a product can be sold exactly once, even under concurrent requests.

COMPENSATION:
  MarkProductSold and RecordSale are separate stores of truth and are
  not wrapped in one transaction. The API layer marks the product sold
  first (claiming it), runs RecordSale, and calls RevertProductSale if
  settlement fails.

SEE ALSO:
  - sqlite.go: Store type and schema
  - api/handlers.go: The sell endpoint wiring catalog to engine
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crewshare/settlement-engine/ledger"
)

// Product statuses.
const (
	ProductNotSold = "not_sold"
	ProductSold    = "sold"
)

// Product is one catalog item.
type Product struct {
	ID           string
	Code         string
	Name         string
	CostPrice    decimal.Decimal
	SellingPrice decimal.Decimal
	Status       string
	SoldBy       ledger.MemberID
	SoldAt       *time.Time
	Profit       decimal.Decimal
	CreatedAt    time.Time
}

// =============================================================================
// PRODUCT CATALOG
// =============================================================================

// SaveProduct inserts a new product.
func (s *Store) SaveProduct(ctx context.Context, p Product) error {
	if p.Status == "" {
		p.Status = ProductNotSold
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO products (id, code, name, cost_price, selling_price, status, sold_by, sold_at, profit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Code, p.Name,
		ledger.Canon(p.CostPrice), ledger.Canon(p.SellingPrice),
		p.Status, string(p.SoldBy), nullTime(p.SoldAt), ledger.Canon(p.Profit),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("%w: save product: %v", ledger.ErrStorage, err)
	}
	return nil
}

// GetProduct returns one product by id.
func (s *Store) GetProduct(ctx context.Context, id string) (*Product, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, code, name, cost_price, selling_price, status, sold_by, sold_at, created_at, profit
		FROM products WHERE id = ?`, id)
	return scanProduct(row)
}

// ListProducts returns products, newest first, optionally by status.
func (s *Store) ListProducts(ctx context.Context, status string) ([]Product, error) {
	query := `SELECT id, code, name, cost_price, selling_price, status, sold_by, sold_at, created_at, profit
		FROM products`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list products: %v", ledger.ErrStorage, err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// UpdateProductPrices changes cost/selling price of an unsold product.
func (s *Store) UpdateProductPrices(ctx context.Context, id string, costPrice, sellingPrice decimal.Decimal) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE products SET cost_price = ?, selling_price = ? WHERE id = ? AND status = ?",
		ledger.Canon(costPrice), ledger.Canon(sellingPrice), id, ProductNotSold)
	if err != nil {
		return fmt.Errorf("%w: update product: %v", ledger.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.productMissReason(ctx, id)
	}
	return nil
}

// DeleteProduct removes an unsold product. Sold products are part of the
// audit trail and cannot be deleted.
func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx,
		"DELETE FROM products WHERE id = ? AND status = ?", id, ProductNotSold)
	if err != nil {
		return fmt.Errorf("%w: delete product: %v", ledger.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.productMissReason(ctx, id)
	}
	return nil
}

// MarkProductSold claims the product for one sale. The status condition
// makes the transition first-caller-wins: a second sale attempt gets
// ErrProductAlreadySold.
func (s *Store) MarkProductSold(ctx context.Context, id string, sellingPrice decimal.Decimal, soldBy ledger.MemberID, at time.Time) (*Product, error) {
	p, err := s.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	profit := sellingPrice.Sub(p.CostPrice)
	res, err := s.q.ExecContext(ctx, `
		UPDATE products SET selling_price = ?, status = ?, sold_by = ?, sold_at = ?, profit = ?
		WHERE id = ? AND status = ?`,
		ledger.Canon(sellingPrice), ProductSold, string(soldBy),
		at.UTC().Format(time.RFC3339), ledger.Canon(profit),
		id, ProductNotSold)
	if err != nil {
		return nil, fmt.Errorf("%w: mark sold: %v", ledger.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ledger.ErrProductAlreadySold
	}

	return s.GetProduct(ctx, id)
}

// RevertProductSale puts a product back on the shelf after a failed
// settlement. Compensation path only.
func (s *Store) RevertProductSale(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE products SET status = ?, sold_by = '', sold_at = NULL, profit = '0'
		WHERE id = ? AND status = ?`,
		ProductNotSold, id, ProductSold)
	if err != nil {
		return fmt.Errorf("%w: revert sale: %v", ledger.ErrStorage, err)
	}
	return nil
}

// productMissReason distinguishes "not found" from "already sold" after
// a conditional update touched zero rows.
func (s *Store) productMissReason(ctx context.Context, id string) error {
	if _, err := s.GetProduct(ctx, id); err != nil {
		return err
	}
	return ledger.ErrProductAlreadySold
}

func scanProduct(r rowScanner) (*Product, error) {
	var (
		p                        Product
		soldBy                   string
		cost, price, profit      string
		soldAt                   sql.NullString
		createdAt                string
	)
	err := r.Scan(&p.ID, &p.Code, &p.Name, &cost, &price, &p.Status, &soldBy, &soldAt, &createdAt, &profit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan product: %v", ledger.ErrStorage, err)
	}

	p.SoldBy = ledger.MemberID(soldBy)
	if p.CostPrice, err = decimal.NewFromString(cost); err != nil {
		return nil, &ledger.InvariantError{Message: fmt.Sprintf("malformed cost_price %q", cost)}
	}
	if p.SellingPrice, err = decimal.NewFromString(price); err != nil {
		return nil, &ledger.InvariantError{Message: fmt.Sprintf("malformed selling_price %q", price)}
	}
	if p.Profit, err = decimal.NewFromString(profit); err != nil {
		return nil, &ledger.InvariantError{Message: fmt.Sprintf("malformed profit %q", profit)}
	}
	if p.SoldAt, err = parseNullTime(soldAt); err != nil {
		return nil, &ledger.InvariantError{Message: fmt.Sprintf("malformed sold_at %q", soldAt.String)}
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, &ledger.InvariantError{Message: fmt.Sprintf("malformed created_at %q", createdAt)}
	}
	return &p, nil
}
