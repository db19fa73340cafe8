package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Statements run one by one; neither driver is asked to accept a
// multi-statement string. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		sku VARCHAR(255) NOT NULL PRIMARY KEY,
		version_number INT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS batches (
		reference VARCHAR(255) NOT NULL PRIMARY KEY,
		sku VARCHAR(255) NOT NULL,
		purchased_quantity INT NOT NULL,
		eta VARCHAR(10) NULL,
		seq INT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS allocations (
		batchref VARCHAR(255) NOT NULL,
		orderid VARCHAR(255) NOT NULL,
		sku VARCHAR(255) NOT NULL,
		qty INT NOT NULL,
		PRIMARY KEY (batchref, orderid, sku, qty)
	)`,
	`CREATE TABLE IF NOT EXISTS allocations_view (
		orderid VARCHAR(255) NOT NULL,
		sku VARCHAR(255) NOT NULL,
		batchref VARCHAR(255) NOT NULL,
		PRIMARY KEY (orderid, sku)
	)`,
}

// Migrate creates the tables used by SQLStore if they are missing.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
