package postgres

import (
	"context"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	email         TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'customer',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS orders (
	order_id                TEXT PRIMARY KEY,
	user_email              TEXT NOT NULL,
	order_date              TIMESTAMPTZ NOT NULL DEFAULT now(),
	total_amount            NUMERIC(12,2) NOT NULL CHECK (total_amount > 0),
	status                  TEXT NOT NULL DEFAULT 'Pending Payment Confirmation',
	checkout_request_id     TEXT UNIQUE,
	mpesa_receipt_number    TEXT,
	mpesa_transaction_date  TIMESTAMPTZ,
	personalization_name    TEXT,
	personalization_phone   TEXT,
	personalization_message TEXT,
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_orders_user_date ON orders (user_email, order_date DESC);

CREATE TABLE IF NOT EXISTS order_items (
	id             BIGSERIAL PRIMARY KEY,
	order_id       TEXT NOT NULL REFERENCES orders(order_id) ON DELETE CASCADE,
	meal_id        INT NOT NULL,
	meal_name      TEXT NOT NULL,
	quantity       INT NOT NULL CHECK (quantity > 0),
	price_per_item NUMERIC(12,2) NOT NULL CHECK (price_per_item >= 0)
);

CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items (order_id);
`

// Migrate creates the kitchen tables if they are missing.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	log.Println("checking database schema...")
	_, err := db.Exec(ctx, schema)
	return err
}
