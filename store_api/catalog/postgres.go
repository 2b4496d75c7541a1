package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCatalog reads the store's products and orders tables.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

// NewPostgresCatalog connects a pool and verifies it with a ping.
func NewPostgresCatalog(ctx context.Context, connString string) (*PostgresCatalog, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse catalog dsn: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping catalog database: %w", err)
	}
	return &PostgresCatalog{pool: pool}, nil
}

func (c *PostgresCatalog) Close() {
	c.pool.Close()
}

func (c *PostgresCatalog) Products(ctx context.Context) ([]Product, error) {
	rows, err := c.pool.Query(ctx, `SELECT id::text, name, price::float8, stock FROM products ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Product, error) {
		var p Product
		err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Stock)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan products: %w", err)
	}
	if products == nil {
		products = []Product{}
	}
	return products, nil
}

func (c *PostgresCatalog) Orders(ctx context.Context, page, limit int) (OrderPage, error) {
	page, limit = NormalizePage(page, limit)

	var total int
	if err := c.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders`).Scan(&total); err != nil {
		return OrderPage{}, fmt.Errorf("count orders: %w", err)
	}

	rows, err := c.pool.Query(ctx, `
		SELECT id::text, created_at, total_amount::float8, status, COALESCE(customer_id::text, '')
		FROM orders
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, (page-1)*limit)
	if err != nil {
		return OrderPage{}, fmt.Errorf("query orders: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Order, error) {
		var o Order
		err := row.Scan(&o.ID, &o.CreatedAt, &o.TotalAmount, &o.Status, &o.CustomerID)
		return o, err
	})
	if err != nil {
		return OrderPage{}, fmt.Errorf("scan orders: %w", err)
	}
	if items == nil {
		items = []Order{}
	}

	return OrderPage{Items: items, Total: total, Page: page, Limit: limit, Pages: pageCount(total, limit)}, nil
}
