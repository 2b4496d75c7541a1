// Package catalog is the read-only product and order boundary the store
// API serves, and the target of HTTP load generation.
package catalog

import (
	"context"
	"time"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

type Product struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Stock int     `json:"stock"`
}

type Order struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	TotalAmount float64   `json:"total_amount"`
	Status      string    `json:"status"`
	CustomerID  string    `json:"customer_id,omitempty"`
}

// OrderPage is one page of orders, newest first.
type OrderPage struct {
	Items []Order `json:"items"`
	Total int     `json:"total"`
	Page  int     `json:"page"`
	Limit int     `json:"limit"`
	Pages int     `json:"pages"`
}

// Catalog lists products and orders.
type Catalog interface {
	Products(ctx context.Context) ([]Product, error)
	Orders(ctx context.Context, page, limit int) (OrderPage, error)
	Close()
}

// NormalizePage clamps page and limit to valid values.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

func pageCount(total, limit int) int {
	if total == 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
