package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCatalog serves a fixed catalog from memory. It backs the store API
// when no database is configured.
type MemoryCatalog struct {
	mu       sync.RWMutex
	products []Product
	orders   []Order
}

func NewMemoryCatalog(products []Product, orders []Order) *MemoryCatalog {
	o := make([]Order, len(orders))
	copy(o, orders)
	sort.SliceStable(o, func(i, j int) bool { return o[i].CreatedAt.After(o[j].CreatedAt) })
	p := make([]Product, len(products))
	copy(p, products)
	return &MemoryCatalog{products: p, orders: o}
}

// SeedCatalog returns a small demo catalog.
func SeedCatalog(now time.Time) *MemoryCatalog {
	products := []Product{
		{ID: "p-1001", Name: "Espresso Beans", Price: 14.5, Stock: 120},
		{ID: "p-1002", Name: "Pour Over Kettle", Price: 39.0, Stock: 35},
		{ID: "p-1003", Name: "Ceramic Mug", Price: 9.25, Stock: 300},
	}
	orders := []Order{
		{ID: "o-5001", CreatedAt: now.Add(-3 * time.Hour), TotalAmount: 23.75, Status: "delivered", CustomerID: "c-1"},
		{ID: "o-5002", CreatedAt: now.Add(-2 * time.Hour), TotalAmount: 39.0, Status: "shipped", CustomerID: "c-2"},
		{ID: "o-5003", CreatedAt: now.Add(-time.Hour), TotalAmount: 18.5, Status: "pending", CustomerID: "c-1"},
	}
	return NewMemoryCatalog(products, orders)
}

func (m *MemoryCatalog) Products(ctx context.Context) ([]Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Product, len(m.products))
	copy(out, m.products)
	return out, nil
}

func (m *MemoryCatalog) Orders(ctx context.Context, page, limit int) (OrderPage, error) {
	page, limit = NormalizePage(page, limit)
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := len(m.orders)
	items := []Order{}
	if start := (page - 1) * limit; start < total {
		end := start + limit
		if end > total {
			end = total
		}
		items = append(items, m.orders[start:end]...)
	}
	return OrderPage{Items: items, Total: total, Page: page, Limit: limit, Pages: pageCount(total, limit)}, nil
}

func (m *MemoryCatalog) Close() {}
