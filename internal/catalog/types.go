// Package catalog defines the product catalog data model and the store
// interface the crawl pipeline persists into.
package catalog

import (
	"errors"
	"time"
)

// PageType distinguishes the two page shapes the crawler understands.
type PageType string

// Page types carried through the frontier queues.
const (
	PageTypeCategory PageType = "category"
	PageTypeItem     PageType = "item"
)

// ErrNotFound is returned for lookups of absent records.
var ErrNotFound = errors.New("catalog: not found")

// Category is one node of a store's taxonomy forest. ParentID is nil for
// roots. RemovedAt marks soft deletion.
type Category struct {
	ID        int64      `json:"id"`
	Store     string     `json:"store"`
	Title     string     `json:"title"`
	URL       string     `json:"url"`
	ParentID  *int64     `json:"parent_id,omitempty"`
	AddedAt   time.Time  `json:"added_at"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

// Item is a product. (Store, SKU) is the stable identity; re-scraping the
// same SKU updates in place.
type Item struct {
	Store         string         `json:"store"`
	SKU           string         `json:"sku"`
	URL           string         `json:"url"`
	Title         string         `json:"title"`
	ImageURL      string         `json:"image_url"`
	CategoryID    *int64         `json:"category_id,omitempty"`
	Custom        map[string]any `json:"custom,omitempty"`
	AddedAt       time.Time      `json:"added_at"`
	LastCheckedAt time.Time      `json:"last_checked_at"`
	RemovedAt     *time.Time     `json:"removed_at,omitempty"`
}

// Removed reports whether the item is soft-deleted.
func (i Item) Removed() bool {
	return i.RemovedAt != nil
}

// Price is one point of an item's append-only price history. Amounts are in
// minor units (cents) of Currency.
type Price struct {
	Store       string    `json:"store"`
	SKU         string    `json:"sku"`
	Timestamp   time.Time `json:"timestamp"`
	Currency    string    `json:"currency"`
	AmountMinor int64     `json:"amount_minor"`
}

// Same reports whether two prices are equal ignoring their timestamps. New
// history records are only written when this is false against the latest.
func (p Price) Same(o Price) bool {
	return p.Currency == o.Currency && p.AmountMinor == o.AmountMinor
}
