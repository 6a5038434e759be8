// Package index defines the search-index collaborator: document upsert and
// delete keyed by a stable id derived from (store, sku). The index is an
// eventually-consistent sink; writes are fire-and-forget after a catalog
// write and the last write per document id wins.
package index

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wantnot/catalog-crawler/internal/catalog"
)

// Document is the structured view of one item handed to the index.
type Document struct {
	ID          string   `json:"id"`
	Store       string   `json:"store"`
	SKU         string   `json:"sku"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	ImageURL    string   `json:"image_url"`
	Categories  []int64  `json:"categories,omitempty"`
	AddedUnix   int64    `json:"added"`
	CheckedUnix int64    `json:"checked"`
	Currency    string   `json:"currency,omitempty"`
	AmountMinor int64    `json:"amount_minor,omitempty"`
	History     []string `json:"history,omitempty"`
	Removed     bool     `json:"removed"`
}

// Index accepts document upserts and retractions.
type Index interface {
	Upsert(ctx context.Context, docs []Document) error
	Delete(ctx context.Context, ids []string) error
}

// DocID derives the stable document id for an item. SKUs may contain spaces;
// dashes keep the id a single token.
func DocID(store, sku string) string {
	return store + ":" + strings.ReplaceAll(sku, " ", "-")
}

// FormatHistoryPrice renders one price history entry as
// "<RFC3339>:<CUR><units>.<cents>".
func FormatHistoryPrice(p catalog.Price) string {
	return fmt.Sprintf("%s:%s%d.%02d",
		p.Timestamp.UTC().Format(time.RFC3339),
		p.Currency,
		p.AmountMinor/100,
		p.AmountMinor%100)
}

// Build assembles the document for an item. categoryPath is the root-first
// id path of the item's category; prices are most recent first.
func Build(item catalog.Item, categoryPath []int64, prices []catalog.Price) Document {
	doc := Document{
		ID:          DocID(item.Store, item.SKU),
		Store:       item.Store,
		SKU:         item.SKU,
		Title:       item.Title,
		URL:         item.URL,
		ImageURL:    item.ImageURL,
		Categories:  categoryPath,
		AddedUnix:   item.AddedAt.Unix(),
		CheckedUnix: item.LastCheckedAt.Unix(),
		Removed:     item.Removed(),
	}
	if len(prices) > 0 {
		doc.Currency = prices[0].Currency
		doc.AmountMinor = prices[0].AmountMinor
		doc.History = make([]string, len(prices))
		for i, p := range prices {
			doc.History[i] = FormatHistoryPrice(p)
		}
	}
	return doc
}
