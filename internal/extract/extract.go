// Package extract parses catalog site markup into the structured data the
// crawl pipeline persists. Selectors are configuration: the pipeline itself
// is site-agnostic, and the defaults target schema.org microdata with Open
// Graph fallbacks.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/wantnot/catalog-crawler/internal/catalog"
	"github.com/wantnot/catalog-crawler/internal/scrape"
)

// Config holds the CSS selectors describing one site's markup.
type Config struct {
	SKU         string
	Title       string
	Image       string
	Price       string
	Currency    string
	Breadcrumbs string

	// Link discovery on listing and item pages.
	CategoryLinks string
	ItemLinks     string

	// DefaultCurrency is used when no currency selector matches.
	DefaultCurrency string
}

func (c *Config) applyDefaults() {
	if c.SKU == "" {
		c.SKU = "[itemprop=sku]"
	}
	if c.Title == "" {
		c.Title = "[itemprop=name]"
	}
	if c.Image == "" {
		c.Image = "meta[property='og:image']"
	}
	if c.Price == "" {
		c.Price = "[itemprop=price]"
	}
	if c.Currency == "" {
		c.Currency = "[itemprop=priceCurrency]"
	}
	if c.Breadcrumbs == "" {
		c.Breadcrumbs = ".breadcrumbs a"
	}
	if c.CategoryLinks == "" {
		c.CategoryLinks = "a.category-link"
	}
	if c.ItemLinks == "" {
		c.ItemLinks = "a.product-link"
	}
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = "USD"
	}
}

// SiteExtractor implements field extraction over goquery selections. Each
// store can carry its own selector set; unknown stores fall back to the
// microdata defaults.
type SiteExtractor struct {
	configs  map[string]Config
	fallback Config
}

// New builds a SiteExtractor from per-store selector configs, filling unset
// selectors with microdata defaults.
func New(configs map[string]Config) *SiteExtractor {
	prepared := make(map[string]Config, len(configs))
	for store, cfg := range configs {
		cfg.applyDefaults()
		prepared[store] = cfg
	}
	var fallback Config
	fallback.applyDefaults()
	return &SiteExtractor{configs: prepared, fallback: fallback}
}

func (e *SiteExtractor) config(store string) Config {
	if cfg, ok := e.configs[store]; ok {
		return cfg
	}
	return e.fallback
}

// ExtractItem pulls the product fields off an item page.
func (e *SiteExtractor) ExtractItem(store, pageURL string, body []byte) (scrape.ItemData, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return scrape.ItemData{}, fmt.Errorf("parse item page: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return scrape.ItemData{}, fmt.Errorf("parse page url: %w", err)
	}
	cfg := e.config(store)

	data := scrape.ItemData{
		SKU:      fieldValue(doc, cfg.SKU),
		Title:    fieldValue(doc, cfg.Title),
		ImageURL: fieldValue(doc, cfg.Image),
	}
	if data.SKU == "" {
		return scrape.ItemData{}, fmt.Errorf("no sku under selector %q", cfg.SKU)
	}
	if data.Title == "" {
		data.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	if raw := fieldValue(doc, cfg.Price); raw != "" {
		minor, err := ParsePrice(raw)
		if err != nil {
			return scrape.ItemData{}, fmt.Errorf("price %q: %w", raw, err)
		}
		currency := fieldValue(doc, cfg.Currency)
		if currency == "" {
			currency = cfg.DefaultCurrency
		}
		data.Price = &scrape.PricePoint{Currency: currency, AmountMinor: minor}
	}

	doc.Find(cfg.Breadcrumbs).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		title := strings.TrimSpace(sel.Text())
		if !ok || title == "" {
			return
		}
		data.Breadcrumbs = append(data.Breadcrumbs, catalog.PathEntry{
			URL:   resolve(base, href),
			Title: title,
		})
	})

	data.CategoryURLs = links(doc, base, cfg.CategoryLinks)
	data.ItemURLs = links(doc, base, cfg.ItemLinks)
	return data, nil
}

// ExtractCategory pulls the outbound category and item links off a listing
// page.
func (e *SiteExtractor) ExtractCategory(store, pageURL string, body []byte) (scrape.CategoryData, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return scrape.CategoryData{}, fmt.Errorf("parse category page: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return scrape.CategoryData{}, fmt.Errorf("parse page url: %w", err)
	}
	cfg := e.config(store)
	return scrape.CategoryData{
		CategoryURLs: links(doc, base, cfg.CategoryLinks),
		ItemURLs:     links(doc, base, cfg.ItemLinks),
	}, nil
}

// fieldValue reads the first match of sel: the content attribute for meta
// tags, the trimmed text otherwise.
func fieldValue(doc *goquery.Document, sel string) string {
	node := doc.Find(sel).First()
	if node.Length() == 0 {
		return ""
	}
	if content, ok := node.Attr("content"); ok {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(node.Text())
}

func links(doc *goquery.Document, base *url.URL, sel string) []string {
	var out []string
	doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		out = append(out, resolve(base, href))
	})
	return out
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// ParsePrice converts a display price like "$1,299.95" into minor units.
// More than two decimal places is rejected rather than rounded.
func ParsePrice(raw string) (int64, error) {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, fmt.Errorf("no digits")
	}

	units, cents := cleaned, ""
	if i := strings.LastIndexByte(cleaned, '.'); i >= 0 {
		units, cents = cleaned[:i], cleaned[i+1:]
		// A second dot means thousands were dotted, not a decimal point.
		units = strings.ReplaceAll(units, ".", "")
	}
	if len(cents) > 2 {
		return 0, fmt.Errorf("too many decimal places")
	}
	for len(cents) < 2 {
		cents += "0"
	}

	var minor int64
	for _, r := range units + cents {
		minor = minor*10 + int64(r-'0')
		if minor < 0 {
			return 0, fmt.Errorf("amount overflows")
		}
	}
	return minor, nil
}
