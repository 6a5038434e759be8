package frontier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wantnot/catalog-crawler/internal/catalog"
)

// StartTableScan creates a table-scan job for the store: a cursor over items
// in primary-key order, independent of link discovery. Returns false when a
// scan is already running.
func (f *Frontier) StartTableScan(ctx context.Context, store string) (bool, error) {
	now := time.Now().UTC()
	rec := Record{
		Store:      store,
		Kind:       KindTableScan,
		CreatedAt:  now,
		ModifiedAt: now,
		Cookies:    map[string]string{},
	}
	if err := f.records.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			f.logger.Warn("table scan already in progress", zap.String("store", store))
			return false, nil
		}
		return false, fmt.Errorf("create table-scan record: %w", err)
	}
	return true, nil
}

// NextTableItem returns the item just past the scan marker along with the
// persisted cookies. When the cursor reaches the end of the table the job
// record is deleted and ok is false; a missing record also reports false.
func (f *Frontier) NextTableItem(ctx context.Context, store string) (catalog.Item, map[string]string, bool, error) {
	rec, err := f.records.Get(ctx, store, KindTableScan)
	if errors.Is(err, ErrNoJob) {
		return catalog.Item{}, nil, false, nil
	}
	if err != nil {
		return catalog.Item{}, nil, false, err
	}

	items, err := f.catalog.ItemsAfter(ctx, store, rec.Marker, 1)
	if err != nil {
		return catalog.Item{}, nil, false, fmt.Errorf("advance table scan: %w", err)
	}
	if len(items) == 0 {
		f.logger.Info("table scan exhausted, deleting job", zap.String("store", store))
		err := f.records.Update(ctx, store, KindTableScan, func(*Record) (bool, error) {
			return true, nil
		})
		if err != nil && !errors.Is(err, ErrNoJob) {
			return catalog.Item{}, nil, false, err
		}
		return catalog.Item{}, nil, false, nil
	}
	return items[0], rec.Cookies, true, nil
}

// AdvanceTableScan moves the marker past sku and persists cookies.
func (f *Frontier) AdvanceTableScan(ctx context.Context, store, sku string, cookies map[string]string) error {
	return f.records.Update(ctx, store, KindTableScan, func(rec *Record) (bool, error) {
		if sku <= rec.Marker {
			// A stale retry must not rewind the cursor.
			return false, nil
		}
		rec.Marker = sku
		if cookies != nil {
			rec.Cookies = cookies
		}
		return false, nil
	})
}
