// Package reconcile repairs structural duplicates in a store's category
// forest: nodes created more than once for the same source URL by racing or
// repeated crawls.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/wantnot/catalog-crawler/internal/catalog"
	"github.com/wantnot/catalog-crawler/internal/frontier"
	"github.com/wantnot/catalog-crawler/internal/metrics"
)

// ErrCrawlActive is returned when a crawl job exists for the store. An
// active frontier record is treated as a lock: merging categories while a
// crawl re-creates them would race.
var ErrCrawlActive = errors.New("reconcile: crawl in progress for store")

// Reconciler merges duplicate category nodes.
type Reconciler struct {
	catalog  catalog.Store
	cache    *catalog.Cache
	frontier *frontier.Frontier
	logger   *zap.Logger
}

// New constructs a Reconciler.
func New(cat catalog.Store, cache *catalog.Cache, f *frontier.Frontier, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{catalog: cat, cache: cache, frontier: f, logger: logger}
}

// Reconcile merges every duplicate-URL group in the store and returns how
// many duplicate nodes were merged away. A failed group does not stop the
// others; their errors are joined into the result.
func (r *Reconciler) Reconcile(ctx context.Context, store string) (int, error) {
	active, err := r.frontier.Active(ctx, store)
	if err != nil {
		return 0, fmt.Errorf("check crawl state: %w", err)
	}
	if active {
		return 0, ErrCrawlActive
	}

	urls, err := r.catalog.DuplicateCategoryURLs(ctx, store)
	if err != nil {
		return 0, fmt.Errorf("find duplicate urls: %w", err)
	}

	merged := 0
	var failures []error
	for _, url := range urls {
		n, err := r.mergeGroup(ctx, store, url)
		if err != nil {
			r.logger.Error("duplicate group merge failed",
				zap.String("store", store),
				zap.String("url", url),
				zap.Error(err))
			failures = append(failures, fmt.Errorf("merge %s: %w", url, err))
			continue
		}
		merged += n
	}

	if merged > 0 {
		r.cache.Invalidate(store)
		metrics.ObserveMerge(store, merged)
	}
	return merged, errors.Join(failures...)
}

// mergeGroup collapses all categories sharing url into the one with the most
// attached items (lowest id on ties) and returns how many nodes were
// removed.
func (r *Reconciler) mergeGroup(ctx context.Context, store, url string) (int, error) {
	cats, err := r.catalog.CategoriesByURL(ctx, store, url)
	if err != nil {
		return 0, err
	}
	if len(cats) < 2 {
		// Already repaired, possibly by an earlier partial run.
		return 0, nil
	}

	counts := make(map[int64]int, len(cats))
	for _, c := range cats {
		n, err := r.catalog.CountItems(ctx, store, c.ID)
		if err != nil {
			return 0, fmt.Errorf("count items of %d: %w", c.ID, err)
		}
		counts[c.ID] = n
	}
	sort.Slice(cats, func(i, j int) bool {
		if counts[cats[i].ID] != counts[cats[j].ID] {
			return counts[cats[i].ID] > counts[cats[j].ID]
		}
		return cats[i].ID < cats[j].ID
	})

	winner := cats[0]
	merged := 0
	for _, loser := range cats[1:] {
		if err := r.mergeInto(ctx, store, winner, loser); err != nil {
			return merged, err
		}
		merged++
	}
	r.logger.Info("merged duplicate categories",
		zap.String("store", store),
		zap.String("url", url),
		zap.Int64("canonical", winner.ID),
		zap.Int("removed", merged))
	return merged, nil
}

func (r *Reconciler) mergeInto(ctx context.Context, store string, winner, loser catalog.Category) error {
	// Any node on the winner's ancestor chain must not become the winner's
	// child, or the forest gains a cycle. Such children are hoisted onto the
	// loser's parent instead.
	ancestors, err := catalog.AncestorPath(ctx, r.catalog, winner.ID)
	if err != nil {
		return fmt.Errorf("ancestors of %d: %w", winner.ID, err)
	}
	onWinnerPath := make(map[int64]bool, len(ancestors))
	for _, id := range ancestors {
		onWinnerPath[id] = true
	}

	children, err := r.catalog.CategoriesByParent(ctx, store, &loser.ID)
	if err != nil {
		return fmt.Errorf("children of %d: %w", loser.ID, err)
	}
	for _, child := range children {
		target := &winner.ID
		if onWinnerPath[child.ID] {
			target = loser.ParentID
		}
		if err := r.catalog.ReparentCategory(ctx, child.ID, target); err != nil {
			return fmt.Errorf("reparent %d: %w", child.ID, err)
		}
	}

	moved, err := r.catalog.MoveItems(ctx, store, loser.ID, winner.ID)
	if err != nil {
		return fmt.Errorf("move items: %w", err)
	}
	if moved > 0 {
		r.logger.Debug("moved items off duplicate",
			zap.Int64("from", loser.ID),
			zap.Int64("to", winner.ID),
			zap.Int("items", moved))
	}

	if err := r.catalog.DeleteCategory(ctx, loser.ID); err != nil {
		return fmt.Errorf("delete %d: %w", loser.ID, err)
	}
	return nil
}
