// Package archive persists raw snapshots of fetched pages. Snapshots are
// best-effort: a failed archive write never fails the crawl step.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Store writes one page snapshot and returns its URI.
type Store interface {
	PutPage(ctx context.Context, store, url string, body []byte) (string, error)
}

// PagePath derives the blob path for a page: the URL hash keeps paths flat
// and stable across re-crawls.
func PagePath(prefix, store, url string) string {
	sum := sha256.Sum256([]byte(url))
	name := hex.EncodeToString(sum[:]) + ".html"
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", store, name)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, store, name)
}

// Noop discards snapshots.
type Noop struct{}

// PutPage does nothing and returns an empty URI.
func (Noop) PutPage(context.Context, string, string, []byte) (string, error) {
	return "", nil
}
