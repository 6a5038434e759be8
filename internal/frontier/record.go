// Package frontier implements the resumable per-store crawl queue: two
// ordered URL sub-queues, a salted probabilistic seen filter, and a persisted
// cookie jar, advanced through transactional initialize/enqueue/peek/pop
// operations.
package frontier

import (
	"context"
	"errors"
	"time"
)

// Kind tags the two job variants sharing the record envelope.
type Kind string

// Job kinds. A frontier scan walks the catalog breadth-first; a table scan
// revisits known items by primary key, ignoring discovery.
const (
	KindFrontierScan Kind = "frontier"
	KindTableScan    Kind = "tablescan"
)

// Sentinel errors for job lifecycle conditions.
var (
	// ErrAlreadyRunning signals that a job record already exists for the
	// (store, kind); the caller should skip starting a duplicate, not crash.
	ErrAlreadyRunning = errors.New("frontier: job already in progress")

	// ErrNoJob signals that no job record exists; workers seeing it stop
	// rescheduling work for the store.
	ErrNoJob = errors.New("frontier: no active job")
)

// Record is the single durable document per (store, kind). It is everything
// needed to resume a crawl after a crash and must round-trip losslessly.
//
// FrontierScan uses the queues and seen-filter fields; TableScan uses Marker.
// Both share cookies and timestamps.
type Record struct {
	Store      string            `json:"store"`
	Kind       Kind              `json:"kind"`
	CreatedAt  time.Time         `json:"created_at"`
	ModifiedAt time.Time         `json:"modified_at"`

	CategoryQueue []string `json:"category_queue,omitempty"`
	ItemQueue     []string `json:"item_queue,omitempty"`

	// SeenBytes, SeenRounds and Salt persist the bloom filter state. The
	// round count is stored explicitly rather than re-derived from sizing
	// constants, so a configuration change between deploys cannot silently
	// corrupt an existing filter.
	SeenBytes  []byte `json:"seen_bytes,omitempty"`
	SeenRounds int    `json:"seen_rounds,omitempty"`
	Salt       int64  `json:"salt"`

	Marker string `json:"marker,omitempty"`

	Cookies map[string]string `json:"cookies,omitempty"`
}

// RecordStore persists job records. Update is a transactional
// read-modify-write of the one record, serializing concurrent callers on the
// same (store, kind); the record is deleted when fn reports remove.
type RecordStore interface {
	Get(ctx context.Context, store string, kind Kind) (Record, error)
	Create(ctx context.Context, rec Record) error
	Update(ctx context.Context, store string, kind Kind, fn func(rec *Record) (remove bool, err error)) error
	Exists(ctx context.Context, store string, kind Kind) (bool, error)
}
