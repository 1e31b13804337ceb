package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/ledgerline/remitscan/internal/model"
)

// Counter kinds for per-day sequences.
const (
	CounterItem   = "item"
	CounterExport = "export"
)

var (
	// ErrDuplicateIdentifier is returned when an item id collides. The
	// allocator guarantees uniqueness, so a collision is an integrity
	// violation and must never be swallowed.
	ErrDuplicateIdentifier = eris.New("store: duplicate item identifier")

	// ErrNotFound is returned when an item id does not exist.
	ErrNotFound = eris.New("store: item not found")

	// ErrAlreadyRecognized is returned by MarkRecognized when the item has
	// already moved to recognized. Status only moves forward.
	ErrAlreadyRecognized = eris.New("store: item already recognized")
)

// Store defines the persistence interface for the item pipeline. All
// mutation of shared state goes through this interface; no caller reads
// "current max" values on its own.
type Store interface {
	// Items
	CreateItem(ctx context.Context, item model.Item) error
	GetItem(ctx context.Context, id string) (*model.Item, error)
	MarkRecognized(ctx context.Context, itemID string, fields model.Fields) error
	MarkFailed(ctx context.Context, itemID string) error

	// FetchBatch returns the joined item/result rows for the given ids in
	// ascending item-id order. Items without a result appear with empty
	// fields (left join semantics).
	FetchBatch(ctx context.Context, ids []string) ([]model.Row, error)

	// Counters. NextSeq atomically increments and returns the per-day
	// counter of the given kind; two concurrent calls never observe the
	// same value.
	NextSeq(ctx context.Context, day, kind string) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
