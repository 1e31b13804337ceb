// Package allocator produces unique, day-scoped sequential item
// identifiers. The happy path is an atomic counter increment in the
// store; when the store is unreachable it degrades to timestamp-derived
// ids that stay unique within the process.
package allocator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/remitscan/internal/store"
)

const dayFormat = "20060102"

// Allocation is one allocated identifier. Degraded marks ids minted from
// the timestamp fallback; they are valid but not sequence-compact.
type Allocation struct {
	ID       string
	Degraded bool
}

// Allocator mints item identifiers of the form YYYYMMDD + 5-digit day
// sequence.
type Allocator struct {
	store store.Store

	// lastFallback holds the last unix timestamp used for a degraded id,
	// forced strictly monotonic so two fallback allocations in the same
	// second never collide.
	lastFallback atomic.Int64
}

// New creates an Allocator backed by the given store's day counters.
func New(st store.Store) *Allocator {
	return &Allocator{store: st}
}

// Allocate returns a fresh identifier for the given instant's calendar
// day. Concurrent calls for the same day never return the same sequence
// number. A store failure falls back to a degraded timestamp id and is
// logged as a warning; processing continues.
func (a *Allocator) Allocate(ctx context.Context, now time.Time) Allocation {
	day := now.Format(dayFormat)

	seq, err := a.store.NextSeq(ctx, day, store.CounterItem)
	if err != nil {
		id := a.fallbackID(now)
		zap.L().Warn("allocator degraded, using timestamp identifier",
			zap.String("id", id),
			zap.Error(err),
		)
		return Allocation{ID: id, Degraded: true}
	}

	return Allocation{ID: fmt.Sprintf("%s%05d", day, seq)}
}

func (a *Allocator) fallbackID(now time.Time) string {
	ts := now.Unix()
	for {
		last := a.lastFallback.Load()
		if ts <= last {
			ts = last + 1
		}
		if a.lastFallback.CompareAndSwap(last, ts) {
			break
		}
	}
	return fmt.Sprintf("%s_%d", now.Format(dayFormat), ts)
}
