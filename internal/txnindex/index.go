// Package txnindex implements TransactionIndex, the sharded MVCC status
// registry (spec.md §4.4, C4): registration, commit/abort, visibility
// (CommitStatus), write-write dependency waiting, an active-transaction
// snapshot cache, and periodic reduction to canonical form (Cleanup).
package txnindex

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dengliu/persistit/internal/config"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

var (
	ErrIllegalState      = errors.New("txnindex: transaction not in the required state")
	ErrIllegalArgument   = errors.New("txnindex: unknown transaction timestamp")
	ErrResourceExhausted = errors.New("txnindex: hash bucket hard limit reached")
)

type bucket struct {
	mu   sync.Mutex
	byTs map[uint64]*TransactionStatus
}

// activeEntry is one row of an activeSnapshot: a resident transaction's
// start timestamp and outcome as of the last UpdateActiveTransactionCache
// call. tc is a real commit timestamp, or one of TcAborted/TcUncommitted.
type activeEntry struct {
	ts uint64
	tc uint64
}

// activeSnapshot is the read-mostly view TransactionIndex publishes via a
// pointer swap (spec.md §4.4.3): every non-FREE entry, sorted by ts, plus
// the floor -- the minimum start timestamp of any still-active transaction.
// Readers consult it without locks and tolerate it lagging slightly behind
// the live buckets.
type activeSnapshot struct {
	entries []activeEntry
	floor   uint64
}

// CleanupStats summarizes one Cleanup pass.
type CleanupStats struct {
	FreedCount       int
	CurrentCount     int
	AbortedCount     int
	LongRunningCount int
	DroppedCount     int
}

// TransactionIndex is a sharded registry of TransactionStatus entries keyed
// by start timestamp.
type TransactionIndex struct {
	cfg       config.Config
	buckets   []*bucket
	tsCounter atomic.Uint64
	liveCount atomic.Int64

	freeMu sync.Mutex
	free   []*TransactionStatus

	abortedMu sync.Mutex
	aborted   map[uint64]*TransactionStatus

	longRunningMu sync.Mutex
	longRunning   map[uint64]*TransactionStatus

	cache atomic.Pointer[activeSnapshot]
}

// New returns an empty TransactionIndex sharded per cfg.TransactionIndexBuckets.
func New(cfg config.Config) *TransactionIndex {
	idx := &TransactionIndex{
		cfg:         cfg,
		aborted:     map[uint64]*TransactionStatus{},
		longRunning: map[uint64]*TransactionStatus{},
	}
	n := cfg.TransactionIndexBuckets
	if n <= 0 {
		n = 1
	}
	idx.buckets = make([]*bucket, n)
	for i := range idx.buckets {
		idx.buckets[i] = &bucket{byTs: map[uint64]*TransactionStatus{}}
	}
	// floor 0 until the first UpdateActiveTransactionCache call: nothing is
	// eligible for reclaim against a snapshot that was never taken.
	idx.cache.Store(&activeSnapshot{})
	return idx
}

func (idx *TransactionIndex) bucketFor(ts uint64) *bucket {
	return idx.buckets[ts%uint64(len(idx.buckets))]
}

// RegisterTransaction allocates a new start timestamp and an Active status
// for it, reusing a pooled TransactionStatus when the free list is
// non-empty.
func (idx *TransactionIndex) RegisterTransaction() (*TransactionStatus, error) {
	if idx.liveCount.Load() >= int64(idx.cfg.HashBucketHardLimit) {
		return nil, errors.Trace(ErrResourceExhausted)
	}
	ts := idx.tsCounter.Add(1)
	if ts > maxTs {
		return nil, errors.Trace(ErrResourceExhausted)
	}

	var st *TransactionStatus
	idx.freeMu.Lock()
	if n := len(idx.free); n > 0 {
		st = idx.free[n-1]
		idx.free = idx.free[:n-1]
	}
	idx.freeMu.Unlock()

	if st == nil {
		st = newTransactionStatus(ts)
	} else {
		st.reset(ts)
	}

	b := idx.bucketFor(ts)
	b.mu.Lock()
	b.byTs[ts] = st
	b.mu.Unlock()
	idx.liveCount.Add(1)
	return st, nil
}

func (idx *TransactionIndex) lookup(ts uint64) *TransactionStatus {
	b := idx.bucketFor(ts)
	b.mu.Lock()
	st := b.byTs[ts]
	b.mu.Unlock()
	return st
}

// Commit marks the transaction at ts committed at tc.
func (idx *TransactionIndex) Commit(ts, tc uint64) error {
	st := idx.lookup(ts)
	if st == nil {
		return errors.Trace(ErrIllegalArgument)
	}
	if st.State() != StateActive {
		return errors.Trace(ErrIllegalState)
	}
	st.tc.Store(tc)
	st.state.Store(uint32(StateCommitted))
	idx.NotifyCompleted(ts)
	log.Debugf("txnindex: committed ts=%d tc=%d", ts, tc)
	return nil
}

// Abort marks the transaction at ts aborted.
func (idx *TransactionIndex) Abort(ts uint64) error {
	st := idx.lookup(ts)
	if st == nil {
		return errors.Trace(ErrIllegalArgument)
	}
	if st.State() != StateActive {
		return errors.Trace(ErrIllegalState)
	}
	st.tc.Store(TcAborted)
	st.state.Store(uint32(StateAborted))
	idx.abortedMu.Lock()
	idx.aborted[ts] = st
	idx.abortedMu.Unlock()
	idx.NotifyCompleted(ts)
	log.Debugf("txnindex: aborted ts=%d", ts)
	return nil
}

// NotifyCompleted wakes any goroutine blocked in WWDependency on ts. Commit
// and Abort call it already; it is exported for callers that finalize a
// transaction's outcome through some other path.
func (idx *TransactionIndex) NotifyCompleted(ts uint64) {
	st := idx.lookup(ts)
	if st == nil {
		return
	}
	st.notifyCompleted()
}

// outcomeOf reports a finalized-or-not status as the tagged uint64
// CommitStatus/WWDependency both return: a real tc for StateCommitted,
// TcAborted for StateAborted, TcUncommitted otherwise.
func outcomeOf(st *TransactionStatus) uint64 {
	switch st.State() {
	case StateCommitted:
		return st.Tc()
	case StateAborted:
		return TcAborted
	default:
		return TcUncommitted
	}
}

// Visible reports whether a CommitStatus/WWDependency outcome tc is visible
// to a reader at floorTs. Both sentinels sit above any real timestamp, so
// this single comparison also rejects ABORTED and UNCOMMITTED outcomes.
func Visible(tc, floorTs uint64) bool {
	return tc <= floorTs
}

// CommitStatus reports the commit timestamp of the writer that produced vh,
// from the perspective of a reader whose own start timestamp is floorTs and
// whose own step within its transaction is step (spec.md §4.4.2):
//
//   - Same transaction as the reader: the reader sees its own writes up to
//     and including its own step; returns floorTs (visible, since floorTs
//     <= floorTs) if VhStep(vh) <= step, else TcUncommitted.
//   - Writer committed: returns tc regardless of whether tc <= floorTs; the
//     caller (or Visible) decides visibility versus concurrency.
//   - Writer aborted: returns TcAborted.
//   - Writer still active: returns TcUncommitted.
//   - Writer already reclaimed: returns 0, i.e. visible to everyone. Cleanup
//     drops only committed entries with tc <= floor and aborted entries with
//     no open versions left, so an aborted writer is no longer reported as
//     TcAborted once it has been reclaimed.
func (idx *TransactionIndex) CommitStatus(vh, floorTs uint64, step uint32) (uint64, error) {
	writerTs := VhTs(vh)
	if writerTs == floorTs {
		if VhStep(vh) <= step {
			return floorTs, nil
		}
		return TcUncommitted, nil
	}
	st := idx.lookup(writerTs)
	if st == nil {
		return 0, nil
	}
	return outcomeOf(st), nil
}

// HasConcurrentTransaction reports whether some registered transaction with
// start timestamp in the open interval (lowTs, highTs) is not yet committed,
// or committed after highTs (spec.md §4.4.2). It is derived entirely from
// the last published active-set snapshot.
func (idx *TransactionIndex) HasConcurrentTransaction(lowTs, highTs uint64) bool {
	snap := idx.cache.Load()
	for _, e := range snap.entries {
		if e.ts <= lowTs || e.ts >= highTs {
			continue
		}
		switch e.tc {
		case TcAborted:
			continue
		case TcUncommitted:
			return true
		default:
			if e.tc > highTs {
				return true
			}
		}
	}
	return false
}

// WWDependency blocks the caller until the transaction identified by vh
// finalizes (commits or aborts), ctx is done, or timeout elapses (spec.md
// §4.4.2). source is the ts of the transaction making the call; a vh whose
// ts equals source is refused as a self-dependency, and a vh whose
// transaction is not registered fails with ErrIllegalArgument. The return
// value encodes the outcome exactly as CommitStatus does: a real tc,
// TcAborted, or TcUncommitted on timeout/cancellation.
func (idx *TransactionIndex) WWDependency(ctx context.Context, vh, source uint64, timeout time.Duration) (uint64, error) {
	target := VhTs(vh)
	if target == source {
		return 0, errors.Trace(ErrIllegalArgument)
	}
	st := idx.lookup(target)
	if st == nil {
		return 0, errors.Trace(ErrIllegalArgument)
	}
	if st.State() != StateActive {
		return outcomeOf(st), nil
	}
	log.Infof("txnindex: ts=%d blocking on ww-dependency of ts=%d", source, target)
	st.waitCompleted(ctx, timeout)
	return outcomeOf(st), nil
}

// UpdateActiveTransactionCache rebuilds the (ts, tc) snapshot for every
// non-FREE entry, plus the floor, and publishes it with a single pointer
// swap (spec.md §4.4.3).
func (idx *TransactionIndex) UpdateActiveTransactionCache() {
	var entries []activeEntry
	floor := ^uint64(0)
	for _, b := range idx.buckets {
		b.mu.Lock()
		for _, st := range b.byTs {
			if st.State() == StateFree {
				continue
			}
			entries = append(entries, activeEntry{ts: st.Ts(), tc: outcomeOf(st)})
			if st.State() == StateActive && st.Ts() < floor {
				floor = st.Ts()
			}
		}
		b.mu.Unlock()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts < entries[j].ts })
	idx.cache.Store(&activeSnapshot{entries: entries, floor: floor})
}

// ActiveTransactionCache returns the still-active start timestamps from the
// most recently published snapshot, sorted ascending.
func (idx *TransactionIndex) ActiveTransactionCache() []uint64 {
	snap := idx.cache.Load()
	out := make([]uint64, 0, len(snap.entries))
	for _, e := range snap.entries {
		if e.tc == TcUncommitted {
			out = append(out, e.ts)
		}
	}
	return out
}

// Cleanup reduces the index to canonical form against the floor of the last
// published active-set snapshot (spec.md §4.4.4): committed, unpinned
// entries with tc <= floor and aborted, unpinned entries with ts < floor
// are dropped to the free list (or counted as DroppedCount past
// MaxFreeListSize); entries still pinned by open versions past
// LongRunningThreshold are tracked on the long-running list.
func (idx *TransactionIndex) Cleanup() CleanupStats {
	floor := idx.cache.Load().floor

	var resident []*TransactionStatus
	for _, b := range idx.buckets {
		b.mu.Lock()
		for _, st := range b.byTs {
			resident = append(resident, st)
		}
		b.mu.Unlock()
	}

	var stats CleanupStats
	for _, st := range resident {
		switch st.State() {
		case StateActive:
			stats.CurrentCount++
			continue
		case StateCommitted:
			if st.MvvCount() == 0 && st.Tc() <= floor {
				if idx.reclaim(st) {
					stats.FreedCount++
				} else {
					stats.DroppedCount++
				}
				continue
			}
		case StateAborted:
			if st.MvvCount() == 0 && st.Ts() < floor {
				if idx.reclaim(st) {
					stats.FreedCount++
				} else {
					stats.DroppedCount++
				}
				continue
			}
			stats.AbortedCount++
		}
		if st.MvvCount() > int32(idx.cfg.LongRunningThreshold) {
			stats.LongRunningCount++
			idx.longRunningMu.Lock()
			idx.longRunning[st.Ts()] = st
			idx.longRunningMu.Unlock()
		}
	}
	log.Infof("txnindex: cleanup floor=%d freed=%d current=%d aborted=%d longRunning=%d dropped=%d",
		floor, stats.FreedCount, stats.CurrentCount, stats.AbortedCount, stats.LongRunningCount, stats.DroppedCount)
	return stats
}

// reclaim removes st from its bucket and the aborted/long-running side
// tables, and either pools it on the free list or, if the list is already
// at MaxFreeListSize, drops it (reports false so the caller counts it as
// DroppedCount rather than FreedCount).
func (idx *TransactionIndex) reclaim(st *TransactionStatus) bool {
	b := idx.bucketFor(st.Ts())
	b.mu.Lock()
	delete(b.byTs, st.Ts())
	b.mu.Unlock()

	idx.abortedMu.Lock()
	delete(idx.aborted, st.Ts())
	idx.abortedMu.Unlock()

	idx.longRunningMu.Lock()
	delete(idx.longRunning, st.Ts())
	idx.longRunningMu.Unlock()

	idx.liveCount.Add(-1)

	idx.freeMu.Lock()
	defer idx.freeMu.Unlock()
	if len(idx.free) >= idx.cfg.MaxFreeListSize {
		return false
	}
	idx.free = append(idx.free, st)
	return true
}
