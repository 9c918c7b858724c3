// Package latch implements SharedResource, a multi-reader/single-writer
// claim primitive (spec.md §4.3, C3). Unlike the per-key latch map in
// talent-plan-tinykv/kv/transaction/latches, a SharedResource guards a
// single resource and supports upgrade/downgrade between read and write
// claims plus a small set of named status bits carried alongside the claim
// state.
package latch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dengliu/persistit/internal/config"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// Named status bits, reproducing the original SharedResource's bit layout
// (spec.md §5 supplemental) instead of a single opaque flags field.
const (
	Valid uint32 = 1 << iota
	Dirty
	Deleted
	Structure
	Transient
	Touched
	Suspended
	Closing
	Fixed
)

var (
	ErrInUse       = errors.New("latch: claim timed out, resource in use")
	ErrInterrupted = errors.New("latch: claim interrupted by context cancellation")
)

const (
	lockWriterBit uint32 = 1 << 31
	lockClaimMask uint32 = lockWriterBit - 1
)

// ownerSlot wraps a caller-supplied owner token so atomic.Value always sees
// the same concrete type; atomic.Value panics on a bare nil Store, and on
// any Store whose concrete type changes across calls.
type ownerSlot struct{ v interface{} }

// SharedResource is an MR/SW claim primitive. The zero value is not usable;
// construct with New.
//
// While a writer holds the resource, lockWord's low 31 bits are repurposed
// from a reader count into a recursion depth: the same owner may take
// further write claims (recursive write) or read claims (owner==self read)
// without blocking on itself, each incrementing the depth, and each
// Release decrementing it. The writer bit only clears at depth 0. A
// second, distinct owner is refused either kind of claim while the writer
// bit is set (spec.md §4.3, testable property 5).
type SharedResource struct {
	lockWord   atomic.Uint32
	statusWord atomic.Uint32
	generation atomic.Uint64
	owner      atomic.Value // ownerSlot of the current exclusive holder

	mu   sync.Mutex
	cond *sync.Cond
	cfg  config.Config
}

// New returns an unclaimed, Valid SharedResource.
func New(cfg config.Config) *SharedResource {
	r := &SharedResource{cfg: cfg}
	r.cond = sync.NewCond(&r.mu)
	r.statusWord.Store(Valid)
	return r
}

// isOwner reports whether owner is the token currently recorded as holding
// the write claim. A nil owner never matches, so callers that pass no
// identity never get recursive-claim treatment.
func (r *SharedResource) isOwner(owner interface{}) bool {
	if owner == nil {
		return false
	}
	slot, _ := r.owner.Load().(ownerSlot)
	return slot.v != nil && slot.v == owner
}

func (r *SharedResource) setOwner(owner interface{}) { r.owner.Store(ownerSlot{v: owner}) }
func (r *SharedResource) clearOwner()                { r.owner.Store(ownerSlot{}) }

// ClaimRead blocks until a read claim can be granted, ctx is done, or
// timeout elapses, whichever comes first. A zero timeout uses
// cfg.DefaultClaimTimeout. owner identifies the caller; passing the
// current writer's own owner token grants a recursive read claim
// (spec.md §4.3) instead of blocking on itself.
func (r *SharedResource) ClaimRead(ctx context.Context, owner interface{}, timeout time.Duration) bool {
	if timeout == 0 {
		timeout = r.cfg.DefaultClaimTimeout
	}
	if r.tryClaimRead(owner) {
		return true
	}
	return r.waitAndRetry(ctx, timeout, func() bool { return r.tryClaimRead(owner) })
}

// ClaimWrite blocks until an exclusive write claim can be granted. A zero
// timeout uses cfg.DefaultClaimTimeout. Passing the current writer's own
// owner token grants a recursive write claim instead of blocking on
// itself.
func (r *SharedResource) ClaimWrite(ctx context.Context, owner interface{}, timeout time.Duration) bool {
	if timeout == 0 {
		timeout = r.cfg.DefaultClaimTimeout
	}
	if r.tryClaimWrite(owner) {
		return true
	}
	return r.waitAndRetry(ctx, timeout, func() bool { return r.tryClaimWrite(owner) })
}

func (r *SharedResource) tryClaimRead(owner interface{}) bool {
	for {
		old := r.lockWord.Load()
		if old&lockWriterBit != 0 {
			if !r.isOwner(owner) {
				return false
			}
			depth := old & lockClaimMask
			if int(depth) >= r.cfg.MaxClaimants {
				return false
			}
			if r.lockWord.CompareAndSwap(old, old+1) {
				return true
			}
			continue
		}
		if int(old&lockClaimMask) >= r.cfg.MaxClaimants {
			return false
		}
		if r.lockWord.CompareAndSwap(old, old+1) {
			return true
		}
	}
}

func (r *SharedResource) tryClaimWrite(owner interface{}) bool {
	for {
		old := r.lockWord.Load()
		if old == 0 {
			if r.lockWord.CompareAndSwap(0, lockWriterBit|1) {
				r.setOwner(owner)
				return true
			}
			continue
		}
		if old&lockWriterBit != 0 && r.isOwner(owner) {
			depth := old & lockClaimMask
			if int(depth) >= r.cfg.MaxClaimants {
				return false
			}
			if r.lockWord.CompareAndSwap(old, old+1) {
				return true
			}
			continue
		}
		return false
	}
}

// Upgrade converts the caller's sole outstanding read claim into a write
// claim without an intervening release, per spec.md §4.3 and testable
// property 7: it succeeds iff exactly one read claim is outstanding, and
// otherwise fails immediately without mutating any state. Upgrade is not a
// suspension point (spec.md §5 lists only claim and wwDependency), so it
// never blocks.
func (r *SharedResource) Upgrade(owner interface{}) bool {
	if r.lockWord.Load() != 1 {
		return false
	}
	if !r.lockWord.CompareAndSwap(1, lockWriterBit|1) {
		return false
	}
	r.setOwner(owner)
	return true
}

// Downgrade converts the current write claim into a single read claim;
// nested write or self-read claims of the same owner collapse into that one
// read claim. It is a no-op if no write claim is held. Downgrade takes no
// owner token and does not check which caller holds the write claim.
func (r *SharedResource) Downgrade() {
	for {
		old := r.lockWord.Load()
		if old&lockWriterBit == 0 {
			return
		}
		if r.lockWord.CompareAndSwap(old, 1) {
			r.clearOwner()
			r.generation.Add(1)
			break
		}
	}
	r.wakeWaiters()
}

// Release drops one claim: a read claim, one level of write recursion
// depth, or -- at depth 1 -- the write claim itself.
func (r *SharedResource) Release() {
	for {
		old := r.lockWord.Load()
		if old&lockWriterBit != 0 {
			depth := old & lockClaimMask
			if depth > 1 {
				if r.lockWord.CompareAndSwap(old, old-1) {
					return
				}
				continue
			}
			if r.lockWord.CompareAndSwap(old, 0) {
				r.clearOwner()
				r.generation.Add(1)
				break
			}
			continue
		}
		if old == 0 {
			return
		}
		if r.lockWord.CompareAndSwap(old, old-1) {
			break
		}
	}
	r.wakeWaiters()
}

func (r *SharedResource) wakeWaiters() {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

// waitAndRetry blocks on r.cond, re-testing try after each wakeup, until
// try succeeds or ctx/timeout expires. Cond.Broadcast wakes every blocked
// goroutine at once, and the order in which they re-test is up to the
// runtime. There is no waiter queue: the first attempt made by ClaimRead or
// ClaimWrite does not check for goroutines already waiting, so a new claim
// can be granted ahead of them, and a waiting writer is not protected from
// a steady stream of readers.
func (r *SharedResource) waitAndRetry(ctx context.Context, timeout time.Duration, try func() bool) bool {
	deadline := time.Now().Add(timeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if try() {
			return true
		}
		if !r.awaitLocked(ctx, deadline) {
			return false
		}
	}
}

// awaitLocked must be called with r.mu held. It blocks on r.cond until
// woken, the deadline passes, or ctx is done, returning false in the
// latter two cases. sync.Cond has no built-in deadline or cancellation, so
// a timer and (if ctx is non-nil) a watcher goroutine each force a wakeup
// by calling Broadcast.
func (r *SharedResource) awaitLocked(ctx context.Context, deadline time.Time) bool {
	timer := time.AfterFunc(time.Until(deadline), func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	if ctx != nil && ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				r.mu.Lock()
				r.cond.Broadcast()
				r.mu.Unlock()
			case <-stop:
			}
		}()
	}

	r.cond.Wait()

	if ctx != nil && ctx.Err() != nil {
		log.Debugf("latch: claim interrupted: %v", errors.Trace(ErrInterrupted))
		return false
	}
	if !time.Now().Before(deadline) {
		log.Debugf("latch: claim timed out: %v", errors.Trace(ErrInUse))
		return false
	}
	return true
}

// SetStatus replaces the status bits wholesale.
func (r *SharedResource) SetStatus(mask uint32) { r.statusWord.Store(mask) }

// SetStatusBits ORs bits into the current status word.
func (r *SharedResource) SetStatusBits(bits uint32) {
	for {
		old := r.statusWord.Load()
		if r.statusWord.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

// ClearStatusBits ANDs bits out of the current status word.
func (r *SharedResource) ClearStatusBits(bits uint32) {
	for {
		old := r.statusWord.Load()
		if r.statusWord.CompareAndSwap(old, old&^bits) {
			return
		}
	}
}

func (r *SharedResource) Status() uint32 { return r.statusWord.Load() }

func (r *SharedResource) HasStatus(bits uint32) bool { return r.statusWord.Load()&bits == bits }

// Generation counts write-claim releases and downgrades, i.e. how many
// times the resource's content may have changed underneath a reader.
func (r *SharedResource) Generation() uint64 { return r.generation.Load() }

// IsAvailable reports whether a new read claim would currently succeed
// (spec.md §9 open question, resolved in DESIGN.md): true iff no writer
// currently holds the resource, independent of outstanding reader count.
func (r *SharedResource) IsAvailable() bool {
	return r.lockWord.Load()&lockWriterBit == 0
}

// ReaderCount returns the number of outstanding read claims. It is 0 while
// a writer holds the resource (the low bits then count write recursion
// depth, not readers).
func (r *SharedResource) ReaderCount() int {
	old := r.lockWord.Load()
	if old&lockWriterBit != 0 {
		return 0
	}
	return int(old & lockClaimMask)
}

// IsWriteClaimed reports whether a writer currently holds the resource.
func (r *SharedResource) IsWriteClaimed() bool {
	return r.lockWord.Load()&lockWriterBit != 0
}
