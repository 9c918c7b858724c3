package txnindex

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/errors"
)

// State is a TransactionStatus's lifecycle stage.
type State uint32

const (
	StateFree State = iota
	StateActive
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// TcAborted and TcUncommitted are out-of-band sentinels returned by
// CommitStatus/WWDependency alongside real commit timestamps (spec.md
// §4.4.2). Both sit above maxTs, so neither collides with an actual tc.
const (
	TcAborted     uint64 = ^uint64(0)
	TcUncommitted uint64 = ^uint64(0) - 1
)

// TransactionStatus is one entry in a TransactionIndex: a start timestamp,
// its eventual outcome, and the version-value count pinning it in place for
// cleanup. Entries are pooled and reused across registrations (see
// TransactionIndex.RegisterTransaction), so every field is reset in reset.
type TransactionStatus struct {
	ts       uint64
	tc       atomic.Uint64
	step     atomic.Uint32
	mvvCount atomic.Int32
	state    atomic.Uint32

	// mu/cond form the "wwLock" of spec.md §5: a completion signal a second
	// transaction can block on via WWDependency, grounded on the channel
	// wait/wake shape of talent-plan-tinykv/kv/util/lockwaiter, adapted to
	// sync.Cond since there is exactly one signal per status rather than a
	// per-key waiter queue.
	mu   sync.Mutex
	cond *sync.Cond
}

func newTransactionStatus(ts uint64) *TransactionStatus {
	s := &TransactionStatus{ts: ts}
	s.cond = sync.NewCond(&s.mu)
	s.state.Store(uint32(StateActive))
	return s
}

// reset re-arms a pooled status for reuse at a new ts.
func (s *TransactionStatus) reset(ts uint64) {
	s.ts = ts
	s.tc.Store(0)
	s.step.Store(0)
	s.mvvCount.Store(0)
	s.state.Store(uint32(StateActive))
}

func (s *TransactionStatus) Ts() uint64  { return s.ts }
func (s *TransactionStatus) Tc() uint64  { return s.tc.Load() }
func (s *TransactionStatus) State() State { return State(s.state.Load()) }
func (s *TransactionStatus) MvvCount() int32 { return s.mvvCount.Load() }

func (s *TransactionStatus) IncrementMvvCount(delta int32) int32 {
	return s.mvvCount.Add(delta)
}

func (s *TransactionStatus) DecrementMvvCount(delta int32) int32 {
	return s.mvvCount.Add(-delta)
}

var errStepExhausted = errors.New("txnindex: step counter exhausted for this transaction")

// AllocateStep returns the next step value for a version handle within this
// transaction (spec.md §4.4.1).
func (s *TransactionStatus) AllocateStep() (uint32, error) {
	next := s.step.Add(1)
	if next > maxStep {
		return 0, errors.Trace(errStepExhausted)
	}
	return next, nil
}

func (s *TransactionStatus) notifyCompleted() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// waitCompleted blocks until the status leaves StateActive, ctx is done, or
// timeout elapses. It mirrors internal/latch's Cond+timer wait shape.
func (s *TransactionStatus) waitCompleted(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for State(s.state.Load()) == StateActive {
		timer := time.AfterFunc(time.Until(deadline), func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		var stop chan struct{}
		if ctx != nil && ctx.Done() != nil {
			stop = make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					s.mu.Lock()
					s.cond.Broadcast()
					s.mu.Unlock()
				case <-stop:
				}
			}()
		}
		s.cond.Wait()
		timer.Stop()
		if stop != nil {
			close(stop)
		}
		if ctx != nil && ctx.Err() != nil {
			return false
		}
		if !time.Now().Before(deadline) && State(s.state.Load()) == StateActive {
			return false
		}
	}
	return true
}
