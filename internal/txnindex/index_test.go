package txnindex

import (
	"context"
	"testing"
	"time"

	"github.com/dengliu/persistit/internal/config"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex() *TransactionIndex {
	return New(config.DefaultConfig())
}

func TestRegisterAssignsIncreasingTimestamps(t *testing.T) {
	idx := newTestIndex()
	a, err := idx.RegisterTransaction()
	require.NoError(t, err)
	b, err := idx.RegisterTransaction()
	require.NoError(t, err)
	assert.Less(t, a.Ts(), b.Ts())
	assert.Equal(t, StateActive, a.State())
}

func TestCommitStatusOwnWriteVisibleUpToOwnStep(t *testing.T) {
	idx := newTestIndex()
	a, err := idx.RegisterTransaction()
	require.NoError(t, err)

	step, err := a.AllocateStep()
	require.NoError(t, err)

	tc, err := idx.CommitStatus(MakeVh(a.Ts(), step), a.Ts(), step)
	require.NoError(t, err)
	assert.True(t, Visible(tc, a.Ts()), "a transaction sees its own writes up to its own step")

	tc, err = idx.CommitStatus(MakeVh(a.Ts(), step+1), a.Ts(), step)
	require.NoError(t, err)
	assert.False(t, Visible(tc, a.Ts()), "a step ahead of the reader's own step is not yet visible")
}

func TestCommitStatusVisibilityRules(t *testing.T) {
	idx := newTestIndex()
	writer, err := idx.RegisterTransaction()
	require.NoError(t, err)
	reader, err := idx.RegisterTransaction()
	require.NoError(t, err)

	vh := Ts2Vh(writer.Ts())

	tc, err := idx.CommitStatus(vh, reader.Ts(), 0)
	require.NoError(t, err)
	assert.Equal(t, TcUncommitted, tc, "an active foreign write reports uncommitted")

	require.NoError(t, idx.Commit(writer.Ts(), reader.Ts()+1))
	tc, err = idx.CommitStatus(vh, reader.Ts(), 0)
	require.NoError(t, err)
	assert.Equal(t, reader.Ts()+1, tc, "commitStatus still reports tc even when it is not visible")
	assert.False(t, Visible(tc, reader.Ts()), "committed after the reader's snapshot is concurrent, not visible")

	later, err := idx.RegisterTransaction()
	require.NoError(t, err)
	tc, err = idx.CommitStatus(vh, later.Ts(), 0)
	require.NoError(t, err)
	assert.True(t, Visible(tc, later.Ts()), "committed before the reader's snapshot is visible")
}

func TestAbortedWriteNeverVisible(t *testing.T) {
	idx := newTestIndex()
	writer, err := idx.RegisterTransaction()
	require.NoError(t, err)
	reader, err := idx.RegisterTransaction()
	require.NoError(t, err)
	require.NoError(t, idx.Abort(writer.Ts()))

	tc, err := idx.CommitStatus(Ts2Vh(writer.Ts()), reader.Ts(), 0)
	require.NoError(t, err)
	assert.Equal(t, TcAborted, tc)
	assert.False(t, Visible(tc, reader.Ts()))
}

func TestCommitAndAbortRejectNonActiveTransition(t *testing.T) {
	idx := newTestIndex()
	a, err := idx.RegisterTransaction()
	require.NoError(t, err)
	require.NoError(t, idx.Commit(a.Ts(), a.Ts()+1))
	assert.Equal(t, ErrIllegalState, errors.Cause(idx.Commit(a.Ts(), a.Ts()+2)))
	assert.Equal(t, ErrIllegalState, errors.Cause(idx.Abort(a.Ts())))
}

func TestHasConcurrentTransactionActiveWithinWindow(t *testing.T) {
	idx := newTestIndex()
	_, err := idx.RegisterTransaction()
	require.NoError(t, err)
	newer, err := idx.RegisterTransaction()
	require.NoError(t, err)
	idx.UpdateActiveTransactionCache()

	assert.True(t, idx.HasConcurrentTransaction(0, newer.Ts()+1), "older is still active and starts inside the window")
}

func TestHasConcurrentTransactionCommittedAfterHighTsCounts(t *testing.T) {
	idx := newTestIndex()
	writer, err := idx.RegisterTransaction()
	require.NoError(t, err)
	reader, err := idx.RegisterTransaction()
	require.NoError(t, err)
	require.NoError(t, idx.Commit(writer.Ts(), reader.Ts()+100))
	idx.UpdateActiveTransactionCache()

	assert.True(t, idx.HasConcurrentTransaction(0, reader.Ts()), "writer committed after the window's high bound")
}

func TestHasConcurrentTransactionCommittedBeforeHighTsDoesNotCount(t *testing.T) {
	idx := newTestIndex()
	writer, err := idx.RegisterTransaction()
	require.NoError(t, err)
	require.NoError(t, idx.Commit(writer.Ts(), writer.Ts()+1))
	reader, err := idx.RegisterTransaction()
	require.NoError(t, err)
	idx.UpdateActiveTransactionCache()

	// The window (0, reader.Ts()) excludes the still-active reader itself.
	assert.False(t, idx.HasConcurrentTransaction(0, reader.Ts()))
}

func TestHasConcurrentTransactionOutsideWindowDoesNotCount(t *testing.T) {
	idx := newTestIndex()
	early, err := idx.RegisterTransaction()
	require.NoError(t, err)
	idx.UpdateActiveTransactionCache()

	assert.False(t, idx.HasConcurrentTransaction(early.Ts(), early.Ts()+1), "the window (ts,ts+1) is empty")
}

func TestHasConcurrentTransactionAbortedDoesNotCount(t *testing.T) {
	idx := newTestIndex()
	writer, err := idx.RegisterTransaction()
	require.NoError(t, err)
	reader, err := idx.RegisterTransaction()
	require.NoError(t, err)
	require.NoError(t, idx.Abort(writer.Ts()))
	idx.UpdateActiveTransactionCache()

	// The window (0, reader.Ts()) excludes the still-active reader itself.
	assert.False(t, idx.HasConcurrentTransaction(0, reader.Ts()))
}

func TestWWDependencyUnblocksOnCommit(t *testing.T) {
	idx := newTestIndex()
	source, err := idx.RegisterTransaction()
	require.NoError(t, err)
	blocker, err := idx.RegisterTransaction()
	require.NoError(t, err)

	done := make(chan uint64, 1)
	go func() {
		tc, _ := idx.WWDependency(context.Background(), Ts2Vh(blocker.Ts()), source.Ts(), time.Second)
		done <- tc
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, idx.Commit(blocker.Ts(), blocker.Ts()+1))

	select {
	case tc := <-done:
		assert.Equal(t, blocker.Ts()+1, tc)
	case <-time.After(time.Second):
		t.Fatal("WWDependency did not unblock after commit")
	}
}

func TestWWDependencyTimesOut(t *testing.T) {
	idx := newTestIndex()
	source, err := idx.RegisterTransaction()
	require.NoError(t, err)
	blocker, err := idx.RegisterTransaction()
	require.NoError(t, err)
	tc, err := idx.WWDependency(context.Background(), Ts2Vh(blocker.Ts()), source.Ts(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, TcUncommitted, tc)
}

func TestWWDependencyOnUnknownTargetIsIllegalArgument(t *testing.T) {
	idx := newTestIndex()
	source, err := idx.RegisterTransaction()
	require.NoError(t, err)
	_, err = idx.WWDependency(context.Background(), Ts2Vh(999999), source.Ts(), time.Millisecond)
	assert.Equal(t, ErrIllegalArgument, errors.Cause(err))
}

func TestWWDependencyRefusesSelfDependency(t *testing.T) {
	idx := newTestIndex()
	a, err := idx.RegisterTransaction()
	require.NoError(t, err)
	_, err = idx.WWDependency(context.Background(), Ts2Vh(a.Ts()), a.Ts(), time.Millisecond)
	assert.Equal(t, ErrIllegalArgument, errors.Cause(err))
}

func TestActiveTransactionCacheSnapshot(t *testing.T) {
	idx := newTestIndex()
	a, err := idx.RegisterTransaction()
	require.NoError(t, err)
	b, err := idx.RegisterTransaction()
	require.NoError(t, err)
	idx.UpdateActiveTransactionCache()
	assert.Equal(t, []uint64{a.Ts(), b.Ts()}, idx.ActiveTransactionCache())

	require.NoError(t, idx.Commit(a.Ts(), a.Ts()+1))
	idx.UpdateActiveTransactionCache()
	assert.Equal(t, []uint64{b.Ts()}, idx.ActiveTransactionCache())
}

func TestVersionHandleRoundTrip(t *testing.T) {
	vh := MakeVh(12345, 17)
	assert.Equal(t, uint64(12345), VhTs(vh))
	assert.Equal(t, uint32(17), VhStep(vh))
	assert.Equal(t, uint64(12345), VhTs(Ts2Vh(12345)))
	assert.Equal(t, uint32(0), VhStep(Ts2Vh(12345)))
}
