package management

import (
	"sort"
	"sync"
	"time"

	"github.com/dengliu/persistit/internal/latch"
	"github.com/dengliu/persistit/internal/txnindex"
	"github.com/google/btree"
)

// treeItem adapts TreeInfo to btree.Item, ordering entries by tree name so
// Trees() returns a stable, sorted slice without sorting on every read
// (spec.md §4.5).
type treeItem struct {
	info TreeInfo
}

func (t *treeItem) Less(than btree.Item) bool {
	return t.info.TreeName < than.(*treeItem).info.TreeName
}

// Registry composes read-only snapshots of live latch and TransactionIndex
// state. It never mutates either; its Register* and Record* methods are the
// only writes, and they only add or replace entries this process itself
// owns.
type Registry struct {
	mu      sync.RWMutex
	latches map[string]*latch.SharedResource
	trees   *btree.BTree
	tasks   map[string]TaskStatus
	volumes map[string]VolumeInfo
	txns    *txnindex.TransactionIndex

	lastCleanup txnindex.CleanupStats
	haveCleanup bool

	journal      JournalInfo
	haveJournal  bool
	recovery     RecoveryInfo
	haveRecovery bool
}

// NewRegistry returns an empty Registry backed by txns for
// TransactionSnapshot queries. txns may be nil if the caller does not need
// transaction-index introspection.
func NewRegistry(txns *txnindex.TransactionIndex) *Registry {
	return &Registry{
		latches: map[string]*latch.SharedResource{},
		trees:   btree.New(32),
		tasks:   map[string]TaskStatus{},
		volumes: map[string]VolumeInfo{},
		txns:    txns,
	}
}

// RegisterLatch associates a named SharedResource with this registry so it
// shows up in BufferPools().
func (r *Registry) RegisterLatch(name string, res *latch.SharedResource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latches[name] = res
}

// RegisterTree records or replaces a tree's size snapshot.
func (r *Registry) RegisterTree(name string, depth int, keyCount int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trees.ReplaceOrInsert(&treeItem{info: TreeInfo{
		AcquisitionHeader: AcquisitionHeader{AcquisitionTime: time.Now()},
		TreeName:          name,
		Depth:             depth,
		KeyCount:          keyCount,
	}})
}

// RegisterVolume records or replaces a backing volume's shape snapshot.
func (r *Registry) RegisterVolume(name string, pageSize int, pageCount int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumes[name] = VolumeInfo{
		AcquisitionHeader: AcquisitionHeader{AcquisitionTime: time.Now()},
		VolumeName:        name,
		PageSize:          pageSize,
		PageCount:         pageCount,
	}
}

// Volumes returns every registered volume's snapshot, sorted by name.
func (r *Registry) Volumes() []VolumeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.volumes))
	for name := range r.volumes {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]VolumeInfo, 0, len(names))
	for _, name := range names {
		out = append(out, r.volumes[name])
	}
	return out
}

// RecordJournal records the write-ahead journal's current shape.
func (r *Registry) RecordJournal(generation uint64, base, current int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journal = JournalInfo{
		AcquisitionHeader: AcquisitionHeader{AcquisitionTime: time.Now()},
		CurrentGeneration: generation,
		BaseAddress:       base,
		CurrentAddress:    current,
	}
	r.haveJournal = true
}

// Journal returns the last recorded JournalInfo, or ok=false if none has
// been recorded.
func (r *Registry) Journal() (JournalInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.journal, r.haveJournal
}

// RecordRecovery records the outcome of the last recovery pass.
func (r *Registry) RecordRecovery(applied, errCount int, lastLogEntry uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovery = RecoveryInfo{
		AcquisitionHeader: AcquisitionHeader{AcquisitionTime: time.Now()},
		Applied:           applied,
		Errors:            errCount,
		LastLogEntry:      lastLogEntry,
	}
	r.haveRecovery = true
}

// Recovery returns the last recorded RecoveryInfo, or ok=false if none has
// been recorded.
func (r *Registry) Recovery() (RecoveryInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recovery, r.haveRecovery
}

// RecordTask records the outcome of a background maintenance run (for
// example a TransactionIndex.Cleanup pass) under name.
func (r *Registry) RecordTask(name string, running bool, lastErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	r.tasks[name] = TaskStatus{
		AcquisitionHeader: AcquisitionHeader{AcquisitionTime: time.Now()},
		TaskName:          name,
		Running:           running,
		LastError:         msg,
	}
}

// Trees returns every registered tree's snapshot, sorted by name.
func (r *Registry) Trees() []TreeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TreeInfo, 0, r.trees.Len())
	r.trees.Ascend(func(i btree.Item) bool {
		out = append(out, i.(*treeItem).info)
		return true
	})
	return out
}

// BufferPools returns one BufferPoolInfo per registered latch, sorted by
// name. Each SharedResource stands in for one named pool: its claim state
// maps onto occupancy the way a real buffer pool would report per-buffer
// dirty/available counts.
func (r *Registry) BufferPools() []BufferPoolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.latches))
	for name := range r.latches {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]BufferPoolInfo, 0, len(names))
	for _, name := range names {
		res := r.latches[name]
		dirty := 0
		if res.HasStatus(latch.Dirty) {
			dirty = 1
		}
		avail := 0
		if res.IsAvailable() {
			avail = 1
		}
		out = append(out, BufferPoolInfo{
			AcquisitionHeader: AcquisitionHeader{AcquisitionTime: time.Now()},
			PoolName:          name,
			BufferCount:       1,
			DirtyCount:        dirty,
			AvailCount:        avail,
		})
	}
	return out
}

// Tasks returns every recorded task status, sorted by name.
func (r *Registry) Tasks() []TaskStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]TaskStatus, 0, len(names))
	for _, name := range names {
		out = append(out, r.tasks[name])
	}
	return out
}

// TransactionSnapshot reports the number of still-active transactions in the
// last published active-transaction cache and the most recent Cleanup
// outcome recorded for it. ok reports whether a Cleanup outcome has been
// recorded; cleanup is the zero value until then. All three results are
// zero values if this registry has no TransactionIndex.
func (r *Registry) TransactionSnapshot() (activeCount int, cleanup txnindex.CleanupStats, ok bool) {
	if r.txns == nil {
		return 0, txnindex.CleanupStats{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.txns.ActiveTransactionCache()), r.lastCleanup, r.haveCleanup
}

// RecordCleanup stores the outcome of a Cleanup pass for TransactionSnapshot.
func (r *Registry) RecordCleanup(stats txnindex.CleanupStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCleanup = stats
	r.haveCleanup = true
}

// Snapshot is the full read-only view of engine state a Management client
// would render at once (spec.md §4.5).
type Snapshot struct {
	BufferPools    []BufferPoolInfo
	Trees          []TreeInfo
	Volumes        []VolumeInfo
	Tasks          []TaskStatus
	ActiveCount    int
	Cleanup        txnindex.CleanupStats
	HasCleanupInfo bool
	Journal        JournalInfo
	HasJournal     bool
	Recovery       RecoveryInfo
	HasRecovery    bool
}

// Snapshot composes every accessor into a single point-in-time view, taken
// without mutating any of them.
func (r *Registry) Snapshot() Snapshot {
	active, cleanup, ok := r.TransactionSnapshot()
	journal, haveJournal := r.Journal()
	recovery, haveRecovery := r.Recovery()
	return Snapshot{
		BufferPools:    r.BufferPools(),
		Trees:          r.Trees(),
		Volumes:        r.Volumes(),
		Tasks:          r.Tasks(),
		ActiveCount:    active,
		Cleanup:        cleanup,
		HasCleanupInfo: ok,
		Journal:        journal,
		HasJournal:     haveJournal,
		Recovery:       recovery,
		HasRecovery:    haveRecovery,
	}
}
