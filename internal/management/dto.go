// Package management exposes a read-only, in-process introspection surface
// over the core engine (spec.md §4.5, C5): DTOs snapshotting latch and
// transaction-index state, with no mutation path back into either.
package management

import "time"

// AcquisitionHeader is embedded by value in every DTO below, replacing the
// source's shared base-class inheritance with composition (spec.md §9).
type AcquisitionHeader struct {
	AcquisitionTime time.Time
}

// BufferPoolInfo summarizes one buffer pool's occupancy.
type BufferPoolInfo struct {
	AcquisitionHeader
	PoolName    string
	BufferCount int
	DirtyCount  int
	AvailCount  int
}

// VolumeInfo summarizes one backing volume's shape. It models the fields a
// real volume header would report without opening a file (spec.md §3
// domain stack: on-disk storage is out of core scope).
type VolumeInfo struct {
	AcquisitionHeader
	VolumeName string
	PageSize   int
	PageCount  int64
}

// TreeInfo summarizes one named tree's size.
type TreeInfo struct {
	AcquisitionHeader
	TreeName string
	Depth    int
	KeyCount int64
}

// TaskStatus summarizes a background maintenance task (e.g. a TransactionIndex
// Cleanup run).
type TaskStatus struct {
	AcquisitionHeader
	TaskName  string
	Running   bool
	LastError string
}

// JournalInfo summarizes the write-ahead journal's shape (spec.md §3: the
// journal file format itself is out of core scope; this models what a
// consumer of Management would see).
type JournalInfo struct {
	AcquisitionHeader
	CurrentGeneration uint64
	BaseAddress       int64
	CurrentAddress    int64
}

// RecoveryInfo summarizes the outcome of the last recovery pass.
type RecoveryInfo struct {
	AcquisitionHeader
	Applied      int
	Errors       int
	LastLogEntry uint64
}
