// Package mon implements byte-limited memory accounting for the hash join
// operator, adapted from the teacher's pkg/sql/mon (a MemoryMonitor with a
// configured limit, and BoundAccounts that reserve/release against it).
package mon

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// OutOfMemoryError is returned by Grow when satisfying the request would
// exceed the monitor's limit.
type OutOfMemoryError struct {
	Requested int64
	Used      int64
	Limit     int64
}

func (e *OutOfMemoryError) Error() string {
	return errors.Newf(
		"out of memory: could not grow by %d, used %d, limit %d",
		e.Requested, e.Used, e.Limit,
	).Error()
}

// BytesMonitor tracks a pool of byte budget shared by every BoundAccount
// opened against it. It is the root of the single per-operator allocator
// described in spec §5 ("Shared resources").
type BytesMonitor struct {
	mu    sync.Mutex
	limit int64
	used  int64
}

// NewBytesMonitor creates a monitor with the given byte limit. A limit of 0
// means unlimited, matching the MAX_MEMORY=0 "inherit" convention in spec §6.
func NewBytesMonitor(limit int64) *BytesMonitor {
	return &BytesMonitor{limit: limit}
}

// Limit returns the monitor's configured byte limit (0 means unlimited).
func (m *BytesMonitor) Limit() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limit
}

// SetLimit raises or lowers the monitor's limit. It is used by the
// partition-tuning rule in spec §4.2 to raise the allocator limit to the
// system maximum when spilling is disabled via fallback.
func (m *BytesMonitor) SetLimit(limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = limit
}

// Used returns the number of bytes currently reserved across all accounts.
func (m *BytesMonitor) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

func (m *BytesMonitor) reserve(n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit > 0 && m.used+n > m.limit {
		return &OutOfMemoryError{Requested: n, Used: m.used, Limit: m.limit}
	}
	m.used += n
	return nil
}

func (m *BytesMonitor) release(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used -= n
	if m.used < 0 {
		m.used = 0
	}
}

// MakeBoundAccount opens a new BoundAccount against the monitor.
func (m *BytesMonitor) MakeBoundAccount() *BoundAccount {
	return &BoundAccount{mon: m}
}

// BoundAccount is a single collaborator's claim against a BytesMonitor's
// shared budget. The driver opens one and shares it, through a single
// colmem.Allocator, across every Partition and its output batch, so OOM is
// detected at the allocation site regardless of who triggered it, per
// spec §5.
type BoundAccount struct {
	mon  *BytesMonitor
	used int64
}

// Grow reserves n additional bytes, failing with *OutOfMemoryError if doing
// so would exceed the parent monitor's limit.
func (b *BoundAccount) Grow(n int64) error {
	if b.mon == nil {
		return nil
	}
	if err := b.mon.reserve(n); err != nil {
		return err
	}
	b.used += n
	return nil
}

// Shrink releases n bytes previously reserved via Grow.
func (b *BoundAccount) Shrink(n int64) {
	if b.mon == nil {
		return
	}
	if n > b.used {
		n = b.used
	}
	b.mon.release(n)
	b.used -= n
}

// Used returns the number of bytes currently reserved by this account.
func (b *BoundAccount) Used() int64 {
	return b.used
}

// Close releases every byte this account is holding.
func (b *BoundAccount) Close() {
	b.Shrink(b.used)
}
