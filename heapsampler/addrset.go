package heapsampler

import "sync/atomic"

// LockFreeAddressSet is an open hash set of pointer-sized keys built for a
// locked-writer, lock-free-reader workload. Contains may be called from any
// goroutine concurrently with a writer; Insert, Remove and Copy must be
// serialized externally.
//
// Removal clears a cell's key in place rather than unlinking the cell, so
// bucket chains only ever grow; vacated cells are reused by later inserts
// into the same bucket. The bucket count is fixed at construction; callers
// grow by allocating a larger set and copying into it.
type LockFreeAddressSet struct {
	buckets []atomic.Pointer[setCell]
	mask    uintptr
	size    atomic.Int64
}

// setCell is one chain link. next is immutable once the cell is published
// to its bucket; key is zero while the cell is vacant.
type setCell struct {
	key  atomic.Uintptr
	next *setCell
}

// NewLockFreeAddressSet allocates an empty set with the given bucket count,
// which must be a power of two.
func NewLockFreeAddressSet(bucketCount int) *LockFreeAddressSet {
	if bucketCount <= 0 || bucketCount&(bucketCount-1) != 0 {
		panic(`heapsampler: bucket count must be a power of two`)
	}
	return &LockFreeAddressSet{
		buckets: make([]atomic.Pointer[setCell], bucketCount),
		mask:    uintptr(bucketCount - 1),
	}
}

// Contains reports whether addr is in the set. Safe to call without the
// writer lock.
func (s *LockFreeAddressSet) Contains(addr uintptr) bool {
	for c := s.buckets[s.bucketIndex(addr)].Load(); c != nil; c = c.next {
		if c.key.Load() == addr {
			return true
		}
	}
	return false
}

// Insert adds addr to the set. Inserting an address already present is a
// no-op. The caller must hold the writer lock.
func (s *LockFreeAddressSet) Insert(addr uintptr) {
	if addr == 0 {
		panic(`heapsampler: cannot insert the zero address`)
	}
	bucket := &s.buckets[s.bucketIndex(addr)]
	var vacant *setCell
	for c := bucket.Load(); c != nil; c = c.next {
		switch c.key.Load() {
		case addr:
			return
		case 0:
			if vacant == nil {
				vacant = c
			}
		}
	}
	if vacant != nil {
		vacant.key.Store(addr)
	} else {
		c := &setCell{next: bucket.Load()}
		c.key.Store(addr)
		// Publishing through the atomic pointer makes the cell, including
		// its immutable next link, visible to lock-free readers.
		bucket.Store(c)
	}
	s.size.Add(1)
}

// Remove deletes addr from the set, reporting whether it was present. The
// caller must hold the writer lock.
func (s *LockFreeAddressSet) Remove(addr uintptr) bool {
	for c := s.buckets[s.bucketIndex(addr)].Load(); c != nil; c = c.next {
		if c.key.Load() == addr {
			c.key.Store(0)
			s.size.Add(-1)
			return true
		}
	}
	return false
}

// Copy inserts every address held by other into s. The caller must hold
// the writer lock, and other must not be mutated for the duration.
func (s *LockFreeAddressSet) Copy(other *LockFreeAddressSet) {
	for i := range other.buckets {
		for c := other.buckets[i].Load(); c != nil; c = c.next {
			if addr := c.key.Load(); addr != 0 {
				s.Insert(addr)
			}
		}
	}
}

// Len returns the number of addresses currently in the set.
func (s *LockFreeAddressSet) Len() int { return int(s.size.Load()) }

// BucketCount returns the fixed bucket count.
func (s *LockFreeAddressSet) BucketCount() int { return len(s.buckets) }

// LoadFactor returns Len divided by BucketCount.
func (s *LockFreeAddressSet) LoadFactor() float64 {
	return float64(s.size.Load()) / float64(len(s.buckets))
}

func (s *LockFreeAddressSet) bucketIndex(addr uintptr) uintptr {
	// Fibonacci multiplicative hash; heap addresses share their low bits
	// through allocator alignment, the multiply spreads them.
	h := uint64(addr) * 0x9e3779b97f4a7c15
	return uintptr(h>>32) & s.mask
}
