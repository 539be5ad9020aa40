package heapsampler

import (
	"sync"
	"sync/atomic"
)

// Hook point signatures for the allocator dispatch chain. Each hook
// receives the layer it is installed on; implementations delegate to
// d.Next() to reach the layer below, mirroring how the chain head is
// invoked: h := ChainHead(); h.Alloc(h, size).
type (
	AllocFn                func(d *Dispatch, size uint64) uintptr
	AllocZeroInitializedFn func(d *Dispatch, n, size uint64) uintptr
	AllocAlignedFn         func(d *Dispatch, alignment, size uint64) uintptr
	ReallocFn              func(d *Dispatch, address uintptr, size uint64) uintptr
	FreeFn                 func(d *Dispatch, address uintptr)
	GetSizeEstimateFn      func(d *Dispatch, address uintptr) uint64
	BatchAllocFn           func(d *Dispatch, size uint64, count int) []uintptr
	BatchFreeFn            func(d *Dispatch, addresses []uintptr)
	FreeDefiniteSizeFn     func(d *Dispatch, address uintptr, size uint64)
)

// Dispatch is one layer of the allocator hook chain. Every hook must be
// set before the layer is inserted; a layer that has no interest in a hook
// still delegates so the chain stays uniform.
type Dispatch struct {
	Alloc                AllocFn
	AllocZeroInitialized AllocZeroInitializedFn
	AllocAligned         AllocAlignedFn
	Realloc              ReallocFn
	Free                 FreeFn
	GetSizeEstimate      GetSizeEstimateFn
	BatchAlloc           BatchAllocFn
	BatchFree            BatchFreeFn
	FreeDefiniteSize     FreeDefiniteSizeFn

	next atomic.Pointer[Dispatch]
}

// Next returns the layer below d. It is nil only for the chain's terminal
// layer.
func (d *Dispatch) Next() *Dispatch { return d.next.Load() }

// chainTail terminates the chain before a real allocator layer has been
// installed; it satisfies every hook with zero values.
var chainTail = Dispatch{
	Alloc:                func(*Dispatch, uint64) uintptr { return 0 },
	AllocZeroInitialized: func(*Dispatch, uint64, uint64) uintptr { return 0 },
	AllocAligned:         func(*Dispatch, uint64, uint64) uintptr { return 0 },
	Realloc:              func(*Dispatch, uintptr, uint64) uintptr { return 0 },
	Free:                 func(*Dispatch, uintptr) {},
	GetSizeEstimate:      func(*Dispatch, uintptr) uint64 { return 0 },
	BatchAlloc:           func(*Dispatch, uint64, int) []uintptr { return nil },
	BatchFree:            func(*Dispatch, []uintptr) {},
	FreeDefiniteSize:     func(*Dispatch, uintptr, uint64) {},
}

var (
	chainMu   sync.Mutex
	chainHead atomic.Pointer[Dispatch]
)

func init() { chainHead.Store(&chainTail) }

// ChainHead returns the current entry point of the allocator hook chain.
// Callers invoke hooks as h.Alloc(h, size) so each layer can reach the one
// below it.
func ChainHead() *Dispatch { return chainHead.Load() }

// InsertDispatch pushes d onto the chain so it sees every allocator call
// before the layers below it. It panics if d is missing a hook or was
// already inserted. Layers are never removed.
func InsertDispatch(d *Dispatch) {
	if d.Alloc == nil || d.AllocZeroInitialized == nil || d.AllocAligned == nil ||
		d.Realloc == nil || d.Free == nil || d.GetSizeEstimate == nil ||
		d.BatchAlloc == nil || d.BatchFree == nil || d.FreeDefiniteSize == nil {
		panic(`heapsampler: dispatch layer is missing a hook`)
	}
	chainMu.Lock()
	defer chainMu.Unlock()
	if d.next.Load() != nil {
		panic(`heapsampler: dispatch layer already inserted`)
	}
	d.next.Store(chainHead.Load())
	chainHead.Store(d)
}

// newSamplerDispatch builds the sampler's own chain layer. Allocations are
// recorded after delegating, once the address is known; frees are recorded
// before delegating, because the moment the underlying free completes the
// address can be reissued to another goroutine.
func newSamplerDispatch(s *Sampler) *Dispatch {
	return &Dispatch{
		Alloc: func(d *Dispatch, size uint64) uintptr {
			n := d.Next()
			address := n.Alloc(n, size)
			s.RecordAlloc(address, size, AllocatorMalloc, ``)
			return address
		},
		AllocZeroInitialized: func(d *Dispatch, count, size uint64) uintptr {
			n := d.Next()
			address := n.AllocZeroInitialized(n, count, size)
			s.RecordAlloc(address, count*size, AllocatorMalloc, ``)
			return address
		},
		AllocAligned: func(d *Dispatch, alignment, size uint64) uintptr {
			n := d.Next()
			address := n.AllocAligned(n, alignment, size)
			s.RecordAlloc(address, size, AllocatorMalloc, ``)
			return address
		},
		Realloc: func(d *Dispatch, address uintptr, size uint64) uintptr {
			s.RecordFree(address)
			n := d.Next()
			moved := n.Realloc(n, address, size)
			s.RecordAlloc(moved, size, AllocatorMalloc, ``)
			return moved
		},
		Free: func(d *Dispatch, address uintptr) {
			s.RecordFree(address)
			n := d.Next()
			n.Free(n, address)
		},
		GetSizeEstimate: func(d *Dispatch, address uintptr) uint64 {
			n := d.Next()
			return n.GetSizeEstimate(n, address)
		},
		BatchAlloc: func(d *Dispatch, size uint64, count int) []uintptr {
			n := d.Next()
			addresses := n.BatchAlloc(n, size, count)
			for _, address := range addresses {
				s.RecordAlloc(address, size, AllocatorMalloc, ``)
			}
			return addresses
		},
		BatchFree: func(d *Dispatch, addresses []uintptr) {
			for _, address := range addresses {
				s.RecordFree(address)
			}
			n := d.Next()
			n.BatchFree(n, addresses)
		},
		FreeDefiniteSize: func(d *Dispatch, address uintptr, size uint64) {
			s.RecordFree(address)
			n := d.Next()
			n.FreeDefiniteSize(n, address, size)
		},
	}
}
