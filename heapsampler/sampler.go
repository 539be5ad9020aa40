package heapsampler

import (
	"math"
	"math/bits"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-schedcore/internal/goid"
	"github.com/joeycumines/logiface"
)

// DefaultSamplingInterval is the mean number of bytes between samples until
// SetSamplingInterval overrides it.
const DefaultSamplingInterval = 128 * 1024

// initialBucketCount sizes the first address-set generation.
const initialBucketCount = 64

// shardCount is the number of per-goroutine accounting shards. Power of
// two so goroutine IDs mask directly to an index.
const shardCount = 256

// AllocatorKind identifies which allocator surface produced an event.
type AllocatorKind uint32

const (
	// AllocatorMalloc marks events routed through the dispatch chain.
	AllocatorMalloc AllocatorKind = iota
	// AllocatorManual marks events reported directly by a collaborator.
	AllocatorManual
)

// SamplesObserver receives sample lifecycle notifications. Callbacks run
// with the sampler's internal lock held and with sampling muted on the
// calling goroutine's shard; they must not block.
type SamplesObserver interface {
	// SampleAdded reports a newly recorded allocation. total is the number
	// of bytes the sample stands in for: the mean interval times the count
	// of virtual samples collapsed into this one.
	SampleAdded(address uintptr, size, total uint64, kind AllocatorKind, context string)
	// SampleRemoved reports that a recorded allocation was freed.
	SampleRemoved(address uintptr)
}

// allocShard is the per-goroutine accounting slot, the moral equivalent of
// raw TLS in the hook environment: plain counters only, valid to touch at
// any point in a goroutine's life.
type allocShard struct {
	// accumulated counts bytes toward the next sample point; it stays
	// negative between samples.
	accumulated atomic.Int64
	// seeded is set once the shard has been charged its first interval.
	seeded atomic.Uint32
	// initialized is set once the shard's first sample decision, an
	// artifact of the counter starting cold, has been discarded.
	initialized atomic.Uint32
	// muted suppresses recording while the shard's goroutine is inside
	// sampler bookkeeping.
	muted atomic.Int32

	_ [44]byte
}

// Sampler statistically records allocator traffic. See the package
// documentation for the concurrency model. The zero value is not usable;
// obtain the process-wide instance via Get.
type Sampler struct {
	running          atomic.Int64
	samplingInterval atomic.Uint64
	deterministic    atomic.Bool
	addresses        atomic.Pointer[LockFreeAddressSet]
	logger           atomic.Pointer[logiface.Logger[logiface.Event]]

	installOnce    sync.Once
	hooksInstalled atomic.Uint32
	hooksCallback  func()

	mu          sync.Mutex
	observers   []SamplesObserver
	generations []*LockFreeAddressSet

	shards [shardCount]allocShard
}

var (
	samplerInstance atomic.Pointer[Sampler]
	samplerInitMu   sync.Mutex
)

// Get returns the process-wide sampler, constructing it on first use. The
// sampler is never destroyed.
func Get() *Sampler {
	if s := samplerInstance.Load(); s != nil {
		return s
	}
	samplerInitMu.Lock()
	defer samplerInitMu.Unlock()
	if s := samplerInstance.Load(); s != nil {
		return s
	}
	s := newSampler()
	samplerInstance.Store(s)
	return s
}

func newSampler() *Sampler {
	s := new(Sampler)
	s.samplingInterval.Store(DefaultSamplingInterval)
	set := NewLockFreeAddressSet(initialBucketCount)
	s.addresses.Store(set)
	s.generations = []*LockFreeAddressSet{set}
	return s
}

// SetLogger configures an optional logger. A nil logger disables logging.
func (s *Sampler) SetLogger(logger *logiface.Logger[logiface.Event]) {
	s.logger.Store(logger)
}

// Start enables sampling, installing the allocator hooks on the first call
// process-wide. Start and Stop nest; sampling is active while the count of
// Starts exceeds the count of Stops. Hooks stay installed after Stop.
func (s *Sampler) Start() {
	s.installOnce.Do(s.installHooks)
	s.running.Add(1)
}

// Stop decrements the running count. It panics if called more times than
// Start.
func (s *Sampler) Stop() {
	if s.running.Add(-1) < 0 {
		panic(`heapsampler: Stop called without a matching Start`)
	}
}

// SetSamplingInterval sets the mean number of bytes between samples.
func (s *Sampler) SetSamplingInterval(bytes uint64) {
	if bytes == 0 {
		panic(`heapsampler: sampling interval must be positive`)
	}
	s.samplingInterval.Store(bytes)
	s.logger.Load().Debug().
		Uint64(`interval_bytes`, bytes).
		Log(`sampling interval updated`)
}

// SuppressRandomnessForTest makes every drawn sample interval exactly the
// mean, so tests can predict sample points.
func (s *Sampler) SuppressRandomnessForTest(suppress bool) {
	s.deterministic.Store(suppress)
}

// SetHooksInstallCallback registers a one-shot callback invoked once the
// allocator hooks have been installed, whichever of installation and
// registration happens second. May be set at most once, before or after
// Start.
func (s *Sampler) SetHooksInstallCallback(callback func()) {
	if callback == nil || s.hooksCallback != nil {
		panic(`heapsampler: hooks install callback must be set exactly once`)
	}
	s.hooksCallback = callback
	if !s.hooksInstalled.CompareAndSwap(0, 1) {
		callback()
	}
}

// AddSamplesObserver registers an observer for subsequent samples.
func (s *Sampler) AddSamplesObserver(observer SamplesObserver) {
	shard := s.shard()
	shard.muted.Add(1)
	defer shard.muted.Add(-1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observer)
}

// RemoveSamplesObserver unregisters a previously added observer. It panics
// if the observer is not registered.
func (s *Sampler) RemoveSamplesObserver(observer SamplesObserver) {
	shard := s.shard()
	shard.muted.Add(1)
	defer shard.muted.Add(-1)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.observers {
		if existing == observer {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
	panic(`heapsampler: observer is not registered`)
}

// RecordAlloc accounts an allocation of size bytes at address, recording a
// sample when the calling goroutine's accumulator crosses its next sample
// point. Called by the dispatch chain; collaborators with their own
// allocation source may call it directly with AllocatorManual.
func (s *Sampler) RecordAlloc(address uintptr, size uint64, kind AllocatorKind, context string) {
	if s.running.Load() == 0 {
		return
	}
	shard := s.shard()
	if shard.seeded.CompareAndSwap(0, 1) {
		// Charge a fresh shard one full interval up front so its counter
		// does not start at the sample point.
		shard.accumulated.Add(-int64(s.samplingInterval.Load()))
	}
	accumulated := shard.accumulated.Add(int64(size))
	if accumulated < 0 {
		return
	}
	s.doRecordAlloc(shard, accumulated, address, size, kind, context)
}

func (s *Sampler) doRecordAlloc(shard *allocShard, accumulated int64, address uintptr, size uint64, kind AllocatorKind, context string) {
	mean := int64(s.samplingInterval.Load())
	samples := uint64(accumulated / mean)
	accumulated %= mean
	for {
		accumulated -= s.nextSampleInterval(mean)
		samples++
		if accumulated < 0 {
			break
		}
	}
	shard.accumulated.Store(accumulated)

	if shard.initialized.CompareAndSwap(0, 1) {
		// The first decision on a shard is an artifact of the counter
		// starting cold; drop one sample so it does not skew the profile.
		samples--
		if samples == 0 {
			return
		}
	}

	if address == 0 || shard.muted.Load() != 0 {
		return
	}
	shard.muted.Add(1)
	defer shard.muted.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.addresses.Load()
	if set.Contains(address) {
		// Alloc seen twice without an intervening free; benign, keep the
		// original sample.
		return
	}
	set.Insert(address)
	s.balanceAddressSet(set)

	total := uint64(mean) * samples
	for _, observer := range s.observers {
		observer.SampleAdded(address, size, total, kind, context)
	}
}

// RecordFree accounts a free, removing the sample for address if one was
// recorded. Membership is tested lock-free against the current generation
// before the removal path takes the lock.
func (s *Sampler) RecordFree(address uintptr) {
	if address == 0 {
		return
	}
	if s.addresses.Load().Contains(address) {
		s.doRecordFree(address)
	}
}

func (s *Sampler) doRecordFree(address uintptr) {
	shard := s.shard()
	if shard.muted.Load() != 0 {
		return
	}
	shard.muted.Add(1)
	defer shard.muted.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, observer := range s.observers {
		observer.SampleRemoved(address)
	}
	s.addresses.Load().Remove(address)
}

// balanceAddressSet grows the address set once its load factor reaches 1,
// doubling the bucket count. The caller must hold s.mu. The superseded
// generation stays reachable from s.generations so concurrent readers that
// loaded the old pointer remain safe.
func (s *Sampler) balanceAddressSet(current *LockFreeAddressSet) {
	if current.LoadFactor() < 1 {
		return
	}
	grown := NewLockFreeAddressSet(current.BucketCount() * 2)
	grown.Copy(current)
	s.addresses.Store(grown)
	s.generations = append(s.generations, grown)
	s.logger.Load().Debug().
		Int(`buckets`, grown.BucketCount()).
		Int(`generations`, len(s.generations)).
		Log(`address set grown`)
}

// nextSampleInterval draws the byte distance to the next sample point from
// an exponential distribution with the given mean.
func (s *Sampler) nextSampleInterval(mean int64) int64 {
	if s.deterministic.Load() {
		return mean
	}
	value := -math.Log(rand.Float64()) * float64(mean)
	// Clamp below to a pointer's width so draws are never zero, and above
	// to bound gaps in the sample stream; the upper clamp fires with
	// probability exp(-20), far too rare to skew the distribution.
	minValue := int64(bits.UintSize / 8)
	maxValue := mean * 20
	if value < float64(minValue) {
		return minValue
	}
	if value > float64(maxValue) {
		return maxValue
	}
	return int64(value)
}

func (s *Sampler) installHooks() {
	InsertDispatch(newSamplerDispatch(s))
	s.logger.Load().Debug().Log(`allocator hooks installed`)
	if !s.hooksInstalled.CompareAndSwap(0, 1) {
		s.hooksCallback()
	}
}

func (s *Sampler) shard() *allocShard {
	return &s.shards[goid.Get()&(shardCount-1)]
}
