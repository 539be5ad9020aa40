package heapsampler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleEvent struct {
	address uintptr
	size    uint64
	total   uint64
	kind    AllocatorKind
	context string
}

// recordingObserver captures sample notifications.
type recordingObserver struct {
	mu      sync.Mutex
	added   []sampleEvent
	removed []uintptr
}

func (o *recordingObserver) SampleAdded(address uintptr, size, total uint64, kind AllocatorKind, context string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.added = append(o.added, sampleEvent{address, size, total, kind, context})
}

func (o *recordingObserver) SampleRemoved(address uintptr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, address)
}

func (o *recordingObserver) addedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.added)
}

func (o *recordingObserver) removedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.removed)
}

// testSampler builds a fresh, deterministic, running sampler.
func testSampler(t *testing.T, interval uint64) (*Sampler, *recordingObserver) {
	t.Helper()
	s := newSampler()
	s.SetSamplingInterval(interval)
	s.SuppressRandomnessForTest(true)
	s.Start()
	t.Cleanup(s.Stop)
	o := &recordingObserver{}
	s.AddSamplesObserver(o)
	return s, o
}

// warmShard consumes the discarded first sample decision on the calling
// goroutine's shard, so subsequent crossings record normally.
func warmShard(s *Sampler) {
	s.RecordAlloc(0x5eed, s.samplingInterval.Load(), AllocatorManual, "")
}

// TestSampler_FirstSampleScenario is the canonical walk-through: at
// interval 1024, two 512-byte allocations trigger one decision which is
// consumed by the first-sample discard; freeing an untracked address is a
// no-op; a further 1024-byte allocation records exactly one sample, and
// its free notifies exactly one removal.
func TestSampler_FirstSampleScenario(t *testing.T) {
	s, o := testSampler(t, 1024)

	const a, b, c = uintptr(0x1000), uintptr(0x2000), uintptr(0x3000)

	s.RecordAlloc(a, 512, AllocatorManual, "")
	s.RecordAlloc(b, 512, AllocatorManual, "")
	assert.Zero(t, o.addedCount(), "first decision must be discarded")

	s.RecordFree(a)
	assert.Zero(t, o.removedCount(), "free of untracked address must be a no-op")

	s.RecordAlloc(c, 1024, AllocatorManual, "render")
	require.Equal(t, 1, o.addedCount())
	event := o.added[0]
	assert.Equal(t, c, event.address)
	assert.Equal(t, uint64(1024), event.size)
	assert.Equal(t, uint64(1024), event.total)
	assert.Equal(t, AllocatorManual, event.kind)
	assert.Equal(t, "render", event.context)

	s.RecordFree(c)
	require.Equal(t, 1, o.removedCount())
	assert.Equal(t, c, o.removed[0])
	assert.False(t, s.addresses.Load().Contains(c))
}

// TestSampler_DeterministicRate verifies the unbiasedness property in
// deterministic mode: N allocations of exactly the interval record
// exactly N samples after the warm-up discard.
func TestSampler_DeterministicRate(t *testing.T) {
	const interval = 1000
	s, o := testSampler(t, interval)
	warmShard(s)

	const n = 50
	for i := 0; i < n; i++ {
		s.RecordAlloc(uintptr(0x10000+i*16), interval, AllocatorManual, "")
	}
	require.Equal(t, n, o.addedCount())
	for _, event := range o.added {
		assert.Equal(t, uint64(interval), event.total)
	}
}

// TestSampler_LargeAllocationCollapsesSamples verifies a single huge
// allocation is attributed the full volume it stands in for.
func TestSampler_LargeAllocationCollapsesSamples(t *testing.T) {
	const interval = 1024
	s, o := testSampler(t, interval)
	warmShard(s)

	// 4 intervals of catch-up plus the terminating draw.
	s.RecordAlloc(0x9000, 4*interval, AllocatorManual, "")
	require.Equal(t, 1, o.addedCount())
	assert.Equal(t, uint64(4*interval), o.added[0].total)
}

// TestSampler_StoppedRecordsNothing verifies the running refcount gates
// recording while leaving hooks installed.
func TestSampler_StoppedRecordsNothing(t *testing.T) {
	s := newSampler()
	s.SetSamplingInterval(64)
	s.SuppressRandomnessForTest(true)
	o := &recordingObserver{}
	s.AddSamplesObserver(o)

	s.RecordAlloc(0x1000, 1<<20, AllocatorManual, "")
	assert.Zero(t, o.addedCount())

	s.Start()
	s.Start()
	s.Stop()
	warmShard(s)
	s.RecordAlloc(0x2000, 64, AllocatorManual, "")
	assert.Equal(t, 1, o.addedCount(), "nested Start must keep sampling active")

	s.Stop()
	s.RecordAlloc(0x3000, 1<<20, AllocatorManual, "")
	assert.Equal(t, 1, o.addedCount())

	require.Panics(t, func() { s.Stop() })
}

// TestSampler_DuplicateAllocIgnored verifies a second alloc of a tracked
// address without an intervening free is benign.
func TestSampler_DuplicateAllocIgnored(t *testing.T) {
	s, o := testSampler(t, 64)
	warmShard(s)

	const addr = uintptr(0x7000)
	s.RecordAlloc(addr, 64, AllocatorManual, "")
	require.Equal(t, 1, o.addedCount())

	s.RecordAlloc(addr, 64, AllocatorManual, "")
	assert.Equal(t, 1, o.addedCount(), "duplicate alloc must not re-record")

	s.RecordFree(addr)
	require.Equal(t, 1, o.removedCount())

	s.RecordAlloc(addr, 64, AllocatorManual, "")
	assert.Equal(t, 2, o.addedCount(), "re-alloc after free must record again")
}

// TestSampler_AddressSetGrowth fills the address set past its initial
// capacity and verifies generational growth keeps every sample resolvable.
func TestSampler_AddressSetGrowth(t *testing.T) {
	s, o := testSampler(t, 8)
	warmShard(s)

	const n = 200
	for i := 0; i < n; i++ {
		s.RecordAlloc(uintptr(0x100000+i*32), 8, AllocatorManual, "")
	}
	require.Equal(t, n, o.addedCount())

	current := s.addresses.Load()
	assert.Greater(t, current.BucketCount(), initialBucketCount)
	assert.Equal(t, n, current.Len())
	s.mu.Lock()
	generations := len(s.generations)
	s.mu.Unlock()
	assert.Greater(t, generations, 1, "growth must retain superseded generations")

	for i := 0; i < n; i++ {
		addr := uintptr(0x100000 + i*32)
		require.True(t, current.Contains(addr), "lost %#x across growth", addr)
	}

	s.RecordFree(0x100000)
	assert.Equal(t, 1, o.removedCount())
	assert.False(t, s.addresses.Load().Contains(0x100000))
}

// TestSampler_MutedShardSkipsRecording verifies the re-entrancy mute.
func TestSampler_MutedShardSkipsRecording(t *testing.T) {
	s, o := testSampler(t, 64)
	warmShard(s)

	shard := s.shard()
	shard.muted.Add(1)
	s.RecordAlloc(0x8000, 64, AllocatorManual, "")
	assert.Zero(t, o.addedCount(), "muted shard must not record")
	shard.muted.Add(-1)

	s.RecordAlloc(0x8040, 64, AllocatorManual, "")
	assert.Equal(t, 1, o.addedCount())
}

// TestSampler_ObserverManagement verifies multi-observer dispatch and the
// removal contract.
func TestSampler_ObserverManagement(t *testing.T) {
	s, o1 := testSampler(t, 64)
	warmShard(s)
	o2 := &recordingObserver{}
	s.AddSamplesObserver(o2)

	s.RecordAlloc(0xa000, 64, AllocatorManual, "")
	assert.Equal(t, 1, o1.addedCount())
	assert.Equal(t, 1, o2.addedCount())

	s.RemoveSamplesObserver(o1)
	s.RecordAlloc(0xa040, 64, AllocatorManual, "")
	assert.Equal(t, 1, o1.addedCount())
	assert.Equal(t, 2, o2.addedCount())

	require.Panics(t, func() { s.RemoveSamplesObserver(o1) })
}

// TestSampler_HooksInstallCallback verifies the one-shot callback fires on
// whichever of install and registration happens second.
func TestSampler_HooksInstallCallback(t *testing.T) {
	var calledBefore bool
	s1 := newSampler()
	s1.SetHooksInstallCallback(func() { calledBefore = true })
	assert.False(t, calledBefore, "callback must wait for install")
	s1.Start()
	assert.True(t, calledBefore)
	s1.Stop()

	var calledAfter bool
	s2 := newSampler()
	s2.Start()
	s2.SetHooksInstallCallback(func() { calledAfter = true })
	assert.True(t, calledAfter, "late registration must fire immediately")
	s2.Stop()

	require.Panics(t, func() { s2.SetHooksInstallCallback(func() {}) })
	require.Panics(t, func() { newSampler().SetHooksInstallCallback(nil) })
}

// TestGet_Singleton verifies lazy construction yields one process-wide
// instance under concurrency.
func TestGet_Singleton(t *testing.T) {
	t.Parallel()

	const goroutines = 16
	instances := make(chan *Sampler, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			instances <- Get()
		}()
	}
	wg.Wait()
	close(instances)

	first := <-instances
	require.NotNil(t, first)
	for s := range instances {
		assert.Same(t, first, s)
	}
}

// TestSampler_ConcurrentRecording hammers alloc/free from multiple
// goroutines to exercise the lock-free paths under the race detector.
func TestSampler_ConcurrentRecording(t *testing.T) {
	t.Parallel()

	s := newSampler()
	s.SetSamplingInterval(64)
	s.SuppressRandomnessForTest(true)
	s.Start()
	defer s.Stop()
	o := &recordingObserver{}
	s.AddSamplesObserver(o)

	const goroutines = 8
	const perGoroutine = 500
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			base := uintptr(0x1000000 * (g + 1))
			for i := 0; i < perGoroutine; i++ {
				addr := base + uintptr(i*32)
				s.RecordAlloc(addr, 64, AllocatorManual, "")
				s.RecordFree(addr)
			}
		}()
	}
	wg.Wait()

	// Every recorded sample was freed; the set must be empty, and adds and
	// removes must balance.
	assert.Zero(t, s.addresses.Load().Len())
	assert.Equal(t, o.addedCount(), o.removedCount())
}
