// Package heapsampler implements Poisson sampling of allocator traffic.
//
// A process-wide sampler (obtained via Get) watches every allocation and
// free routed through the allocator hook chain, statistically selects a
// subset of allocations, and maintains a set of the currently live sampled
// addresses. Registered observers are told when a sample is recorded and
// when it is freed; the total attributed to each sample estimates the
// allocation volume it stands in for.
//
// # Concurrency
//
// The hot paths are lock-free: accumulating bytes toward the next sample,
// the re-entrancy check, and the membership test on free. Recording a
// sample, removing one, growing the address set and mutating the observer
// list take a single internal mutex, which is never held across a call
// back into the allocator. The live address set is published through an
// atomic pointer; superseded generations are retained for the life of the
// process so a reader holding a stale pointer never touches freed memory.
//
// Per-goroutine accounting uses a fixed array of cache-padded shards
// indexed by goroutine ID. Goroutines that hash to the same shard share an
// accumulator, which perturbs sampling statistics but never correctness.
package heapsampler
