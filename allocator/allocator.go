// Package allocator is the top-level wiring: it assembles pal, backend,
// sizeclass, corepool, and the per-worker local* packages into a single
// value an application constructs once per process and hands out
// localalloc.Allocator handles from, one per worker goroutine.
//
// No single teacher file plays this exact role -- offheap has nothing
// above its one global Store to assemble -- so the shape here follows
// the functional-options constructor idiom the pack otherwise uses for
// sized constructors (offheap.NewSized(slabSize int), pointerstore's
// NewAllocConfigBySize), generalized to cover every knob spec section 1
// exposes instead of just one.
package allocator

import (
	"time"

	"github.com/fmstephe/snmallocator/backend"
	"github.com/fmstephe/snmallocator/corealloc"
	"github.com/fmstephe/snmallocator/corepool"
	"github.com/fmstephe/snmallocator/entropy"
	"github.com/fmstephe/snmallocator/localalloc"
	"github.com/fmstephe/snmallocator/localcache"
	"github.com/fmstephe/snmallocator/pal"
	"github.com/fmstephe/snmallocator/remote"
	"github.com/fmstephe/snmallocator/sizeclass"
)

// config collects every knob Options can set, with defaults matching
// sizeclass.DefaultParams and remote.DefaultConfig.
type config struct {
	sizeParams    sizeclass.Params
	chunkBits     uint
	remoteCache   remote.Config
	signing       bool
	randomization bool
	clientChecks  bool
	pal           pal.Interface
	debugLog      func(format string, args ...any)
}

func defaultConfig() config {
	return config{
		sizeParams:    sizeclass.DefaultParams(),
		chunkBits:     sizeclass.DefaultParams().MinChunkBits,
		remoteCache:   remote.DefaultConfig(),
		signing:       true,
		randomization: true,
		clientChecks:  true,
		pal:           pal.Unix{},
	}
}

// Option configures an Allocator at construction time.
type Option func(*config)

// WithSlabSize sets MaxSmallSizeclassBits, log2 of the largest size a
// small sizeclass serves, and raises the backend chunk size to at least
// that many bits, matching offheap.NewSized's single size-bits knob.
// Each sizeclass's own slab size is still derived by sizeclass.NewConfig.
func WithSlabSize(bits uint) Option {
	return func(c *config) {
		c.sizeParams.MaxSmallSizeclassBits = bits
		if c.chunkBits < bits {
			c.chunkBits = bits
		}
	}
}

// WithRemoteCacheSize sets REMOTE_CACHE, the byte budget a thread's
// batched-but-not-yet-posted remote frees may reach before an automatic
// Post is triggered.
func WithRemoteCacheSize(budget int64) Option {
	return func(c *config) { c.remoteCache.Budget = budget }
}

// WithSigning turns free-list entry signing on or off. Disabled only for
// benchmarking the cost signing adds; production use should leave it on.
func WithSigning(enabled bool) Option {
	return func(c *config) { c.signing = enabled }
}

// WithRandomization turns double-free-list randomization on or off.
func WithRandomization(enabled bool) Option {
	return func(c *config) { c.randomization = enabled }
}

// WithClientChecks records whether extra validation of addresses passed
// into Dealloc/AllocSize is wanted. The setting is stored but no code
// path reads it: Dealloc and AllocSize resolve addresses through the
// backend's pagemap in the same way whether it is on or off, and foreign,
// interior or already-freed pointers get no additional checking from it.
func WithClientChecks(enabled bool) Option {
	return func(c *config) { c.clientChecks = enabled }
}

// WithPAL overrides the platform abstraction layer, for tests that need
// to run without real mmap/madvise syscalls.
func WithPAL(p pal.Interface) Option {
	return func(c *config) { c.pal = p }
}

// WithDebugLog stores a logging hook in the Allocator's configuration.
// No code path in this module calls the hook, so installing one produces
// no output. Nil is the default.
func WithDebugLog(fn func(format string, args ...any)) Option {
	return func(c *config) { c.debugLog = fn }
}

// Allocator is the process-wide shared state every worker's
// localalloc.Allocator is built from: the sizeclass table, the backend's
// address space and pagemap, and the pool of reusable CoreAllocators.
type Allocator struct {
	cfg   config
	szCfg *sizeclass.Config
	be    *backend.Backend
	pool  *corepool.Pool
	dcCfg remote.Config
}

// New assembles an Allocator. It performs no address-space reservation
// itself; chunks are obtained lazily, the first time a worker's
// localalloc.Allocator actually allocates.
func New(opts ...Option) *Allocator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	szCfg := sizeclass.NewConfig(cfg.sizeParams)
	be := backend.New(cfg.pal, cfg.chunkBits)

	a := &Allocator{
		cfg:   cfg,
		szCfg: szCfg,
		be:    be,
		dcCfg: cfg.remoteCache,
	}

	a.pool = corepool.New(func(id uint64) *corealloc.Core {
		seed0, seed1 := cfg.pal.EntropySeed()
		ts := entropy.NewThreadState(seed0, seed1)
		return corealloc.New(id, szCfg, be, &ts, cfg.signing, cfg.randomization)
	})

	return a
}

// NewLocal builds one worker's fast-path Allocator handle. Call it once
// per goroutine that will allocate/free; the result must not be shared
// across goroutines, and Teardown must be called before the owning
// goroutine exits.
func (a *Allocator) NewLocal() *localalloc.Allocator {
	seed0, seed1 := a.cfg.pal.EntropySeed()
	ts := entropy.NewThreadState(seed0, seed1)
	cache := localcache.New(a.szCfg, a.be, &ts, a.cfg.randomization, a.dcCfg)
	return localalloc.New(a.pool, cache)
}

// CoreCount returns the number of CoreAllocators ever created by this
// Allocator, live or idle.
func (a *Allocator) CoreCount() int {
	return a.pool.CoreCount()
}

// EachCore calls f once per CoreAllocator ever created, for diagnostics
// (see cmd/allocstat). f must not retain its argument past the call.
func (a *Allocator) EachCore(f func(*corealloc.Core)) {
	a.pool.EachCore(f)
}

// Stats is an aggregate snapshot across every core this Allocator has
// ever created, the process-wide counterpart to corealloc.Stats.
type Stats struct {
	Cores       int
	Allocs      uint64
	Frees       uint64
	SlabsLive   int
	SlabsCached int
	SampledAt   time.Time
}

// Stats aggregates every core's corealloc.Stats into one snapshot.
func (a *Allocator) Stats() Stats {
	s := Stats{SampledAt: a.cfg.pal.Now()}
	a.EachCore(func(c *corealloc.Core) {
		cs := c.Stats()
		s.Cores++
		s.Allocs += cs.Allocs
		s.Frees += cs.Frees
		s.SlabsLive += cs.SlabsLive
		s.SlabsCached += cs.SlabsCached
	})
	return s
}
