// Package cache holds compiled kernels keyed by the content hash of their
// assembled IR. A soft miss means the IR had to be assembled but an existing
// kernel was reused; a hard miss triggered backend compilation.
package cache

import (
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/arclight-dev/arclight/internal/device"
)

// KernelCache defines the lookup interface the evaluator uses.
type KernelCache interface {
	// Get retrieves a kernel by IR hash.
	Get(hash uint64) (*device.Kernel, bool)
	// Put stores a compiled kernel.
	Put(hash uint64, k *device.Kernel)
	// Size returns the number of cached kernels.
	Size() int
}

// MapCache is the in-memory implementation of KernelCache.
type MapCache struct {
	data  map[uint64]*device.Kernel
	stats Stats
	mu    sync.RWMutex
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Hits       uint64 `cbor:"hits"`
	SoftMisses uint64 `cbor:"soft_misses"`
	HardMisses uint64 `cbor:"hard_misses"`
	Launches   uint64 `cbor:"launches"`
}

func NewMapCache() *MapCache {
	return &MapCache{data: make(map[uint64]*device.Kernel)}
}

// Hash returns the content hash of assembled IR text.
func Hash(ir string) uint64 { return xxhash.Sum64String(ir) }

func (c *MapCache) Get(hash uint64) (*device.Kernel, bool) {
	c.mu.RLock()
	k, ok := c.data[hash]
	c.mu.RUnlock()

	if ok {
		c.mu.Lock()
		c.stats.SoftMisses++
		c.mu.Unlock()
		cacheSoftMisses.Inc()
	}
	return k, ok
}

// Hit records that a pending evaluation was served without reassembling IR.
func (c *MapCache) Hit() {
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
	cacheHits.Inc()
}

func (c *MapCache) Put(hash uint64, k *device.Kernel) {
	c.mu.Lock()
	c.data[hash] = k
	c.stats.HardMisses++
	c.mu.Unlock()
	cacheHardMisses.Inc()
}

// Launched counts one kernel launch against the statistics.
func (c *MapCache) Launched() {
	c.mu.Lock()
	c.stats.Launches++
	c.mu.Unlock()
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Stats returns a snapshot of the counters.
func (c *MapCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// manifestEntry is the persisted record of one cached kernel.
type manifestEntry struct {
	Hash    uint64 `cbor:"hash"`
	Backend uint32 `cbor:"backend"`
	IRSize  int    `cbor:"ir_size"`
}

type manifest struct {
	Version int             `cbor:"version"`
	Stats   Stats           `cbor:"stats"`
	Kernels []manifestEntry `cbor:"kernels"`
}

// SaveManifest writes a content-hash manifest of the cache. Compiled kernels
// themselves are process-local; the manifest lets a higher layer recognize
// previously-seen programs across runs.
func (c *MapCache) SaveManifest(path string) error {
	c.mu.RLock()
	m := manifest{Version: 1, Stats: c.stats}
	for h, k := range c.data {
		m.Kernels = append(m.Kernels, manifestEntry{
			Hash:    h,
			Backend: uint32(k.Backend),
			IRSize:  len(k.IR),
		})
	}
	c.mu.RUnlock()

	data, err := cbor.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadManifest reads a manifest written by SaveManifest and returns the
// known kernel hashes.
func LoadManifest(path string) ([]uint64, Stats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Stats{}, err
	}
	var m manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, Stats{}, err
	}
	hashes := make([]uint64, 0, len(m.Kernels))
	for _, e := range m.Kernels {
		hashes = append(hashes, e.Hash)
	}
	return hashes, m.Stats, nil
}
