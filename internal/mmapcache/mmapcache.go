// Package mmapcache implements MmapCache (C3): a content-addressed mmap
// cache keyed by (device, inode, size, mtime), refcounted so concurrent
// requests share one mapping, and evicted LRU under soft fd/byte budgets.
//
// Mapping itself goes through golang.org/x/sys/unix.Mmap, grounded on
// the teacher's sendfl/main.go, which already pulls a raw fd out of a
// net.Conn via SyscallConn to drive a raw syscall (there sendfile, here
// mmap) instead of going through a higher-level abstraction.
package mmapcache

import (
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Key identifies a mapping by the file identity the original caches on.
type Key struct {
	Device uint64
	Inode  uint64
	Size   int64
	Mtime  int64
}

func KeyFromStat(fi os.FileInfo) (Key, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return Key{}, false
	}
	return Key{
		Device: uint64(st.Dev),
		Inode:  st.Ino,
		Size:   fi.Size(),
		Mtime:  fi.ModTime().UnixNano(),
	}, true
}

type mapping struct {
	key      Key
	data     []byte
	refcount int
	lastUse  int64 // atime, in an externally supplied logical clock
}

// Limits bounds the cache's soft footprint.
type Limits struct {
	MaxFiles int
	MaxBytes int64
}

// DefaultLimits mirrors the original's DESIRED_MAX_MAPPED_FILES/BYTES.
var DefaultLimits = Limits{MaxFiles: 1000, MaxBytes: 1_000_000_000}

// Cache is safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	entries   map[Key]*mapping
	limits    Limits
	clock     int64
	liveBytes int64
}

func New(limits Limits) *Cache {
	return &Cache{entries: make(map[Key]*mapping), limits: limits}
}

// Map returns the mmap'd bytes for path/fi, creating the mapping if
// necessary. Returns nil for zero-length files or on mmap failure,
// matching the original's "fail soft, fall back to a regular read"
// contract. The returned slice must be released with Unmap.
func (c *Cache) Map(path string, fi os.FileInfo) []byte {
	if fi.Size() == 0 {
		return nil
	}
	key, ok := KeyFromStat(fi)
	if !ok {
		return nil
	}

	c.mu.Lock()
	c.clock++
	now := c.clock
	if m, found := c.entries[key]; found {
		m.refcount++
		m.lastUse = now
		data := m.data
		c.mu.Unlock()
		return data
	}
	c.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if m, found := c.entries[key]; found {
		// Lost the race against a concurrent mapper; drop our own mapping
		// and share theirs, so at-most-one mapping per key holds.
		_ = unix.Munmap(data)
		m.refcount++
		m.lastUse = c.clock
		return m.data
	}
	c.entries[key] = &mapping{key: key, data: data, refcount: 1, lastUse: c.clock}
	c.liveBytes += key.Size
	return data
}

// Unmap decrements the refcount of the mapping for fi. It does not
// immediately munmap; eviction is left to Cleanup so a brief churn of
// requests against the same hot file doesn't thrash the mapping.
func (c *Cache) Unmap(fi os.FileInfo) {
	key, ok := KeyFromStat(fi)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, found := c.entries[key]; found && m.refcount > 0 {
		m.refcount--
	}
}

// Cleanup evicts unreferenced, least-recently-used entries while either
// soft limit is exceeded. Eviction never touches an entry with
// refcount > 0. Entries are not re-checked against the filesystem: the
// cache keeps no paths, so a mapping whose file has since changed stays
// until the limits evict it.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.entries) > c.limits.MaxFiles || c.liveBytes > c.limits.MaxBytes {
		var victim *mapping
		for _, m := range c.entries {
			if m.refcount > 0 {
				continue
			}
			if victim == nil || m.lastUse < victim.lastUse {
				victim = m
			}
		}
		if victim == nil {
			break // everything live is referenced; nothing more to evict
		}
		_ = unix.Munmap(victim.data)
		c.liveBytes -= victim.key.Size
		delete(c.entries, victim.key)
	}
}

// LiveBytes reports the current soft-tracked mapped byte total.
func (c *Cache) LiveBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveBytes
}

// Len reports the number of distinct mappings currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
