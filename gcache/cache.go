// Package gcache implements the ring-buffer cache: a single
// memory-mapped file that persists recently replicated writesets keyed by
// global sequence number, serving ranges of them back out for incremental
// state transfer.
package gcache

import (
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.wsrep.dev/core/wsrep"
)

// bufEntry tracks one live buffer's position and size within the arena.
type bufEntry struct {
	gsn    wsrep.GSN
	offset int64
	size   int64
}

// Cache is the ring-buffer cache. The zero value is not usable; construct
// with Open.
type Cache struct {
	mu sync.Mutex

	path   string
	f      *os.File
	mapped []byte // full mmap: preamble + header + arena
	arena  []byte // view of mapped covering only the arena region

	size int64 // arena size in bytes
	next int64 // offset within arena of the next allocation

	order    []bufEntry          // oldest-to-newest by GSN.
	index    map[wsrep.GSN]bufEntry
	released map[wsrep.GSN]bool // true if eligible for discard/repossess.

	used, free, rnd, trail int64

	seqnoMin, seqnoMax wsrep.GSN
	clusterUUID        uuid.UUID
	freezeAt           *wsrep.GSN

	closed bool
}

// Open opens or creates the ring-buffer cache file at path with the given
// arena size. When recover is true and the file already exists, Open
// attempts to reconstruct cache state from its preamble and contents;
// otherwise (or if recovery fails) the cache resets to empty.
func Open(path string, size int64, clusterUUID uuid.UUID, recover bool) (*Cache, error) {
	if size <= 0 {
		return nil, errors.New("gcache: size must be positive")
	}

	var total = arenaStart + size
	var f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "gcache: opening cache file")
	}

	var fi os.FileInfo
	if fi, err = f.Stat(); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "gcache: stat cache file")
	}
	var existed = fi.Size() == total

	if fi.Size() != total {
		if err = f.Truncate(total); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "gcache: sizing cache file")
		}
	}

	var mapped []byte
	if mapped, err = unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "gcache: mmap cache file")
	}

	var c = &Cache{
		path:        path,
		f:           f,
		mapped:      mapped,
		arena:       mapped[arenaStart:total],
		size:        size,
		index:       make(map[wsrep.GSN]bufEntry),
		released:    make(map[wsrep.GSN]bool),
		seqnoMin:    wsrep.SeqnoUndefined,
		seqnoMax:    wsrep.SeqnoUndefined,
		clusterUUID: clusterUUID,
	}

	if existed && recover {
		if err = c.tryRecover(); err != nil {
			log.WithError(err).Warn("gcache: recovery failed, resetting cache")
			c.resetArena()
		}
	} else {
		c.resetArena()
	}

	if err = c.writePreamble(false); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// tryRecover reads the preamble and, if the synced flag is clear, rescans
// the arena to rebuild state.
func (c *Cache) tryRecover() error {
	var p, err = decodePreamble(c.mapped[:preambleLen])
	if err != nil {
		return errors.Wrap(err, "corrupt preamble")
	}
	if p.uuid != c.clusterUUID {
		log.WithFields(log.Fields{"cache_uuid": p.uuid, "cluster_uuid": c.clusterUUID}).
			Warn("gcache: cache file belongs to a different cluster UUID")
	}

	if p.synced {
		var h = decodeCacheHeader(c.mapped[preambleLen : preambleLen+headerLen])
		c.next = h.next
		c.used, c.free, c.rnd, c.trail = h.used, h.free, h.rnd, h.trail
		c.seqnoMin, c.seqnoMax = p.seqnoMin, p.seqnoMax
		return c.rebuildIndexFromHeader(h)
	}

	return c.recoverByScan()
}

// rebuildIndexFromHeader walks the arena once more, trusting the recorded
// first/next pointers, to repopulate the in-memory GSN index after a clean
// shutdown (cheaper than a full forward/backward scan).
func (c *Cache) rebuildIndexFromHeader(h cacheHeader) error {
	var entries, err = c.scanRange(h.first, h.next)
	if err != nil {
		return err
	}
	for _, e := range entries {
		c.index[e.gsn] = e
		c.released[e.gsn] = true
	}
	c.order = entries
	return nil
}

// resetArena zeroes all accounting state and treats the cache as empty.
func (c *Cache) resetArena() {
	for i := range c.arena {
		c.arena[i] = 0
	}
	c.next = 0
	c.used, c.free, c.rnd, c.trail = 0, c.size, 0, 0
	c.order = nil
	c.index = make(map[wsrep.GSN]bufEntry)
	c.released = make(map[wsrep.GSN]bool)
	c.seqnoMin, c.seqnoMax = wsrep.SeqnoUndefined, wsrep.SeqnoUndefined
}

func (c *Cache) writePreamble(synced bool) error {
	var p = preamble{
		version:  preambleVers,
		uuid:     c.clusterUUID,
		seqnoMax: c.seqnoMax,
		seqnoMin: c.seqnoMin,
		offset:   c.next,
		synced:   synced,
	}
	copy(c.mapped[:preambleLen], p.encode())
	copy(c.mapped[preambleLen:preambleLen+headerLen], cacheHeader{
		first: c.firstOffset(), next: c.next,
		used: c.used, free: c.free, rnd: c.rnd, trail: c.trail,
	}.encode())
	return nil
}

// Close flushes accounting state as a clean ("synced") preamble and unmaps
// the file. After Close the Cache must not be used.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.writePreamble(true); err != nil {
		return err
	}
	if err := unix.Msync(c.mapped, unix.MS_SYNC); err != nil {
		log.WithError(err).Warn("gcache: msync failed")
	}
	if err := unix.Munmap(c.mapped); err != nil {
		return errors.Wrap(err, "gcache: munmap")
	}
	return c.f.Close()
}

func (c *Cache) firstOffset() int64 {
	if len(c.order) == 0 {
		return c.next
	}
	return c.order[0].offset
}

// Size returns the arena's configured capacity in bytes.
func (c *Cache) Size() int64 { return c.size }

// SeqnoRange returns the inclusive range of GSNs currently retained by the
// cache, or (Undefined, Undefined) if the cache is empty.
func (c *Cache) SeqnoRange() (wsrep.GSN, wsrep.GSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqnoMin, c.seqnoMax
}

// PoolSizes reports the byte counts of the three accounting pools; their
// sum always equals Size().
func (c *Cache) PoolSizes() (used, released, free int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used, c.rnd, c.free
}

// FreezeReleasedAt sets (or, with nil, clears) the watermark at or above
// which released buffers must not be discarded to make room, because they
// still belong to the committed window of an in-flight state transfer.
func (c *Cache) FreezeReleasedAt(gsn *wsrep.GSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freezeAt = gsn
}

func (c *Cache) assertSizes() {
	if c.used+c.free+c.rnd != c.size {
		log.WithFields(log.Fields{
			"used": c.used, "free": c.free, "rnd": c.rnd, "size": c.size,
		}).Error("gcache: accounting invariant violated")
	}
}
