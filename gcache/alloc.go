package gcache

import (
	log "github.com/sirupsen/logrus"

	"go.wsrep.dev/core/wsrep"
)

// malloc finds space for a buffer of `needed` bytes (header included),
// wrapping the write pointer and discarding released buffers as necessary.
// Caller must hold c.mu.
func (c *Cache) malloc(needed int64) (int64, error) {
	if needed > c.size {
		return 0, wsrep.Errorf(wsrep.KindOutOfSpace, "gcache: buffer of %d bytes exceeds cache size %d", needed, c.size)
	}

	for {
		var first = c.firstOffset()

		// next == first with a non-empty ring is not "empty", it is the ring
		// having wrapped all the way around with zero gap left: completely full.
		var full = len(c.order) > 0 && c.next == first

		if !full && c.next >= first {
			var avail = c.size - c.next
			if avail >= needed {
				var off = c.next
				c.next += needed
				return off, nil
			}
			// Tail too small to hold the buffer: it becomes trailing waste,
			// already counted in `free`, and we wrap to the start.
			c.trail = avail
			c.next = 0
			continue
		}

		if !full {
			var avail = first - c.next
			if avail >= needed {
				var off = c.next
				c.next += needed
				return off, nil
			}
		}

		if !c.discardOldestForSpace() {
			return 0, wsrep.Errorf(wsrep.KindOutOfSpace, "gcache: no space for %d bytes and no releasable buffers", needed)
		}
	}
}

// discardOldestForSpace discards the single oldest tracked buffer if it is
// released and not protected by a freeze watermark. Returns false if no
// buffer could be discarded, meaning malloc must fail with out-of-space.
func (c *Cache) discardOldestForSpace() bool {
	if len(c.order) == 0 {
		return false
	}
	var e = c.order[0]
	if !c.released[e.gsn] {
		return false // oldest buffer is still in active use; cannot reclaim.
	}
	if c.freezeAt != nil && e.gsn >= *c.freezeAt {
		return false // protected by an in-flight state transfer's watermark.
	}

	c.order = c.order[1:]
	delete(c.released, e.gsn)
	delete(c.index, e.gsn)
	c.rnd -= e.size
	c.free += e.size

	if len(c.order) > 0 {
		c.seqnoMin = c.order[0].gsn
	} else {
		c.seqnoMin = wsrep.SeqnoUndefined
	}
	if c.next >= c.firstOffset() {
		c.trail = 0
	}
	return true
}

// Store allocates space for and copies in a writeset body at the given GSN,
// registering it in the GSN index as a "used" (actively needed) buffer: a
// combination of malloc(size) plus index registration.
func (c *Cache) Store(gsn wsrep.GSN, body []byte, ctx uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if _, ok := c.index[gsn]; ok {
		return wsrep.Errorf(wsrep.KindInconsistentState, "gcache: gsn %s already stored", gsn)
	}

	var needed = alignUp(int64(bufferHeaderSize + len(body)))
	var off, err = c.malloc(needed)
	if err != nil {
		return err
	}

	var bh = bufferHeader{Size: uint32(needed), GSN: gsn, Store: storeRingBuffer, Ctx: ctx}
	copy(c.arena[off:off+bufferHeaderSize], encodeBufferHeader(bh))
	copy(c.arena[off+bufferHeaderSize:off+needed], body)

	var e = bufEntry{gsn: gsn, offset: off, size: needed}
	c.order = append(c.order, e)
	c.index[gsn] = e
	c.used += needed
	c.free -= needed

	if c.seqnoMin == wsrep.SeqnoUndefined || gsn < c.seqnoMin {
		c.seqnoMin = gsn
	}
	if gsn > c.seqnoMax {
		c.seqnoMax = gsn
	}
	c.assertSizes()
	return nil
}

// Get returns the stored body for gsn, or an error if it isn't cached.
func (c *Cache) Get(gsn wsrep.GSN) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var e, ok = c.index[gsn]
	if !ok {
		return nil, wsrep.Errorf(wsrep.KindInconsistentState, "gcache: gsn %s not cached", gsn)
	}
	var bh = decodeBufferHeader(c.arena[e.offset : e.offset+bufferHeaderSize])
	var body = make([]byte, bh.bodyLen())
	copy(body, c.arena[e.offset+bufferHeaderSize:e.offset+e.size])
	return body, nil
}

// Release marks a used buffer as no longer actively needed, moving it to
// the released pool where it becomes eligible for repossession or discard.
func (c *Cache) Release(gsn wsrep.GSN) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var e, ok = c.index[gsn]
	if !ok {
		return wsrep.Errorf(wsrep.KindInconsistentState, "gcache: gsn %s not cached", gsn)
	}
	if c.released[gsn] {
		return nil
	}
	c.released[gsn] = true
	c.used -= e.size
	c.rnd += e.size
	c.assertSizes()
	return nil
}

// Repossess moves a released buffer back to the used pool.
func (c *Cache) Repossess(gsn wsrep.GSN) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var e, ok = c.index[gsn]
	if !ok {
		return wsrep.Errorf(wsrep.KindInconsistentState, "gcache: gsn %s not cached", gsn)
	}
	if !c.released[gsn] {
		return wsrep.Errorf(wsrep.KindInconsistentState, "gcache: gsn %s is not released", gsn)
	}
	delete(c.released, gsn)
	c.rnd -= e.size
	c.used += e.size
	c.assertSizes()
	return nil
}

// Discard moves a released buffer to the free pool, marking its GSN illegal
// and dropping it from the index. Discarding a buffer that is not released
// (still "used") is an error, matching the original's assertion.
func (c *Cache) Discard(gsn wsrep.GSN) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discardLocked(gsn)
}

func (c *Cache) discardLocked(gsn wsrep.GSN) error {
	var e, ok = c.index[gsn]
	if !ok {
		return wsrep.Errorf(wsrep.KindInconsistentState, "gcache: gsn %s not cached", gsn)
	}
	if !c.released[gsn] {
		return wsrep.Errorf(wsrep.KindInconsistentState, "gcache: gsn %s must be released before it can be discarded", gsn)
	}

	delete(c.released, gsn)
	delete(c.index, gsn)
	c.rnd -= e.size
	c.free += e.size

	for i, oe := range c.order {
		if oe.gsn == gsn {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if len(c.order) > 0 {
		c.seqnoMin = c.order[0].gsn
	} else {
		c.seqnoMin = wsrep.SeqnoUndefined
	}
	c.assertSizes()
	return nil
}

// DiscardSeqnos discards every cached GSN in [from, to). It succeeds
// atomically for the whole range or leaves the cache unchanged.
func (c *Cache) DiscardSeqnos(from, to wsrep.GSN) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for g := from; g < to; g++ {
		if e, ok := c.index[g]; ok && !c.released[e.gsn] {
			return wsrep.Errorf(wsrep.KindInconsistentState, "gcache: gsn %s is still in use, cannot discard range", g)
		}
	}
	for g := from; g < to; g++ {
		if _, ok := c.index[g]; ok {
			if err := c.discardLocked(g); err != nil {
				log.WithError(err).WithField("gsn", g).Error("gcache: unexpected discard failure mid-range")
				return err
			}
		}
	}
	return nil
}

var errClosed = wsrep.Errorf(wsrep.KindInconsistentState, "gcache: cache is closed")
