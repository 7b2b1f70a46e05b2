package gcache

// scanChain walks the arena from offset `from`, decoding one buffer header
// after another by stepping each header's own Size, until it finds a header
// that doesn't parse as valid (zero size, undersized, out of bounds, or an
// undefined GSN). That is either the true end of ever-written data, or (in
// a wrapped cache) the boundary where the newest lap's writes stop and the
// previous lap's surviving tail begins — which recoverByScan disambiguates
// by GSN order.
func (c *Cache) scanChain(from int64) []bufEntry {
	var out []bufEntry
	var cursor = from
	for {
		if cursor+bufferHeaderSize > c.size {
			break
		}
		var bh = decodeBufferHeader(c.arena[cursor : cursor+bufferHeaderSize])
		if bh.Size < bufferHeaderSize || cursor+int64(bh.Size) > c.size || !bh.GSN.Defined() {
			break
		}
		out = append(out, bufEntry{gsn: bh.GSN, offset: cursor, size: int64(bh.Size)})
		cursor += int64(bh.Size)
	}
	return out
}

// scanRange walks the arena from `from` to `to` (exclusive), wrapping at the
// arena boundary, trusting that every header in between is valid. Used to
// rebuild the GSN index after a clean ("synced") shutdown.
func (c *Cache) scanRange(from, to int64) ([]bufEntry, error) {
	var out []bufEntry
	var cursor = from
	for cursor != to {
		if cursor >= c.size {
			cursor = 0
			if cursor == to {
				break
			}
		}
		if cursor+bufferHeaderSize > c.size {
			break
		}
		var bh = decodeBufferHeader(c.arena[cursor : cursor+bufferHeaderSize])
		if bh.Size < bufferHeaderSize {
			break
		}
		out = append(out, bufEntry{gsn: bh.GSN, offset: cursor, size: int64(bh.Size)})
		cursor += int64(bh.Size)
	}
	return out, nil
}

// recoverByScan rebuilds cache state from raw arena contents when the
// preamble's synced flag was clear at startup. It
// scans forward from offset zero; if the cache previously wrapped, the
// newest lap (ascending GSNs starting at offset zero) is immediately
// followed by the tail of the previous lap that survived being
// overwritten (smaller GSNs, still physically present and parseable,
// since discard never zeroes buffer bytes). The two runs are told apart by
// GSN order, not by offset.
func (c *Cache) recoverByScan() error {
	var entries = c.scanChain(0)
	if len(entries) == 0 {
		c.free = c.size
		return nil
	}

	var splitAt = 1
	for ; splitAt < len(entries); splitAt++ {
		if entries[splitAt].gsn <= entries[splitAt-1].gsn {
			break
		}
	}
	var runLow = entries[:splitAt]
	var runHigh = entries[splitAt:]
	for i := 1; i < len(runHigh); i++ {
		if runHigh[i].gsn <= runHigh[i-1].gsn {
			runHigh = runHigh[:i]
			break
		}
	}

	var order []bufEntry
	if len(runHigh) > 0 {
		order = append(append(order, runHigh...), runLow...)
	} else {
		order = append(order, runLow...)
	}

	var last = runLow[len(runLow)-1]
	c.next = last.offset + last.size
	c.order = order

	var total int64
	for _, e := range order {
		c.index[e.gsn] = e
		c.released[e.gsn] = true
		total += e.size
	}
	c.seqnoMin, c.seqnoMax = order[0].gsn, order[len(order)-1].gsn
	c.rnd = total
	c.used = 0
	c.free = c.size - total
	if c.next < c.firstOffset() {
		c.trail = 0 // conservative: treat any gap as ordinary free space.
	}
	return nil
}
