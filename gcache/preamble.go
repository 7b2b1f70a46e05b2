package gcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.wsrep.dev/core/wsrep"
)

// preambleLen and headerWords match the original gcache ring-buffer layout
// (gcache_rb_store.hpp: PREAMBLE_LEN=1024 bytes of ASCII text, HEADER_LEN=32
// 64-bit binary words) so a cache file's structure is self-describing at a
// glance with `head -c 1024`.
const (
	preambleLen  = 1024
	headerWords  = 32
	headerLen    = headerWords * 8
	preambleVers = 2 // buffer word-alignment introduced at version 2.
	arenaStart   = preambleLen + headerLen
)

const (
	keyVersion  = "version"
	keyUUID     = "uuid"
	keySeqnoMax = "seqno_max"
	keySeqnoMin = "seqno_min"
	keyOffset   = "offset"
	keySynced   = "synced"
)

type preamble struct {
	version  int
	uuid     uuid.UUID
	seqnoMax wsrep.GSN
	seqnoMin wsrep.GSN
	offset   int64
	synced   bool
}

func (p preamble) encode() []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d\n", keyVersion, p.version)
	fmt.Fprintf(&sb, "%s: %s\n", keyUUID, p.uuid.String())
	fmt.Fprintf(&sb, "%s: %d\n", keySeqnoMax, int64(p.seqnoMax))
	fmt.Fprintf(&sb, "%s: %d\n", keySeqnoMin, int64(p.seqnoMin))
	fmt.Fprintf(&sb, "%s: %d\n", keyOffset, p.offset)
	fmt.Fprintf(&sb, "%s: %t\n", keySynced, p.synced)

	var buf = make([]byte, preambleLen)
	copy(buf, sb.String())
	return buf
}

// decodePreamble parses the ASCII key:value preamble. A malformed preamble
// (missing keys, unparseable values) is reported so the caller can fall back
// to a full reset rather than a partially-trusted one.
func decodePreamble(buf []byte) (preamble, error) {
	var p preamble
	var seen = map[string]bool{}

	var lines = bytes.Split(bytes.TrimRight(buf, "\x00"), []byte("\n"))
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var parts = bytes.SplitN(line, []byte(":"), 2)
		if len(parts) != 2 {
			continue
		}
		var key = string(bytes.TrimSpace(parts[0]))
		var val = string(bytes.TrimSpace(parts[1]))

		var err error
		switch key {
		case keyVersion:
			p.version, err = strconv.Atoi(val)
		case keyUUID:
			p.uuid, err = uuid.Parse(val)
		case keySeqnoMax:
			var v int64
			v, err = strconv.ParseInt(val, 10, 64)
			p.seqnoMax = wsrep.GSN(v)
		case keySeqnoMin:
			var v int64
			v, err = strconv.ParseInt(val, 10, 64)
			p.seqnoMin = wsrep.GSN(v)
		case keyOffset:
			p.offset, err = strconv.ParseInt(val, 10, 64)
		case keySynced:
			p.synced, err = strconv.ParseBool(val)
		default:
			continue
		}
		if err != nil {
			return preamble{}, errors.Wrapf(err, "decoding preamble key %q", key)
		}
		seen[key] = true
	}

	for _, k := range []string{keyVersion, keyUUID, keySeqnoMax, keySeqnoMin, keyOffset, keySynced} {
		if !seen[k] {
			return preamble{}, errors.Errorf("preamble missing key %q", k)
		}
	}
	return p, nil
}

// cacheHeader is the 32-word binary accounting header following the ASCII
// preamble: ring pointers and pool sizes, so a clean shutdown can restore
// exact accounting without a full arena scan.
type cacheHeader struct {
	first, next           int64
	used, free, rnd, trail int64
}

func (h cacheHeader) encode() []byte {
	var buf = make([]byte, headerLen)
	var words = [headerWords]int64{h.first, h.next, h.used, h.free, h.rnd, h.trail}
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], uint64(w))
	}
	return buf
}

func decodeCacheHeader(buf []byte) cacheHeader {
	var words [headerWords]int64
	for i := range words {
		words[i] = int64(binary.LittleEndian.Uint64(buf[i*8 : i*8+8]))
	}
	return cacheHeader{
		first: words[0], next: words[1],
		used: words[2], free: words[3], rnd: words[4], trail: words[5],
	}
}
