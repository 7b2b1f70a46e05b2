package gcache

import (
	"encoding/binary"

	"go.wsrep.dev/core/wsrep"
)

// storeKind identifies where a buffer's bytes physically live. The core only
// ever stores buffers in the ring-buffer arena itself, but the field is kept
// on disk so that a future store kind (eg an overflow heap
// allocation for oversized writesets) doesn't require a format bump.
type storeKind uint8

const storeRingBuffer storeKind = 1

// bufferHeaderSize is the on-disk, word-aligned buffer header: size(4) +
// flags(4) + gsn(8) + store(1) + pad(7) + ctx(8) = 32 bytes.
const bufferHeaderSize = 32

// bufferHeader is the length-prefix written immediately before every
// buffer's body in the arena.
type bufferHeader struct {
	Size  uint32 // total size including this header, word-aligned.
	Flags uint32
	GSN   wsrep.GSN
	Store storeKind
	Ctx   uint64 // opaque; unused by the core, reserved for callers.
}

func (bh bufferHeader) bodyLen() int { return int(bh.Size) - bufferHeaderSize }

func encodeBufferHeader(bh bufferHeader) []byte {
	var b = make([]byte, bufferHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], bh.Size)
	binary.LittleEndian.PutUint32(b[4:8], bh.Flags)
	binary.LittleEndian.PutUint64(b[8:16], uint64(bh.GSN))
	b[16] = byte(bh.Store)
	binary.LittleEndian.PutUint64(b[24:32], bh.Ctx)
	return b
}

func decodeBufferHeader(b []byte) bufferHeader {
	return bufferHeader{
		Size:  binary.LittleEndian.Uint32(b[0:4]),
		Flags: binary.LittleEndian.Uint32(b[4:8]),
		GSN:   wsrep.GSN(binary.LittleEndian.Uint64(b[8:16])),
		Store: storeKind(b[16]),
		Ctx:   binary.LittleEndian.Uint64(b[24:32]),
	}
}

// wordSize is the allocation alignment granularity for buffers in the arena.
const wordSize = 8

// alignUp rounds n up to the next multiple of wordSize.
func alignUp(n int64) int64 {
	if r := n % wordSize; r != 0 {
		return n + (wordSize - r)
	}
	return n
}
