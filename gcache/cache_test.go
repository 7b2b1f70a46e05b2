package gcache

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"go.wsrep.dev/core/wsrep"
)

// unmapForTest simulates a crash: it releases the mapping and file handle
// without writing a synced preamble, so the next Open must recover by scan.
func unmapForTest(c *Cache) error {
	if err := unix.Munmap(c.mapped); err != nil {
		return err
	}
	return c.f.Close()
}

func open(t *testing.T, size int64, recover bool) *Cache {
	t.Helper()
	var path = filepath.Join(t.TempDir(), "gcache.bin")
	var c, err = Open(path, size, uuid.New(), recover)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestStoreAndGet(t *testing.T) {
	var c = open(t, 1<<20, false)
	require.NoError(t, c.Store(1, []byte("hello"), 0))
	require.NoError(t, c.Store(2, []byte("world"), 0))

	var body, err = c.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	var min, max = c.SeqnoRange()
	assert.Equal(t, wsrep.GSN(1), min)
	assert.Equal(t, wsrep.GSN(2), max)

	used, released, free := c.PoolSizes()
	assert.Equal(t, c.Size(), used+released+free, "accounting invariant")
}

func TestReleaseRepossessDiscard(t *testing.T) {
	var c = open(t, 1<<20, false)
	require.NoError(t, c.Store(1, []byte("body"), 0))

	assert.Error(t, c.Discard(1), "cannot discard a used buffer")

	require.NoError(t, c.Release(1))
	require.NoError(t, c.Repossess(1))
	require.NoError(t, c.Release(1))
	require.NoError(t, c.Discard(1))

	_, err := c.Get(1)
	assert.Error(t, err, "discarded gsn is no longer retrievable")
}

// TestWrap covers a 300 KiB cache fed fifty 20 KiB writesets wrapping, and
// discarding the oldest releasing enough space for
// the allocation that follows.
func TestWrap(t *testing.T) {
	var c = open(t, 300*1024, false)
	var body = make([]byte, 20*1024)

	for g := wsrep.GSN(1); g <= 50; g++ {
		require.NoError(t, c.Store(g, body, 0))
		require.NoError(t, c.Release(g))
	}

	var min, _ = c.SeqnoRange()
	assert.Greater(t, int64(min), int64(1), "oldest writesets were discarded to make room")

	for g := min; g <= 30 && g >= 1; g++ {
		_ = c.Discard(g) // best-effort: some may already be gone from wrapping.
	}

	require.NoError(t, c.Store(51, body, 0))

	used, released, free := c.PoolSizes()
	assert.Equal(t, c.Size(), used+released+free)
}

func TestDiscardSeqnosAtomic(t *testing.T) {
	var c = open(t, 1<<20, false)
	require.NoError(t, c.Store(1, []byte("a"), 0))
	require.NoError(t, c.Store(2, []byte("b"), 0))
	require.NoError(t, c.Release(1))
	// gsn 2 is still "used": the whole range must fail, leaving gsn 1 released but present.
	assert.Error(t, c.DiscardSeqnos(1, 3))

	_, err := c.Get(1)
	assert.NoError(t, err, "partial range failure must not have discarded gsn 1")
}

func TestFreezeProtectsReleasedBuffers(t *testing.T) {
	var c = open(t, 64*1024, false)
	var body = make([]byte, 8*1024)
	require.NoError(t, c.Store(1, body, 0))
	require.NoError(t, c.Release(1))

	var freeze = wsrep.GSN(1)
	c.FreezeReleasedAt(&freeze)

	// Force near-exhaustion so the allocator must try to discard gsn 1.
	for g := wsrep.GSN(2); g <= 7; g++ {
		require.NoError(t, c.Store(g, body, 0))
		require.NoError(t, c.Release(g))
	}
	assert.Error(t, c.Store(100, body, 0), "frozen watermark must block discard of gsn 1")
}

func TestRecoveryAfterUncleanShutdown(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "gcache.bin")
	var id = uuid.New()

	var c, err = Open(path, 1<<20, id, false)
	require.NoError(t, err)
	for g := wsrep.GSN(1); g <= 100; g++ {
		require.NoError(t, c.Store(g, []byte("x"), 0))
	}
	// Simulate a crash: unmap without writing a synced preamble.
	require.NoError(t, unmapForTest(c))

	var recovered *Cache
	recovered, err = Open(path, 1<<20, id, true)
	require.NoError(t, err)
	defer recovered.Close()

	min, max := recovered.SeqnoRange()
	assert.Equal(t, wsrep.GSN(1), min)
	assert.Equal(t, wsrep.GSN(100), max)
}
