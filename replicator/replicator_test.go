package replicator

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.wsrep.dev/core/gcomm"
	"go.wsrep.dev/core/stats"
	"go.wsrep.dev/core/trx"
	"go.wsrep.dev/core/wsrep"
)

// fakeTransport assigns GSNs as a simple incrementing counter and echoes
// every Send back through Deliveries, standing in for a real gcomm.Transport
// in these pipeline tests.
type fakeTransport struct {
	mu   sync.Mutex
	next wsrep.GSN
	out  chan gcomm.Delivery
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{out: make(chan gcomm.Delivery, 64)}
}

func (f *fakeTransport) Send(ctx context.Context, bytes []byte) (wsrep.GSN, int64, error) {
	f.mu.Lock()
	f.next++
	var gsn = f.next
	f.mu.Unlock()

	f.out <- gcomm.Delivery{GSN: gsn, LocalSeqno: int64(gsn), Bytes: bytes}
	return gsn, int64(gsn), nil
}

func (f *fakeTransport) Deliveries() <-chan gcomm.Delivery { return f.out }
func (f *fakeTransport) Flow(gcomm.FlowCommand)             {}
func (f *fakeTransport) Status() gcomm.Status               { return gcomm.Status{Connected: true} }
func (f *fakeTransport) Close() error                       { close(f.out); return nil }

var _ gcomm.Transport = (*fakeTransport)(nil)

// fakeCodec keeps a clone of each encoded writeset in memory and encodes
// only its 4-byte id, enough for the pipeline tests to round-trip; a
// production Codec is a genuinely external collaborator.
type fakeCodec struct {
	mu    sync.Mutex
	store map[int]*wsrep.Writeset
	next  int
}

func newFakeCodec() *fakeCodec { return &fakeCodec{store: make(map[int]*wsrep.Writeset)} }

func (c *fakeCodec) Encode(ws *wsrep.Writeset) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	var id = c.next
	var clone = ws.Clone()
	c.store[id] = clone
	var b = make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(id))
	return b, nil
}

func (c *fakeCodec) Decode(b []byte) (*wsrep.Writeset, error) {
	var id = int(binary.BigEndian.Uint32(b))
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store[id], nil
}

func newTestReplicator(t *testing.T) (*Replicator, *fakeTransport) {
	t.Helper()
	var transport = newFakeTransport()
	var codec = newFakeCodec()
	var localID = uuid.New()
	var registry = stats.New(localID, 4)
	var applied, committed []wsrep.GSN
	var mu sync.Mutex
	var cb = Callbacks{
		Apply: func(ctx context.Context, ws *wsrep.Writeset) error {
			mu.Lock()
			applied = append(applied, ws.Assigned)
			mu.Unlock()
			return nil
		},
		Commit: func(ctx context.Context, ws *wsrep.Writeset) error {
			mu.Lock()
			committed = append(committed, ws.Assigned)
			mu.Unlock()
			return nil
		},
	}
	var r = New(Config{LocalUUID: localID, MaxPARange: 1 << 20, ApplierPoolSize: 4}, 0, transport, codec, nil, cb, registry)
	go r.Run(context.Background())
	return r, transport
}

func key(canon string) wsrep.Key { return wsrep.NewKey(1, wsrep.KeyExclusive, []byte(canon)) }

// TestSimpleSuccessTwoDisjointTransactions covers two disjoint local transactions both committing.
func TestSimpleSuccessTwoDisjointTransactions(t *testing.T) {
	var r, _ = newTestReplicator(t)

	var m1 = trx.NewMaster(trx.Header{Source: r.cfg.LocalUUID, TrxID: 1}, 0)
	m1.AppendKey(key("a"))
	m1.MarkCommit()
	var ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Replicate(ctx, m1))
	assert.True(t, m1.State().Terminal())

	var m2 = trx.NewMaster(trx.Header{Source: r.cfg.LocalUUID, TrxID: 2}, 0)
	m2.AppendKey(key("b"))
	m2.MarkCommit()
	require.NoError(t, r.Replicate(ctx, m2))
	assert.True(t, m2.State().Terminal())

	assert.EqualValues(t, 2, r.LastCommitted())
}

// TestConflictingExclusiveKeysDummiesTheSecond covers two transactions touching the same exclusive key.
func TestConflictingExclusiveKeysDummiesTheSecond(t *testing.T) {
	var r, _ = newTestReplicator(t)
	var ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var m1 = trx.NewMaster(trx.Header{Source: r.cfg.LocalUUID, TrxID: 1}, 0)
	m1.AppendKey(key("x"))
	m1.MarkCommit()
	require.NoError(t, r.Replicate(ctx, m1))

	var m2 = trx.NewMaster(trx.Header{Source: r.cfg.LocalUUID, TrxID: 2}, 0)
	m2.AppendKey(key("x"))
	m2.MarkCommit()
	var err = r.Replicate(ctx, m2)
	require.Error(t, err)
	var kind, ok = wsrep.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, wsrep.KindCertificationConflict, kind)
	assert.Equal(t, trx.StateRolledBack, m2.State())

	// Monitors still advance to gsn 2 even though it was a dummy.
	assert.EqualValues(t, 2, r.LastCommitted())
}

// TestConcurrentDeliveriesCertifySafely drives two disjoint writesets
// through the pipeline at the same time by sending both directly over the
// transport instead of through the blocking Replicate call, so both
// dispatch goroutines reach processOne (and therefore cert.Index.Certify)
// concurrently, up to ApplierPoolSize at once. Run under -race, this
// previously reported a concurrent map write on the index's internal maps.
func TestConcurrentDeliveriesCertifySafely(t *testing.T) {
	var r, transport = newTestReplicator(t)
	var codec = r.codec.(*fakeCodec)

	var n = 8
	var encoded = make([][]byte, n)
	for i := 0; i < n; i++ {
		var ws = &wsrep.Writeset{
			Source: r.cfg.LocalUUID,
			TrxID:  int64(i + 1),
			Flags:  wsrep.Flags(0).Set(wsrep.FlagBegin).Set(wsrep.FlagCommit),
			Keys:   []wsrep.Key{key(string(rune('a' + i)))}, // disjoint keys: no conflicts expected.
		}
		var b, err = codec.Encode(ws)
		require.NoError(t, err)
		encoded[i] = b
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		var b = encoded[i]
		go func() {
			defer wg.Done()
			var _, _, err = transport.Send(context.Background(), b)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return r.index.Size() == n }, 2*time.Second, 5*time.Millisecond,
		"all n disjoint writesets should certify and land in the index without a lost update")
	assert.EqualValues(t, n, r.LastCommitted())
}
