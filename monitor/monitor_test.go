package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.wsrep.dev/core/wsrep"
)

type testEvent struct {
	gsn     wsrep.GSN
	depends wsrep.GSN
}

func (e testEvent) GlobalSeqno() wsrep.GSN  { return e.gsn }
func (e testEvent) DependsSeqno() wsrep.GSN { return e.depends }

func TestSingleEvent(t *testing.T) {
	var m = New[testEvent](0)
	var ev = testEvent{gsn: 1, depends: 0}

	require.NoError(t, m.Enter(context.Background(), ev))
	require.NoError(t, m.Leave(ev))
	assert.Equal(t, wsrep.GSN(1), m.LastLeft())
}

func TestStrictEntryOrder(t *testing.T) {
	var m = New[testEvent](0)
	var order []wsrep.GSN
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, gsn := range []wsrep.GSN{3, 1, 2} {
		gsn := gsn
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ev = testEvent{gsn: gsn, depends: gsn - 1}
			require.NoError(t, m.Enter(context.Background(), ev))
			mu.Lock()
			order = append(order, gsn)
			mu.Unlock()
			require.NoError(t, m.Leave(ev))
		}()
		time.Sleep(5 * time.Millisecond) // encourage out-of-arrival-order submission.
	}
	wg.Wait()

	assert.Equal(t, []wsrep.GSN{1, 2, 3}, order, "entries always proceed in GSN order regardless of call order")
	assert.Equal(t, wsrep.GSN(3), m.LastLeft())

	var st = m.Stats()
	assert.Greater(t, st.EntryOutOfOrderFraction, 0.0, "gsn 3 arrived before gsn 1 and 2 had entered")
}

// TestParallelApply covers the parallel-apply relaxation: two events
// with non-overlapping dependency ranges may be inside their
// critical sections concurrently.
func TestParallelApply(t *testing.T) {
	var m = New[testEvent](0)
	var a = testEvent{gsn: 1, depends: 0}
	var b = testEvent{gsn: 2, depends: 0} // does not depend on gsn 1.

	require.NoError(t, m.Enter(context.Background(), a))

	var entered = make(chan struct{})
	go func() {
		require.NoError(t, m.Enter(context.Background(), b))
		close(entered)
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("gsn 2 should have entered alongside gsn 1 since it does not depend on it")
	}

	require.NoError(t, m.Leave(b))
	require.NoError(t, m.Leave(a))
	assert.Equal(t, wsrep.GSN(2), m.LastLeft())
}

// TestTotalOrderIsolationSerializes checks the other extreme: a dependency
// on the immediately preceding GSN forces full serialization.
func TestTotalOrderIsolationSerializes(t *testing.T) {
	var m = New[testEvent](0)
	var a = testEvent{gsn: 1, depends: 0}
	var b = testEvent{gsn: 2, depends: 1} // TOI: depends == gsn-1.

	require.NoError(t, m.Enter(context.Background(), a))

	var entered = make(chan struct{})
	go func() {
		require.NoError(t, m.Enter(context.Background(), b))
		close(entered)
	}()

	select {
	case <-entered:
		t.Fatal("gsn 2 must not enter before gsn 1 leaves, it depends on it")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Leave(a))
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("gsn 2 should enter once gsn 1 has left")
	}
	require.NoError(t, m.Leave(b))
}

func TestCancelWhileWaiting(t *testing.T) {
	var m = New[testEvent](0)
	var a = testEvent{gsn: 1, depends: 0}
	var b = testEvent{gsn: 2, depends: 1}

	require.NoError(t, m.Enter(context.Background(), a))

	var errCh = make(chan error, 1)
	go func() { errCh <- m.Enter(context.Background(), b) }()
	time.Sleep(20 * time.Millisecond) // let gsn 2 register and start waiting.

	require.NoError(t, m.Cancel(2))
	var err = <-errCh
	assert.Error(t, err, "a canceled slot must fail its Enter with interrupted")

	var kind, ok = wsrep.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, wsrep.KindInterrupted, kind)

	require.NoError(t, m.Leave(a))
	// gsn 2's cancellation still counted as resolved, so last_left reaches it.
	assert.Equal(t, wsrep.GSN(2), m.LastLeft())
}

// TestCancelBeforeEnter models a dummy writeset whose GSN slot is consumed
// without the owning transaction ever reaching the monitor (eg it was
// victim-aborted, or certification marked it a no-op rollback before
// replication finished). The GSN must still count as resolved so later
// entries are not blocked behind it forever.
func TestCancelBeforeEnter(t *testing.T) {
	var m = New[testEvent](0)
	require.NoError(t, m.Cancel(1))

	var ev = testEvent{gsn: 2, depends: 0}
	require.NoError(t, m.Enter(context.Background(), ev))
	require.NoError(t, m.Leave(ev))
	assert.Equal(t, wsrep.GSN(2), m.LastLeft())
}

// TestCancelAheadOfLowerUnentered covers a Cancel that races ahead of an
// Enter for a GSN still below it: gsn 3 is canceled before gsn 1 and 2 have
// even entered. Once 1 and 2 do enter, enteredUpTo must sweep straight over
// the canceled 3 so gsn 4 is still admitted instead of blocking forever.
func TestCancelAheadOfLowerUnentered(t *testing.T) {
	var m = New[testEvent](0)
	require.NoError(t, m.Cancel(3))

	require.NoError(t, m.Enter(context.Background(), testEvent{gsn: 1, depends: 0}))
	require.NoError(t, m.Enter(context.Background(), testEvent{gsn: 2, depends: 0}))

	var entered = make(chan error, 1)
	go func() { entered <- m.Enter(context.Background(), testEvent{gsn: 4, depends: 0}) }()

	select {
	case err := <-entered:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("gsn 4 should have entered once gsn 1, 2 and the canceled gsn 3 are all resolved")
	}
}

func TestDrainRejectsNewEntriesUntilResume(t *testing.T) {
	var m = New[testEvent](0)
	for gsn := wsrep.GSN(1); gsn <= 5; gsn++ {
		var ev = testEvent{gsn: gsn, depends: gsn - 1}
		require.NoError(t, m.Enter(context.Background(), ev))
		require.NoError(t, m.Leave(ev))
	}

	var drained = make(chan struct{})
	go func() {
		require.NoError(t, m.Drain(context.Background(), 5))
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain(5) should return immediately, everything through gsn 5 already left")
	}

	var ev6 = testEvent{gsn: 6, depends: 5}
	var err = m.Enter(context.Background(), ev6)
	assert.Error(t, err, "entries above the drain point are rejected while draining")

	// gsn 6's slot was consumed by the rejection; the next real writeset gets a
	// fresh GSN from the ordering layer, the same way a dummy rollback does.
	m.Resume()
	require.NoError(t, m.Enter(context.Background(), testEvent{gsn: 7, depends: 5}))
}

func TestStatsResetIsAtomic(t *testing.T) {
	var m = New[testEvent](0)
	for gsn := wsrep.GSN(1); gsn <= 3; gsn++ {
		var ev = testEvent{gsn: gsn, depends: gsn - 1}
		require.NoError(t, m.Enter(context.Background(), ev))
		require.NoError(t, m.Leave(ev))
	}
	assert.Greater(t, m.Stats().AverageWindowSize, -1.0)

	m.ResetStats()
	assert.Equal(t, Stats{}, m.Stats())
}
