package trx

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.wsrep.dev/core/wsrep"
)

func newTestMaster() *Master {
	return NewMaster(Header{Source: uuid.New(), ConnID: 1, TrxID: 7, Version: 4}, 10)
}

func TestMasterLifecycleHappyPath(t *testing.T) {
	var m = newTestMaster()
	assert.Equal(t, StateExecuting, m.State())

	m.AppendKey(wsrep.NewKey(1, wsrep.KeyExclusive, []byte("a")))
	m.MarkCommit()

	var ws, err = m.Gather()
	require.NoError(t, err)
	assert.Equal(t, StateReplicating, m.State())
	assert.True(t, ws.IsCommit())
	assert.True(t, ws.IsBegin())

	ws.Assigned = 11
	ws.Depends = 10
	var slave = m.Publish(ws)
	require.NoError(t, m.EnterCertification())
	assert.Equal(t, StateCertifying, m.State())
	assert.Equal(t, StateCertifying, slave.State())

	require.NoError(t, m.CertifySuccess())
	assert.Equal(t, StateApplying, m.State())
	require.NoError(t, m.EnterCommit())
	require.NoError(t, m.Committed())
	assert.True(t, m.State().Terminal())
}

// TestVictimHoldingApplySlotAbortsOnCertifyFail covers a transaction that
// has already entered the apply monitor and then fails certification: it
// moves from certifying to aborting rather than to a replay state.
func TestVictimHoldingApplySlotAbortsOnCertifyFail(t *testing.T) {
	var m = newTestMaster()
	m.AppendKey(wsrep.NewKey(1, wsrep.KeyExclusive, []byte("victim-row")))

	var ws, err = m.Gather()
	require.NoError(t, err)
	ws.Assigned = 20
	ws.Depends = 10
	m.Publish(ws)
	require.NoError(t, m.EnterCertification())

	m.EnteredApplyMonitor(true)

	require.NoError(t, m.CertifyFail())
	assert.Equal(t, StateAborting, m.State())
}

func TestBeginAbortFromExecutingIsPending(t *testing.T) {
	var m = newTestMaster()
	require.NoError(t, m.BeginAbort())
	assert.Equal(t, StateMustAbort, m.State())

	require.NoError(t, m.CompleteAbort())
	assert.Equal(t, StateAborting, m.State())
	require.NoError(t, m.RolledBack())
	assert.True(t, m.State().Terminal())
}

func TestBeginAbortFromCertifyingIsImmediate(t *testing.T) {
	var m = newTestMaster()
	m.AppendKey(wsrep.NewKey(1, wsrep.KeyExclusive, []byte("row")))
	var ws, err = m.Gather()
	require.NoError(t, err)
	ws.Assigned, ws.Depends = 11, 10
	m.Publish(ws)
	require.NoError(t, m.EnterCertification())

	require.NoError(t, m.BeginAbort())
	assert.Equal(t, StateAborting, m.State(), "certifying aborts directly, never through must_abort")
}

func TestBeginAbortAfterCommitIsIllegal(t *testing.T) {
	var m = newTestMaster()
	var ws, err = m.Gather()
	require.NoError(t, err)
	ws.Assigned, ws.Depends = 11, 10
	m.Publish(ws)
	require.NoError(t, m.EnterCertification())
	require.NoError(t, m.CertifySuccess())
	require.NoError(t, m.EnterCommit())
	require.NoError(t, m.Committed())

	require.Error(t, m.BeginAbort())
}

func TestReplayVariantMatchesHeldMonitors(t *testing.T) {
	var certifying = func() *Master {
		var c = newTestMaster()
		var ws, err = c.Gather()
		require.NoError(t, err)
		ws.Assigned, ws.Depends = 11, 10
		c.Publish(ws)
		require.NoError(t, c.EnterCertification())
		return c
	}

	var m = certifying()
	m.EnteredApplyMonitor(true)
	require.NoError(t, m.BeginReplayFor())
	assert.Equal(t, StateMustReplayCM, m.State())

	m2 := certifying()
	m2.EnteredCommitMonitor(true)
	require.NoError(t, m2.BeginReplayFor())
	assert.Equal(t, StateMustReplayAM, m2.State())

	m3 := certifying()
	m3.EnteredApplyMonitor(true)
	m3.EnteredCommitMonitor(true)
	require.NoError(t, m3.BeginReplayFor())
	assert.Equal(t, StateMustReplay, m3.State())

	m4 := newTestMaster()
	_, err := m4.Gather() // advances to StateReplicating, neither monitor entered yet.
	require.NoError(t, err)
	require.NoError(t, m4.BeginReplayFor())
	assert.Equal(t, StateMustCertAndReplay, m4.State())
}

// TestReplayFromCertifyingWithNoMonitorsHeldIsIllegal covers a caller
// requesting must_cert_and_replay from StateCertifying: a victim that never
// entered either monitor must lose via CertifyFail into StateAborting
// instead, so this combination is rejected rather than silently forced.
func TestReplayFromCertifyingWithNoMonitorsHeldIsIllegal(t *testing.T) {
	var m = newTestMaster()
	var ws, err = m.Gather()
	require.NoError(t, err)
	ws.Assigned, ws.Depends = 11, 10
	m.Publish(ws)
	require.NoError(t, m.EnterCertification())

	require.Error(t, m.BeginReplayFor())
	assert.Equal(t, StateCertifying, m.State(), "rejected replay request must not move the handle")
}

func TestStreamingFragmentChainClampsDependency(t *testing.T) {
	var m = newTestMaster()
	m.SetFlags(0) // streaming: no isolation/pa-unsafe.

	var ws1, err = m.Gather()
	require.NoError(t, err)
	ws1.Assigned, ws1.Depends = 11, 10
	m.Publish(ws1)
	require.NoError(t, m.EnterCertification())
	require.NoError(t, m.CertifySuccess())
	require.NoError(t, m.EnterCommit())
	require.NoError(t, m.Committed())

	require.NoError(t, m.NextFragment())
	assert.Equal(t, StateExecuting, m.State())
	assert.Equal(t, wsrep.GSN(11), m.PreviousFragmentGSN())
	assert.False(t, m.flags.Has(wsrep.FlagBegin), "second fragment is not the transaction's first")

	var ws2, err2 = m.Gather()
	require.NoError(t, err2)
	assert.Equal(t, wsrep.GSN(11), ws2.LastSeen, "next fragment's snapshot starts at the previous fragment's gsn")
}

func TestSlaveRefcounting(t *testing.T) {
	var s = NewSlave(Header{Source: uuid.New(), TrxID: 1}, false, wsrep.Writeset{Assigned: 5})
	assert.Equal(t, StateReplicating, s.State())
	assert.Equal(t, int32(2), s.Ref().Unref()+1, "Ref then Unref returns to the original count")
}

func TestIllegalTransitionRejected(t *testing.T) {
	var m = newTestMaster()
	require.Error(t, m.EnterCommit(), "cannot enter commit before applying")
	assert.Equal(t, StateExecuting, m.State(), "a rejected transition leaves state unchanged")
}
