package stats

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"go.wsrep.dev/core/cert"
	"go.wsrep.dev/core/monitor"
)

func TestSnapshotReflectsRecordedCounters(t *testing.T) {
	var r = New(uuid.New(), 4)
	r.RecordReplicated(100, 2, 1)
	r.RecordLocalCommit()
	r.RecordLocalCommit()
	r.RecordCertificationFailure()
	r.SetLocalState("Synced")
	r.ObserveQueueLengths(3, 1)
	r.ObserveQueueLengths(5, 2)

	var snap = r.Snapshot(cert.Stats{}, monitor.Stats{}, monitor.Stats{}, 42, 1024, []string{"10.0.0.1:4567"})

	assert.EqualValues(t, 100, snap.BytesReplicated)
	assert.EqualValues(t, 2, snap.LocalCommits)
	assert.EqualValues(t, 1, snap.CertificationFailures)
	assert.Equal(t, "Synced", snap.LocalState)
	assert.Equal(t, int64(5), snap.SendQueueMax)
	assert.Equal(t, float64(4), snap.SendQueueAverage)
	assert.Equal(t, []string{"10.0.0.1:4567"}, snap.IncomingAddrs)
}
