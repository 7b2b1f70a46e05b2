package raftgcomm

import (
	"io"

	"github.com/hashicorp/raft"

	"go.wsrep.dev/core/gcomm"
)

// orderingFSM is the Raft state machine the group merely uses to obtain a
// committed log index per entry; it carries no application state of its
// own (the database owns all durable state, not this package). Apply's
// only job is to republish the committed entry as a gcomm.Delivery.
type orderingFSM struct {
	deliveries chan gcomm.Delivery
}

func newOrderingFSM(buffer int) *orderingFSM {
	return &orderingFSM{deliveries: make(chan gcomm.Delivery, buffer)}
}

func (f *orderingFSM) Apply(log *raft.Log) interface{} {
	f.deliveries <- gcomm.Delivery{
		GSN:        gsnOf(log.Index),
		LocalSeqno: int64(log.Index),
		Bytes:      log.Data,
	}
	return log.Index
}

// Snapshot/Restore are no-ops: the FSM holds no state beyond what Raft's
// own log already durably retains, so a snapshot is always empty and a
// restore has nothing to load.
func (f *orderingFSM) Snapshot() (raft.FSMSnapshot, error) { return emptySnapshot{}, nil }

func (f *orderingFSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (emptySnapshot) Release()                             {}
