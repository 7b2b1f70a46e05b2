// Package gcomm defines the group-communication collaborator:
// the total-ordering transport the replicator depends on but does not
// implement itself. Transport is the abstract contract; gcomm/raftgcomm is
// one concrete, swappable backing implementation.
package gcomm

import (
	"context"

	"go.wsrep.dev/core/wsrep"
)

// Delivery is one ordered event handed back by a Transport's receive
// stream: an already-assigned GSN, the sending replica's local monotonic
// sequence number, and the writeset's wire bytes.
type Delivery struct {
	GSN        wsrep.GSN
	LocalSeqno int64
	Bytes      []byte
}

// Status reports a Transport's view of cluster membership at a point in
// time, independent of this replica's own membership.State (membership
// package) — eg "am I currently the elected orderer".
type Status struct {
	ViewID    string
	Members   []string
	Connected bool
}

// FlowCommand is sent to a Transport to ask it to slow or resume producers
// cluster-wide.
type FlowCommand int

const (
	FlowResume FlowCommand = iota
	FlowPause
)

// Transport is the contract the replicator drives every inbound/outbound
// writeset through. Send is called on behalf of a local Master transaction
// once it has gathered a writeset; Deliveries
// streams every writeset the transport has placed in the global order,
// including ones this replica itself sent.
type Transport interface {
	// Send submits bytes for ordering and returns once a GSN has been
	// assigned. It does not imply the writeset has been delivered back
	// through Deliveries yet — callers must wait for that GSN to arrive on
	// the stream before treating the writeset as ordered.
	Send(ctx context.Context, bytes []byte) (gsn wsrep.GSN, localSeqno int64, err error)

	// Deliveries returns a channel of ordered events. The channel is
	// closed when the Transport shuts down or loses its group membership
	// irrecoverably; a receive on a closed channel yields the zero
	// Delivery and ok=false.
	Deliveries() <-chan Delivery

	// Flow issues a pause/resume command to the transport's own
	// backpressure mechanism (eg slow the Raft log append rate).
	Flow(cmd FlowCommand)

	// Status returns the transport's current view of cluster membership.
	Status() Status

	// Close releases the transport's resources. Deliveries' channel is
	// closed as part of shutdown.
	Close() error
}
