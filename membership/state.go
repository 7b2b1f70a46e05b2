// Package membership tracks replica membership state — closed, connected,
// joining, joined, synced, donor — published to and watched
// from Etcd, generalizing the allocator/KeySpace watch-and-decode pattern
// of consumer/resolver.go and consumer/key_space.go to replica roles
// instead of shard assignments.
package membership

import "fmt"

// State is a replica's membership role in the cluster.
type State int

const (
	// Closed: not participating; either not yet started or shut down.
	Closed State = iota
	// Connected: joined the group-communication transport but has not yet
	// requested or begun state transfer.
	Connected
	// Joining: requested and is receiving state transfer (IST or SST)
	// before it may apply writesets.
	Joining
	// Joined: state transfer complete; catching up on the writeset backlog
	// queued during Joining.
	Joined
	// Synced: fully caught up; applying and certifying in the normal
	// pipeline.
	Synced
	// Donor: serving a state-transfer request to a joining peer; paused
	// from its own normal operation for the duration (or shadowing it,
	// depending on configuration — the core treats Donor as a distinct
	// state regardless).
	Donor
)

// String reproduces the human-readable state strings of the original
// implementation's state2stats_str (eg "Joining: receiving State
// Transfer"), used both for logging and as the STATS_LOCAL_STATE_COMMENT
// observable counter.
func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Connected:
		return "Connected"
	case Joining:
		return "Joining: receiving State Transfer"
	case Joined:
		return "Joined: receiving writesets"
	case Synced:
		return "Synced"
	case Donor:
		return "Donor/Desynced: sending State Transfer"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// legalMembershipMoves is the state's own small transition table, distinct
// from trx.State's transaction lifecycle but following the same static
// literal-map idiom.
var legalMembershipMoves = map[State]map[State]bool{
	Closed:    {Connected: true},
	Connected: {Joining: true, Synced: true, Closed: true},
	Joining:   {Joined: true, Closed: true},
	Joined:    {Synced: true, Closed: true},
	Synced:    {Donor: true, Closed: true},
	Donor:     {Synced: true, Closed: true},
}

// CanTransition reports whether moving from s to next is a legal membership
// move.
func (s State) CanTransition(next State) bool { return legalMembershipMoves[s][next] }
