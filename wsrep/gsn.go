// Package wsrep defines the wire-independent data model shared by every
// component of the replication core: global sequence numbers, writesets,
// keys, and the flags that travel with them.
package wsrep

import "fmt"

// GSN is a global sequence number: a monotonically increasing integer
// assigned by the group-communication layer to each replicated writeset.
// It defines the one true commit order across the cluster.
type GSN int64

const (
	// SeqnoUndefined marks a GSN that has not yet been assigned (eg a
	// writeset's depends_gsn before certification, or last_seen for the
	// very first writeset a replica ever sees).
	SeqnoUndefined GSN = -1
	// SeqnoIllegal marks a buffer slot whose GSN has been discarded from
	// the cache and must never be dereferenced.
	SeqnoIllegal GSN = -2
)

// Defined reports whether g is neither undefined nor illegal.
func (g GSN) Defined() bool { return g >= 0 }

func (g GSN) String() string {
	switch g {
	case SeqnoUndefined:
		return "undefined"
	case SeqnoIllegal:
		return "illegal"
	default:
		return fmt.Sprintf("%d", int64(g))
	}
}
