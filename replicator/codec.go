package replicator

import "go.wsrep.dev/core/wsrep"

// Codec is the writeset wire-serialization collaborator. The replicator only ever needs it at the transport and
// cache boundary; it never inspects wire bytes itself.
type Codec interface {
	Encode(ws *wsrep.Writeset) ([]byte, error)
	Decode(bytes []byte) (*wsrep.Writeset, error)
}
