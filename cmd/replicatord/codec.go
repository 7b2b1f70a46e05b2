package main

import (
	"bytes"
	"encoding/gob"

	"go.wsrep.dev/core/wsrep"
)

// gobCodec is the default replicator.Codec wired by this binary. Writeset
// wire serialization is a genuinely external collaborator; gob is a deliberately minimal stand-in rather than a real
// wire format, since nothing downstream of this process ever needs to
// decode the bytes except another replicatord built from the same source.
type gobCodec struct{}

func (gobCodec) Encode(ws *wsrep.Writeset) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ws); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Decode(b []byte) (*wsrep.Writeset, error) {
	var ws wsrep.Writeset
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&ws); err != nil {
		return nil, err
	}
	return &ws, nil
}
