package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestDecodeEventPut(t *testing.T) {
	var ev = &clientv3.Event{
		Type: mvccpb.PUT,
		Kv:   &mvccpb.KeyValue{Key: []byte("/repl/node-2"), Value: []byte("Synced")},
	}
	var u = decodeEvent("/repl/", ev)
	assert.Equal(t, "node-2", u.ReplicaID)
	assert.Equal(t, Synced, u.State)
}

func TestDecodeEventDeleteIsClosed(t *testing.T) {
	var ev = &clientv3.Event{
		Type: mvccpb.DELETE,
		Kv:   &mvccpb.KeyValue{Key: []byte("/repl/node-3")},
	}
	var u = decodeEvent("/repl/", ev)
	assert.Equal(t, "node-3", u.ReplicaID)
	assert.Equal(t, Closed, u.State)
}
