package raftgcomm

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	log "github.com/sirupsen/logrus"

	"go.wsrep.dev/core/gcomm"
	"go.wsrep.dev/core/wsrep"
)

func gsnOf(raftIndex uint64) wsrep.GSN { return wsrep.GSN(raftIndex) }

// Transport is a gcomm.Transport backed by a Raft group. One GSN is
// assigned per committed log entry; replicas observe the same entries in
// the same order because Raft guarantees a single committed log.
type Transport struct {
	cfg  Config
	raft *raft.Raft
	fsm  *orderingFSM
	flow chan gcomm.FlowCommand
}

// New starts (or rejoins) this replica's participation in the Raft group
// described by cfg.
func New(cfg Config) (*Transport, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	var raftCfg = raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	var addr, err = net.ResolveTCPAddr("tcp", cfg.advertiseAddr())
	if err != nil {
		return nil, err
	}
	var transport *raft.NetworkTransport
	transport, err = raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, err
	}

	var snapshots raft.SnapshotStore
	snapshots, err = raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, err
	}

	var store *raftboltdb.BoltStore
	store, err = raftboltdb.New(raftboltdb.Options{Path: filepath.Join(cfg.DataDir, "raft.db")})
	if err != nil {
		return nil, err
	}

	var orderFSM = newOrderingFSM(256)

	var node *raft.Raft
	node, err = raft.NewRaft(raftCfg, orderFSM, store, store, snapshots, transport)
	if err != nil {
		return nil, err
	}

	if cfg.Bootstrap {
		var bootErr = node.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: raft.ServerAddress(cfg.advertiseAddr())}},
		}).Error()
		if bootErr != nil {
			log.WithError(bootErr).Warn("raftgcomm: bootstrap skipped, group likely already initialized")
		}
	}

	return &Transport{cfg: cfg, raft: node, fsm: orderFSM, flow: make(chan gcomm.FlowCommand, 1)}, nil
}

// Send appends bytes to the Raft log and blocks until it commits,
// returning its committed index as the assigned GSN.
func (t *Transport) Send(ctx context.Context, bytes []byte) (wsrep.GSN, int64, error) {
	var future = t.raft.Apply(bytes, t.cfg.applyTimeout())
	select {
	case <-ctx.Done():
		return wsrep.SeqnoUndefined, 0, ctx.Err()
	default:
	}
	if err := future.Error(); err != nil {
		return wsrep.SeqnoUndefined, 0, wsrep.Errorf(wsrep.KindInconsistentState, "raftgcomm: apply failed: %v", err)
	}
	var idx = future.Index()
	return gsnOf(idx), int64(idx), nil
}

func (t *Transport) Deliveries() <-chan gcomm.Delivery { return t.fsm.deliveries }

// Flow records a pause/resume request; a production transport would slow
// its own Apply call rate accordingly. The channel is drained by callers
// wishing to observe the latest request, matching a level-triggered signal
// rather than a queue of every command issued.
func (t *Transport) Flow(cmd gcomm.FlowCommand) {
	select {
	case <-t.flow:
	default:
	}
	t.flow <- cmd
}

func (t *Transport) Status() gcomm.Status {
	var cfgFuture = t.raft.GetConfiguration()
	var members []string
	if cfgFuture.Error() == nil {
		for _, srv := range cfgFuture.Configuration().Servers {
			members = append(members, string(srv.ID))
		}
	}
	return gcomm.Status{
		ViewID:    string(t.raft.Leader()),
		Members:   members,
		Connected: t.raft.State() != raft.Shutdown,
	}
}

func (t *Transport) Close() error {
	close(t.fsm.deliveries)
	return t.raft.Shutdown().Error()
}
