// Package raftgcomm is a concrete gcomm.Transport backed by a replicated
// Raft log (github.com/hashicorp/raft): the total order the replication
// core depends on is simply the Raft log's commit index, and Send
// submits writeset bytes as a Raft log entry.
package raftgcomm

import "time"

// Config configures a single replica's participation in the Raft group
// that assigns the GSN total order.
type Config struct {
	// NodeID uniquely identifies this replica within the Raft cluster.
	NodeID string
	// BindAddr is the local address the Raft transport listens on.
	BindAddr string
	// AdvertiseAddr is the address other replicas dial, if different from
	// BindAddr (eg behind NAT). Defaults to BindAddr.
	AdvertiseAddr string
	// DataDir holds the Raft log store (BoltDB) and snapshot store.
	DataDir string
	// Bootstrap, when true, bootstraps a brand-new single-node cluster at
	// this replica. Exactly one replica in a fresh cluster sets this.
	Bootstrap bool
	// ApplyTimeout bounds how long Send waits for the log entry to commit.
	ApplyTimeout time.Duration
}

func (c Config) applyTimeout() time.Duration {
	if c.ApplyTimeout <= 0 {
		return 5 * time.Second
	}
	return c.ApplyTimeout
}

func (c Config) advertiseAddr() string {
	if c.AdvertiseAddr == "" {
		return c.BindAddr
	}
	return c.AdvertiseAddr
}
