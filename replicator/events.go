package replicator

import "go.wsrep.dev/core/wsrep"

// wsEvent adapts a *wsrep.Writeset to monitor.Event; all three of the
// replicator's monitors (local, apply, commit) order the same writeset
// sequence, just at different pipeline stages, so one adapter covers all.
type wsEvent struct {
	ws *wsrep.Writeset
}

func (e wsEvent) GlobalSeqno() wsrep.GSN  { return e.ws.Assigned }
func (e wsEvent) DependsSeqno() wsrep.GSN { return e.ws.Depends }
