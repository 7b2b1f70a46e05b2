// Package replicator wires the four core subsystems together: for
// every ordered writeset it enters the local monitor,
// certifies it, stores it in the cache, enters apply/commit monitors
// around the database callbacks, then trims the certification index.
package replicator

import (
	"context"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"go.wsrep.dev/core/cert"
	"go.wsrep.dev/core/gcache"
	"go.wsrep.dev/core/gcomm"
	"go.wsrep.dev/core/membership"
	"go.wsrep.dev/core/monitor"
	"go.wsrep.dev/core/stats"
	"go.wsrep.dev/core/trx"
	"go.wsrep.dev/core/wsrep"
)

// Config holds the replicator's static parameters.
type Config struct {
	LocalUUID       uuid.UUID
	ProtocolVersion int
	MaxPARange      int64
	// FlowControlThreshold is the in-flight apply-queue depth that trips
	// backpressure.
	FlowControlThreshold int
	// ApplierPoolSize bounds how many deliveries are processed concurrently.
	ApplierPoolSize int
}

func (c Config) applierPoolSize() int {
	if c.ApplierPoolSize <= 0 {
		return 8
	}
	return c.ApplierPoolSize
}

// Replicator owns one instance each of the group-communication handle,
// certification index, the three ordering monitors, and the ring-buffer
// cache, and drives every ordered writeset through them.
type Replicator struct {
	cfg       Config
	transport gcomm.Transport
	codec     Codec
	cache     *gcache.Cache
	callbacks Callbacks
	registry  *stats.Registry

	index      *cert.Index
	localMon   *monitor.Monitor[wsEvent]
	applyMon   *monitor.Monitor[wsEvent]
	commitMon  *monitor.Monitor[wsEvent]
	flow       *flowControl
	applierSem chan struct{}

	mu            sync.Mutex
	state         membership.State
	lastCommitted wsrep.GSN
	// results is keyed by (source, trxID) rather than by GSN: a local
	// Replicate call must register its waiter before calling transport.Send,
	// since the GSN it will be assigned isn't known until Send returns —
	// and by then the delivery may already have reached processOne on
	// another goroutine. The correlation key is known up front instead.
	results  map[pendingKey]chan error
	inFlight int
}

type pendingKey struct {
	source uuid.UUID
	trxID  int64
}

// New returns a Replicator ready to Run, starting its ordering monitors
// at initial (the highest GSN already known to be committed, eg from cache
// recovery or 0 for a fresh replica). The certification index starts empty.
func New(cfg Config, initial wsrep.GSN, transport gcomm.Transport, codec Codec, cache *gcache.Cache, cb Callbacks, registry *stats.Registry) *Replicator {
	return &Replicator{
		cfg:           cfg,
		transport:     transport,
		codec:         codec,
		cache:         cache,
		callbacks:     cb,
		registry:      registry,
		index:         cert.New(cfg.MaxPARange),
		localMon:      monitor.New[wsEvent](initial),
		applyMon:      monitor.New[wsEvent](initial),
		commitMon:     monitor.New[wsEvent](initial),
		flow:          newFlowControl(cfg.FlowControlThreshold),
		applierSem:    make(chan struct{}, cfg.applierPoolSize()),
		state:         membership.Closed,
		lastCommitted: initial,
		results:       make(map[pendingKey]chan error),
	}
}

// SetState records the replicator's membership state and publishes its
// string form to the stats registry. processOne does not consult the state:
// no pipeline step is gated or queued by it.
func (r *Replicator) SetState(s membership.State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	if r.registry != nil {
		r.registry.SetLocalState(s.String())
	}
}

func (r *Replicator) State() membership.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LastCommitted returns the highest GSN this replica has committed.
func (r *Replicator) LastCommitted() wsrep.GSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCommitted
}

// Run pumps every ordered delivery from the transport through the
// pipeline until the transport closes or ctx is canceled. Each delivery is
// dispatched to its own goroutine (bounded by ApplierPoolSize); correctness
// of the resulting order comes entirely from the three monitors' own
// serialization, not from the order these goroutines happen to start in.
func (r *Replicator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-r.transport.Deliveries():
			if !ok {
				return nil
			}
			r.dispatch(ctx, d)
		}
	}
}

func (r *Replicator) dispatch(ctx context.Context, d gcomm.Delivery) {
	r.applierSem <- struct{}{}
	r.mu.Lock()
	r.inFlight++
	var queueLen = r.inFlight
	r.mu.Unlock()
	r.flow.Observe(r.transport, queueLen)

	go func() {
		defer func() {
			<-r.applierSem
			r.mu.Lock()
			r.inFlight--
			r.mu.Unlock()
		}()

		var ws, err = r.processOne(ctx, d)

		if ws != nil {
			r.mu.Lock()
			var ch, ok = r.results[pendingKey{ws.Source, ws.TrxID}]
			delete(r.results, pendingKey{ws.Source, ws.TrxID})
			r.mu.Unlock()
			if ok {
				ch <- err
				close(ch)
				return
			}
		}
		if err != nil {
			log.WithError(err).WithField("gsn", d.GSN).Warn("replicator: remote writeset failed")
		}
	}()
}

// processOne runs the 9-step pipeline for one delivered
// writeset, returning the decoded writeset (even on a later pipeline
// error) so the caller can correlate the outcome back to a waiting sender.
func (r *Replicator) processOne(ctx context.Context, d gcomm.Delivery) (*wsrep.Writeset, error) {
	var ws, err = r.codec.Decode(d.Bytes)
	if err != nil {
		return nil, wsrep.Errorf(wsrep.KindChecksumMismatch, "replicator: decode gsn %s: %v", d.GSN, err)
	}
	ws.Assigned = d.GSN
	ws.LocalSeqno = d.LocalSeqno
	r.registry.RecordReceived(int64(len(d.Bytes)))

	var ev = wsEvent{ws: ws}

	// 1. local monitor.
	if err := r.localMon.Enter(ctx, ev); err != nil {
		return ws, err
	}
	defer r.localMon.Leave(ev)

	// 2. certification.
	var result = r.index.Certify(ws)
	if result.Conflict {
		ws.Depends = wsrep.SeqnoUndefined
		ws.Flags = ws.Flags.Set(wsrep.FlagRollback)
		r.registry.RecordCertificationFailure()
	} else {
		ws.Depends = result.Depends
	}

	// 3. store in cache for incremental state transfer.
	if r.cache != nil {
		if body, encErr := r.codec.Encode(ws); encErr == nil {
			if storeErr := r.cache.Store(ws.Assigned, body, 0); storeErr != nil {
				log.WithError(storeErr).WithField("gsn", ws.Assigned).Warn("replicator: gcache store failed")
			}
		}
	}

	if ws.IsDummy() {
		// A dummy writeset still consumes its apply/commit monitor slots:
		// cancel both so downstream waiters progress.
		r.applyMon.Cancel(ws.Assigned)
		r.commitMon.Cancel(ws.Assigned)
		r.advanceCommitted(ws.Assigned)
		return ws, wsrep.Errorf(wsrep.KindCertificationConflict, "replicator: writeset %s failed certification on key %s", ws.Assigned, result.ConflictOn.Canon)
	}

	// 4/5. apply monitor + callback.
	if err := r.applyMon.Enter(ctx, ev); err != nil {
		return ws, err
	}
	var applyErr error
	if r.callbacks.Apply != nil {
		applyErr = r.callbacks.Apply(ctx, ws)
	}
	r.applyMon.Leave(ev)
	if applyErr != nil {
		r.commitMon.Cancel(ws.Assigned)
		return ws, applyErr
	}

	for _, payload := range ws.Unordered {
		if r.callbacks.Unordered != nil {
			if err := r.callbacks.Unordered(ctx, ws, payload); err != nil {
				log.WithError(err).WithField("gsn", ws.Assigned).Warn("replicator: unordered callback failed")
			}
		}
	}

	// 6/7/8. commit monitor + callback + leave.
	if err := r.commitMon.Enter(ctx, ev); err != nil {
		return ws, err
	}
	var commitErr error
	if r.callbacks.Commit != nil {
		commitErr = r.callbacks.Commit(ctx, ws)
	}
	r.commitMon.Leave(ev)

	// 9. trim the index, keeping the last MaxPARange committed GSNs so later
	// writesets whose last_seen falls inside that window still certify
	// against them.
	r.advanceCommitted(ws.Assigned)
	var window = r.cfg.MaxPARange
	if window <= 0 {
		window = cert.MaxDefaultPARange
	}
	if floor := r.commitMon.LastLeft() - wsrep.GSN(window); floor > 0 {
		r.index.TrimTo(floor)
	}

	if commitErr == nil && ws.Source == r.cfg.LocalUUID {
		r.registry.RecordLocalCommit()
	}
	return ws, commitErr
}

// StatsSnapshot assembles the current observable statistics surface from
// the certification index, the apply/commit monitors, and this
// replicator's own counters.
func (r *Replicator) StatsSnapshot(cachePoolSize int64, incoming []string) stats.Snapshot {
	return r.registry.Snapshot(r.index.Stats(), r.applyMon.Stats(), r.commitMon.Stats(), r.LastCommitted(), cachePoolSize, incoming)
}

func (r *Replicator) advanceCommitted(gsn wsrep.GSN) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gsn > r.lastCommitted {
		r.lastCommitted = gsn
	}
}

// Replicate drives a local Master transaction's gathered fragment through
// ordering: it sends the fragment for a GSN assignment, publishes the
// resulting Slave onto the master, then blocks until processOne (running
// from Run's delivery loop, since this replica also receives its own
// sends) finishes the full certify/apply/commit pipeline for that GSN.
func (r *Replicator) Replicate(ctx context.Context, m *trx.Master) error {
	var ws, err = m.Gather()
	if err != nil {
		return err
	}
	ws.Source = r.cfg.LocalUUID

	var bytes []byte
	if bytes, err = r.codec.Encode(ws); err != nil {
		return err
	}

	// The waiter must be registered before Send is even called: Send may
	// deliver the writeset to Run's dispatch loop (and processOne may
	// finish it) before Send returns the GSN this call would otherwise
	// have keyed on, so the correlation key has to be one both sides
	// know in advance.
	var pk = pendingKey{source: ws.Source, trxID: ws.TrxID}
	var resultCh = make(chan error, 1)
	r.mu.Lock()
	r.results[pk] = resultCh
	r.mu.Unlock()

	var gsn, localSeqno, sendErr = r.transport.Send(ctx, bytes)
	if sendErr != nil {
		r.mu.Lock()
		delete(r.results, pk)
		r.mu.Unlock()
		return sendErr
	}
	ws.Assigned, ws.LocalSeqno = gsn, localSeqno
	m.Publish(ws)
	r.registry.RecordReplicated(int64(len(bytes)), int64(len(ws.Keys)), int64(len(ws.Data)))

	select {
	case pipelineErr := <-resultCh:
		return r.reflectOutcome(m, pipelineErr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reflectOutcome folds the pipeline's real outcome back onto the Master's
// own FSM, which exists to enforce the state-transition contract the
// database-facing API relies on; the pipeline above is what actually did
// the certifying/applying/committing work.
func (r *Replicator) reflectOutcome(m *trx.Master, pipelineErr error) error {
	if err := m.EnterCertification(); err != nil {
		return err
	}
	if kind, ok := wsrep.KindOf(pipelineErr); ok && kind == wsrep.KindCertificationConflict {
		if err := m.CertifyFail(); err != nil {
			return err
		}
		if err := m.RolledBack(); err != nil {
			return err
		}
		return pipelineErr
	}
	if pipelineErr != nil {
		return pipelineErr
	}
	if err := m.CertifySuccess(); err != nil {
		return err
	}
	if err := m.EnterCommit(); err != nil {
		return err
	}
	return m.Committed()
}
