package membership

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/api/v3/mvccpb"

	"go.wsrep.dev/core/wsrep"
)

// Update is one observed change to a replica's published membership state.
type Update struct {
	ReplicaID string
	State     State
}

// Watcher publishes this replica's own membership state under
// <Prefix>/<localID> with a lease, and watches the prefix for every
// replica's current state — the same decode-and-observe shape as
// consumer/key_space.go's KeySpace, specialized to a single scalar state
// per member instead of a full ShardSpec/ConsumerSpec/Assignment triple.
type Watcher struct {
	client  *clientv3.Client
	prefix  string
	localID string

	mu    sync.Mutex
	state State
	lease clientv3.LeaseID
}

// NewWatcher returns a Watcher for localID, rooted at prefix.
func NewWatcher(client *clientv3.Client, prefix, localID string) *Watcher {
	return &Watcher{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/") + "/",
		localID: localID,
		state:   Closed,
	}
}

// Publish moves the watcher's local state to next (rejecting illegal
// membership moves) and writes it to Etcd under a lease, so that a crashed
// or partitioned replica's state automatically reverts to absent once its
// lease expires.
func (w *Watcher) Publish(ctx context.Context, next State, leaseTTL time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.state.CanTransition(next) {
		return wsrep.Errorf(wsrep.KindInconsistentState, "membership: illegal transition %s -> %s", w.state, next)
	}

	if w.lease == 0 {
		var grant, err = w.client.Grant(ctx, int64(leaseTTL.Seconds()))
		if err != nil {
			return errors.Wrap(err, "membership: grant lease")
		}
		w.lease = grant.ID

		var keepAlive, kaErr = w.client.KeepAlive(context.Background(), w.lease)
		if kaErr != nil {
			return errors.Wrap(kaErr, "membership: start keepalive")
		}
		go drainKeepAlive(keepAlive)
	}

	var _, err = w.client.Put(ctx, w.prefix+w.localID, next.String(), clientv3.WithLease(w.lease))
	if err != nil {
		return errors.Wrap(err, "membership: publish state")
	}

	log.WithFields(log.Fields{"replica": w.localID, "from": w.state, "to": next}).Info("membership state published")
	w.state = next
	return nil
}

// drainKeepAlive consumes lease keepalive responses so the client library's
// internal channel never blocks; the lease itself, not the response
// payload, is what matters here.
func drainKeepAlive(ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
}

// State returns the watcher's last-published local state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Watch streams an Update for every membership key change under the
// watcher's prefix (including this replica's own, and every peer's) until
// ctx is canceled. Delete events (lease expiry, explicit departure) are
// reported as Closed.
func (w *Watcher) Watch(ctx context.Context) (<-chan Update, error) {
	var out = make(chan Update, 16)
	var wc = w.client.Watch(ctx, w.prefix, clientv3.WithPrefix())

	go func() {
		defer close(out)
		for resp := range wc {
			if err := resp.Err(); err != nil {
				log.WithError(err).Warn("membership: watch stream error")
				return
			}
			for _, ev := range resp.Events {
				out <- decodeEvent(w.prefix, ev)
			}
		}
	}()

	return out, nil
}

func decodeEvent(prefix string, ev *clientv3.Event) Update {
	var id = strings.TrimPrefix(string(ev.Kv.Key), prefix)
	if ev.Type == mvccpb.DELETE {
		return Update{ReplicaID: id, State: Closed}
	}
	return Update{ReplicaID: id, State: parseState(string(ev.Kv.Value))}
}

func parseState(s string) State {
	switch {
	case strings.HasPrefix(s, "Joining"):
		return Joining
	case strings.HasPrefix(s, "Joined"):
		return Joined
	case strings.HasPrefix(s, "Donor"):
		return Donor
	case s == "Synced":
		return Synced
	case s == "Connected":
		return Connected
	default:
		return Closed
	}
}
