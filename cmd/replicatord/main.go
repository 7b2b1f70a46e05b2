// Command replicatord runs one replica of the replication core: it opens
// the local gcache ring-buffer, joins the Raft group that assigns the
// global sequence order, publishes and watches cluster membership over
// Etcd, and drives every ordered writeset through the replicator pipeline.
//
// The database-facing apply/commit callbacks are an external
// collaborator: this binary logs what it
// would apply rather than mutating a real store, since wiring a specific
// database driver is out of scope for the core.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"go.wsrep.dev/core/gcache"
	"go.wsrep.dev/core/gcomm/raftgcomm"
	"go.wsrep.dev/core/membership"
	"go.wsrep.dev/core/replicator"
	"go.wsrep.dev/core/stats"
	"go.wsrep.dev/core/wsrep"
)

// CacheConfig controls the local gcache ring-buffer file.
type CacheConfig struct {
	Path string `long:"path" description:"Path to the gcache ring-buffer file" default:"/var/lib/replicatord/gcache.ring"`
	Size int64  `long:"size" description:"Size in bytes of the gcache ring-buffer file" default:"1073741824"`
}

// ClusterConfig controls this replica's identity and its Raft and
// membership coordination addresses.
type ClusterConfig struct {
	LocalUUID        string        `long:"local-uuid" description:"This replica's UUID; a fresh one is generated if omitted"`
	NodeID           string        `long:"node-id" description:"Raft node ID for this replica" required:"true"`
	BindAddr         string        `long:"bind-addr" description:"Address the Raft transport listens on" required:"true"`
	AdvertiseAddr    string        `long:"advertise-addr" description:"Address other replicas dial, if different from bind-addr"`
	DataDir          string        `long:"data-dir" description:"Directory for the Raft log store and snapshots" default:"/var/lib/replicatord/raft"`
	Bootstrap        bool          `long:"bootstrap" description:"Bootstrap a brand-new single-node cluster at this replica"`
	EtcdEndpoints    []string      `long:"etcd-endpoint" description:"Etcd endpoints backing cluster membership"`
	MembershipPrefix string        `long:"membership-prefix" description:"Etcd key prefix under which membership state is published" default:"/replicatord/members/"`
	LeaseTTL         time.Duration `long:"membership-lease-ttl" description:"TTL of this replica's membership lease" default:"10s"`
	ApplierPoolSize  int           `long:"applier-pool-size" description:"Number of deliveries processed concurrently" default:"8"`
	FlowThreshold    int           `long:"flow-control-threshold" description:"In-flight delivery count that trips flow control" default:"128"`
	MaxPARange       int64         `long:"max-pa-range" description:"Certification index's maximum parallel-apply range"`
}

// LogConfig controls process-wide logging, matching the Log group of
// examples/word-count/wordcountctl/main.go.
type LogConfig struct {
	Level string `long:"level" description:"Logging level" default:"info"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	ListenAddr string `long:"listen-addr" description:"Address to serve /metrics on" default:":9100"`
}

var Config = new(struct {
	Cache   CacheConfig   `group:"Cache" namespace:"cache" env-namespace:"CACHE"`
	Cluster ClusterConfig `group:"Cluster" namespace:"cluster" env-namespace:"CLUSTER"`
	Log     LogConfig     `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Metrics MetricsConfig `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`
})

func configureLogging(cfg LogConfig) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.WithField("level", cfg.Level).Warn("unrecognized log level, defaulting to info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func localUUID(cfg ClusterConfig) (uuid.UUID, error) {
	if cfg.LocalUUID == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(cfg.LocalUUID)
}

// loggingCallbacks stands in for the database-facing apply/commit
// collaborator: it logs what it would have applied or committed rather
// than mutating a store, since that integration point is a genuinely
// external boundary.
func loggingCallbacks() replicator.Callbacks {
	return replicator.Callbacks{
		Apply: func(ctx context.Context, ws *wsrep.Writeset) error {
			log.WithFields(log.Fields{
				"gsn":    ws.Assigned,
				"source": ws.Source,
				"trx_id": ws.TrxID,
				"rows":   len(ws.Data),
			}).Debug("apply")
			return nil
		},
		Commit: func(ctx context.Context, ws *wsrep.Writeset) error {
			log.WithFields(log.Fields{
				"gsn":    ws.Assigned,
				"source": ws.Source,
				"trx_id": ws.TrxID,
			}).Debug("commit")
			return nil
		},
		Unordered: func(ctx context.Context, ws *wsrep.Writeset, payload []byte) error {
			log.WithField("gsn", ws.Assigned).Debug("unordered side-effect")
			return nil
		},
	}
}

func run(ctx context.Context) error {
	var local, err = localUUID(Config.Cluster)
	if err != nil {
		return errors.Wrap(err, "parsing --cluster.local-uuid")
	}
	log.WithField("uuid", local).Info("starting replicatord")

	var cache *gcache.Cache
	if cache, err = gcache.Open(Config.Cache.Path, Config.Cache.Size, local, true); err != nil {
		return errors.Wrap(err, "opening gcache")
	}
	defer cache.Close()

	var transport *raftgcomm.Transport
	if transport, err = raftgcomm.New(raftgcomm.Config{
		NodeID:        Config.Cluster.NodeID,
		BindAddr:      Config.Cluster.BindAddr,
		AdvertiseAddr: Config.Cluster.AdvertiseAddr,
		DataDir:       Config.Cluster.DataDir,
		Bootstrap:     Config.Cluster.Bootstrap,
	}); err != nil {
		return errors.Wrap(err, "starting raft transport")
	}
	defer transport.Close()

	var registry = stats.New(local, 1)
	var _, high = cache.SeqnoRange()
	if !high.Defined() {
		high = 0 // empty cache: a fresh replica whose first GSN is 1.
	}

	var rep = replicator.New(replicator.Config{
		LocalUUID:            local,
		ProtocolVersion:      1,
		MaxPARange:           Config.Cluster.MaxPARange,
		FlowControlThreshold: Config.Cluster.FlowThreshold,
		ApplierPoolSize:      Config.Cluster.ApplierPoolSize,
	}, high, transport, gobCodec{}, cache, loggingCallbacks(), registry)

	if len(Config.Cluster.EtcdEndpoints) > 0 {
		var client *clientv3.Client
		if client, err = clientv3.New(clientv3.Config{Endpoints: Config.Cluster.EtcdEndpoints}); err != nil {
			return errors.Wrap(err, "dialing etcd")
		}
		defer client.Close()

		var watcher = membership.NewWatcher(client, Config.Cluster.MembershipPrefix, local.String())
		go watchMembership(ctx, watcher, rep)

		if err = watcher.Publish(ctx, membership.Joining, Config.Cluster.LeaseTTL); err != nil {
			log.WithError(err).Warn("publishing initial membership state failed")
		}
	}

	prometheus.MustRegister(stats.NewCollector(func() stats.Snapshot {
		var poolUsed, _, _ = cache.PoolSizes()
		return rep.StatsSnapshot(poolUsed, nil)
	}))
	go serveMetrics(Config.Metrics.ListenAddr)

	return rep.Run(ctx)
}

func watchMembership(ctx context.Context, w *membership.Watcher, rep *replicator.Replicator) {
	var updates, err = w.Watch(ctx)
	if err != nil {
		log.WithError(err).Warn("membership watch failed")
		return
	}
	for u := range updates {
		log.WithFields(log.Fields{"replica": u.ReplicaID, "state": u.State}).Debug("membership update")
	}
}

func serveMetrics(addr string) {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics listener stopped")
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithError(err).Fatal("failed to parse arguments")
	}
	configureLogging(Config.Log)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var sig = make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("signal received, shutting down")
		cancel()
	}()

	if err := run(ctx); err != nil && errors.Cause(err) != context.Canceled {
		log.WithError(err).Fatal("replicatord exited with error")
	}
}
