// Command kvreplicad runs a single kvreplica Replica process: it joins
// an Arbiter, then serves whichever role (primary or secondary) it is
// assigned for as long as the process lives.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kvreplica/kvreplica/arbiter"
	"github.com/kvreplica/kvreplica/persistence"
	"github.com/kvreplica/kvreplica/protocol"
	"github.com/kvreplica/kvreplica/replica"
	"github.com/kvreplica/kvreplica/replicator"
)

type config struct {
	ReplicaID string `long:"id" env:"KVREPLICA_ID" required:"true" description:"identity this process registers under with the Arbiter"`

	EtcdEndpoints []string `long:"etcd-endpoint" env:"KVREPLICA_ETCD_ENDPOINTS" env-delim:"," description:"Etcd cluster endpoints; required in every mode"`
	EtcdPrefix    string   `long:"etcd-prefix" env:"KVREPLICA_ETCD_PREFIX" default:"/kvreplica/replicas/" description:"key prefix the Arbiter registers replicas under"`

	Persistence string `long:"persistence" choice:"rocksdb" choice:"memory" default:"rocksdb" description:"backing persistence device"`
	RocksDBDir  string `long:"rocksdb-dir" env:"KVREPLICA_ROCKSDB_DIR" default:"/var/lib/kvreplica/db" description:"directory for the embedded RocksDB instance"`

	LogLevel string `long:"log-level" env:"KVREPLICA_LOG_LEVEL" default:"info" description:"logrus level name"`
}

func main() {
	var cfg config
	if _, err := flags.Parse(&cfg); err != nil {
		os.Exit(1)
	}
	if lvl, err := log.ParseLevel(cfg.LogLevel); err != nil {
		log.WithError(err).Fatal("invalid --log-level")
	} else {
		log.SetLevel(lvl)
	}

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var factory, err = buildPersistenceFactory(cfg)
	if err != nil {
		log.WithError(err).Fatal("constructing persistence collaborator")
	}

	var arb arbiter.Arbiter
	if arb, err = buildArbiter(cfg); err != nil {
		log.WithError(err).Fatal("constructing arbiter")
	}

	var dial replica.Dialer = func(id protocol.ReplicaID) replicator.Transport {
		// A networked deployment would dial id's broker connection here;
		// this process only ever runs a single replica, so any joined
		// secondary is necessarily remote and has no local mailbox to
		// hand a LocalLink. Operators running a single-process topology
		// for demos should use the in-process wiring helpers instead of
		// this binary.
		log.WithField("secondary", id).Warn("no networked transport configured; replicated writes to this secondary will never be acknowledged")
		return noopTransport{}
	}

	var r = replica.New(arb, factory, dial, nil)
	var self, role, startErr = r.Start(ctx)
	if startErr != nil {
		log.WithError(startErr).Fatal("joining arbiter")
	}
	log.WithFields(log.Fields{"self": self, "role": role}).Info("replica started")

	var sig = make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	r.Stop()
}

func buildPersistenceFactory(cfg config) (persistence.Factory, error) {
	switch cfg.Persistence {
	case "memory":
		return persistence.NewFlaky(0), nil
	case "rocksdb":
		return func() persistence.Collaborator {
			db, err := persistence.OpenRocksDB(cfg.RocksDBDir)
			if err != nil {
				log.WithError(err).Panic("opening rocksdb")
			}
			return db
		}, nil
	default:
		return nil, errors.Errorf("unknown --persistence %q", cfg.Persistence)
	}
}

func buildArbiter(cfg config) (arbiter.Arbiter, error) {
	if len(cfg.EtcdEndpoints) == 0 {
		return nil, errors.New("--etcd-endpoint is required")
	}
	client, err := clientv3.New(clientv3.Config{Endpoints: cfg.EtcdEndpoints})
	if err != nil {
		return nil, errors.WithMessage(err, "connecting to etcd")
	}
	return arbiter.NewEtcdArbiter(client, cfg.EtcdPrefix, protocol.ReplicaID(cfg.ReplicaID)), nil
}

// noopTransport discards every Snapshot. It exists only so this binary
// can start without a configured networked transport; the secondary it
// addresses will never see a write.
type noopTransport struct{}

func (noopTransport) Send(protocol.Snapshot) {}
