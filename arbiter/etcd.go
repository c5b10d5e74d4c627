package arbiter

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kvreplica/kvreplica/protocol"
)

// leaseTTLSeconds is the lease a registration is held under; losing the
// keepalive for this long drops the replica from the set the same as a
// clean departure.
const leaseTTLSeconds = 10

// EtcdArbiter is the production Arbiter: it registers this replica under
// prefix+self with a lease, and derives both the initial role and every
// subsequent ReplicaSet from a watch over prefix. Role assignment is
// deliberately the simplest rule that satisfies the single-primary
// invariant -- lowest Etcd creation revision under the prefix is primary --
// and makes no attempt to reproduce a production election algorithm's
// tie-breaking or fencing behavior.
type EtcdArbiter struct {
	client *clientv3.Client
	prefix string
	self   protocol.ReplicaID

	updates chan protocol.ReplicasUpdate
	log     *log.Entry
}

func NewEtcdArbiter(client *clientv3.Client, prefix string, self protocol.ReplicaID) *EtcdArbiter {
	return &EtcdArbiter{
		client:  client,
		prefix:  prefix,
		self:    self,
		updates: make(chan protocol.ReplicasUpdate, 1),
		log:     log.WithField("component", "arbiter.Etcd"),
	}
}

func (a *EtcdArbiter) Join(ctx context.Context) (protocol.JoinReply, error) {
	lease, err := a.client.Grant(ctx, leaseTTLSeconds)
	if err != nil {
		return protocol.JoinReply{}, errors.WithMessage(err, "granting lease")
	}
	if _, err = a.client.Put(ctx, a.key(a.self), "", clientv3.WithLease(lease.ID)); err != nil {
		return protocol.JoinReply{}, errors.WithMessage(err, "registering replica")
	}

	keepAlive, err := a.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return protocol.JoinReply{}, errors.WithMessage(err, "starting lease keepalive")
	}
	go a.drainKeepAlive(keepAlive)
	go a.watch(ctx)

	role, set, err := a.resolve(ctx)
	if err != nil {
		return protocol.JoinReply{}, err
	}
	return protocol.JoinReply{Role: role, Self: a.self, Set: set}, nil
}

func (a *EtcdArbiter) Updates() <-chan protocol.ReplicasUpdate { return a.updates }

func (a *EtcdArbiter) key(id protocol.ReplicaID) string { return a.prefix + string(id) }

// resolve lists every live registration under prefix and derives both the
// caller's role and the full ReplicaSet from it.
func (a *EtcdArbiter) resolve(ctx context.Context) (protocol.Role, protocol.ReplicaSet, error) {
	resp, err := a.client.Get(ctx, a.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, nil, errors.WithMessage(err, "listing replica registrations")
	}

	var set = make(protocol.ReplicaSet, len(resp.Kvs))
	var primary protocol.ReplicaID
	var primaryRev int64 = -1
	for _, kv := range resp.Kvs {
		var id = protocol.ReplicaID(strings.TrimPrefix(string(kv.Key), a.prefix))
		set[id] = struct{}{}
		if primaryRev == -1 || kv.CreateRevision < primaryRev {
			primaryRev, primary = kv.CreateRevision, id
		}
	}

	var role = protocol.RoleSecondary
	if primary == a.self {
		role = protocol.RolePrimary
	}
	return role, set, nil
}

func (a *EtcdArbiter) watch(ctx context.Context) {
	var wc = a.client.Watch(ctx, a.prefix, clientv3.WithPrefix())
	for range wc {
		role, set, err := a.resolve(ctx)
		if err != nil {
			a.log.WithError(err).Warn("failed to re-resolve replica set after watch event")
			continue
		}
		if role != protocol.RolePrimary {
			continue // only the primary consumes Updates()
		}
		select {
		case a.updates <- protocol.ReplicasUpdate{Set: set}:
		case <-ctx.Done():
			return
		}
	}
}

func (a *EtcdArbiter) drainKeepAlive(ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
}
