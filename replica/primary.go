// Package replica implements the two roles a Replica may be assigned by
// the Arbiter: Primary (this file) and Secondary (secondary.go).
package replica

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kvreplica/kvreplica/persistence"
	"github.com/kvreplica/kvreplica/protocol"
	"github.com/kvreplica/kvreplica/replicator"
	"github.com/kvreplica/kvreplica/store"
)

// ackDeadline is the absolute time budget on a mutation: 1000ms of
// elapsed real time from receipt, never reset by reconfiguration or
// partial progress.
const ackDeadline = time.Second

// deadlineScanTick bounds how long an expired PendingAck can go
// unnoticed when no other message arrives to trigger an inline scan.
const deadlineScanTick = 100 * time.Millisecond

// supersededSeedID is used for synthetic Inserts sent to a newly joined
// secondary for keys with no outstanding PendingAck: fire-and-forget,
// with no client to ever correlate the id to.
const supersededSeedID protocol.OperationID = -1

// Dialer builds the Transport a fresh Replicator should use to reach a
// newly joined secondary. In-process topologies back it with a channel
// (replicator.LocalLink); cmd/kvreplicad returns a Transport that
// discards every Snapshot. A networked deployment would resolve id to a
// connection here instead.
type Dialer func(id protocol.ReplicaID) replicator.Transport

// Primary owns the authoritative copy of the map, fans out every
// mutation to the live secondaries, and tracks the persistence and
// replication conditions each mutation needs before it can be
// acknowledged. Exactly one goroutine (Run) ever touches its unexported
// state.
type Primary struct {
	self protocol.ReplicaID
	dial Dialer

	mailbox chan protocol.Message
	kv      *store.Map
	pending map[protocol.Key]*pendingAck

	secondaries map[protocol.ReplicaID]*replicator.Replicator

	proxy *persistence.Proxy

	ctx    context.Context
	cancel context.CancelFunc
	log    *log.Entry
}

// NewPrimary constructs a Primary identified by self, persisting through
// a Proxy built from factory, and dialing newly joined secondaries with
// dial. The caller must call Run in its own goroutine.
func NewPrimary(ctx context.Context, self protocol.ReplicaID, factory persistence.Factory, dial Dialer) *Primary {
	var pctx, cancel = context.WithCancel(ctx)
	var p = &Primary{
		self:        self,
		dial:        dial,
		mailbox:     make(chan protocol.Message, 256),
		kv:          store.New(),
		pending:     make(map[protocol.Key]*pendingAck),
		secondaries: make(map[protocol.ReplicaID]*replicator.Replicator),
		ctx:         pctx,
		cancel:      cancel,
		log:         log.WithField("primary", self),
	}
	p.proxy = persistence.NewProxy(factory)
	return p
}

// Mailbox returns the channel on which Insert, Remove, Get,
// ReplicasUpdate, and the internal Persisted/Replicated acks are
// delivered.
func (p *Primary) Mailbox() chan<- protocol.Message { return p.mailbox }

// Run drives the Primary until its context is cancelled.
func (p *Primary) Run() {
	var ticker = time.NewTicker(deadlineScanTick)
	defer ticker.Stop()
	defer p.proxy.Stop()

	for {
		select {
		case msg := <-p.mailbox:
			p.handle(msg)
			p.scanDeadlines(time.Now())
		case <-ticker.C:
			p.scanDeadlines(time.Now())
		case <-p.ctx.Done():
			for _, r := range p.secondaries {
				r.Mailbox() <- protocol.ShutdownReplicator{}
			}
			return
		}
	}
}

// Stop cancels the Primary's context; Run returns once it observes it.
func (p *Primary) Stop() { p.cancel() }

func (p *Primary) handle(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Insert:
		p.onMutate(m.Key, &m.Value, m.ID, m.ReplyTo)
	case protocol.Remove:
		p.onMutate(m.Key, nil, m.ID, m.ReplyTo)
	case protocol.Get:
		p.onGet(m)
	case protocol.Persisted:
		p.onPersisted(m)
	case protocol.Replicated:
		p.onReplicated(m)
	case protocol.ReplicasUpdate:
		p.onReplicasUpdate(m)
	default:
		p.log.WithField("message", m).Warn("unexpected message type")
	}
}

// onMutate applies an Insert (value != nil) or Remove (value == nil),
// opens a fresh PendingAck -- overwriting any still-outstanding one for
// the same key -- a mutation in flight is always superseded by a later
// one for that key, never merged with it -- fans the mutation out to
// every current replicator, and requests local persistence.
func (p *Primary) onMutate(key protocol.Key, value *protocol.Value, id protocol.OperationID, replyTo protocol.ReplyTo) {
	p.kv.Apply(key, value)

	var awaiting = make(protocol.ReplicaSet, len(p.secondaries))
	for rid := range p.secondaries {
		awaiting[rid] = struct{}{}
	}
	// A superseded PendingAck's replyTo (if any) is intentionally dropped
	// here: its client receives neither OperationAck nor OperationFailed,
	// per the resolution of the open question in DESIGN.md.
	p.pending[key] = newPendingAck(id, replyTo, awaiting, time.Now())

	p.proxy.Submit(persistence.Request{
		Key:         key,
		Value:       value,
		Correlation: int64(id),
		ReplyTo:     p.mailbox,
	})

	for _, r := range p.secondaries {
		r.Mailbox() <- protocol.Replicate{Key: key, Value: value, ID: id}
	}
}

func (p *Primary) onGet(m protocol.Get) {
	var reply protocol.GetResult
	reply.Key, reply.ID = m.Key, m.ID
	if v, ok := p.kv.Get(m.Key); ok {
		reply.Value = &v
	}
	if m.ReplyTo != nil {
		m.ReplyTo <- reply
	}
}

func (p *Primary) onPersisted(m protocol.Persisted) {
	// Matching is purely by key: a Persisted that arrives for a key with
	// no outstanding PendingAck -- because it was already acked, or
	// superseded -- is ignored. A Persisted belonging to a superseded
	// request can also be mistaken for the current one; that race is
	// accepted rather than guarded against.
	ack, ok := p.pending[m.Key]
	if !ok {
		return
	}
	ack.persisted = true
	p.tryAck(m.Key)
}

func (p *Primary) onReplicated(m protocol.Replicated) {
	ack, ok := p.pending[m.Key]
	if !ok {
		return
	}
	delete(ack.awaiting, m.From)
	p.tryAck(m.Key)
}

// tryAck sends the single terminal reply for key's PendingAck, if and
// only if persistence and replication have both completed, then removes
// the entry.
func (p *Primary) tryAck(key protocol.Key) {
	var ack, ok = p.pending[key]
	if !ok || !ack.ready() {
		return
	}
	if ack.replyTo != nil {
		ack.replyTo <- protocol.OperationAck{ID: ack.id}
	}
	delete(p.pending, key)
}

// scanDeadlines fails every PendingAck whose deadline has elapsed as of
// now. Runs after every handled message and on the periodic tick.
func (p *Primary) scanDeadlines(now time.Time) {
	for key, ack := range p.pending {
		if !ack.expired(now) {
			continue
		}
		if ack.replyTo != nil {
			ack.replyTo <- protocol.OperationFailed{ID: ack.id}
		}
		delete(p.pending, key)
	}
}

// onReplicasUpdate reconfigures the live secondary set: departed
// replicas are dropped from every PendingAck (unblocking any ack waiting
// only on them) and their Replicators shut down; joined replicas get a
// fresh Replicator seeded with the current map.
func (p *Primary) onReplicasUpdate(m protocol.ReplicasUpdate) {
	var departed []protocol.ReplicaID
	for id := range p.secondaries {
		if !m.Set.Has(id) {
			departed = append(departed, id)
		}
	}

	for _, ack := range p.pending {
		for _, id := range departed {
			delete(ack.awaiting, id)
		}
	}
	for key := range p.pending {
		p.tryAck(key)
	}

	for _, id := range departed {
		var r = p.secondaries[id]
		r.Mailbox() <- protocol.ShutdownReplicator{}
		delete(p.secondaries, id)
	}

	var joined []protocol.ReplicaID
	for id := range m.Set {
		if id == p.self {
			continue
		}
		if _, ok := p.secondaries[id]; !ok {
			joined = append(joined, id)
		}
	}

	for _, id := range joined {
		var r = replicator.New(p.ctx, id, p.dial(id), p.mailbox)
		p.secondaries[id] = r
		go r.Run()

		for key, value := range p.kv.Snapshot() {
			if ack, ok := p.pending[key]; ok {
				ack.awaiting[id] = struct{}{}
				r.Mailbox() <- protocol.Replicate{Key: key, Value: &value, ID: ack.id}
			} else {
				r.Mailbox() <- protocol.Replicate{Key: key, Value: &value, ID: supersededSeedID}
			}
		}
	}

	if len(departed) > 0 || len(joined) > 0 {
		p.log.WithFields(log.Fields{"departed": departed, "joined": joined}).Info("reconfigured replica set")
	}
}
