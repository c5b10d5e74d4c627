// Package replicator implements the per-secondary Replicator: it turns
// the primary's Replicate requests into an ordered, retried Snapshot
// stream, and reports completions back as Replicated.
package replicator

import (
	"context"
	"time"

	"github.com/elliotchance/orderedmap/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"github.com/kvreplica/kvreplica/protocol"
)

// retryTick is how often un-acked outbox entries are resent, roughly
// 100ms; retry is unbounded, bounded only by the primary's 1-second
// deadline on the corresponding PendingAck.
const retryTick = 100 * time.Millisecond

// Transport delivers a Snapshot to the Replicator's secondary. LocalLink
// is the only implementation needed in-process; a networked Transport
// could be substituted without any change to Replicator, standing in for
// the networked wire protocol this repository doesn't implement.
type Transport interface {
	Send(snap protocol.Snapshot)
}

// LocalLink is a Transport that hands Snapshot messages directly to a
// Secondary's mailbox. Used whenever the Replicator and its Secondary
// live in the same process, which is the only case this repository
// implements end-to-end.
type LocalLink struct {
	Mailbox chan<- protocol.Message
}

func (l LocalLink) Send(snap protocol.Snapshot) {
	select {
	case l.Mailbox <- snap:
	default:
		// The secondary's mailbox is full; deliver from a separate
		// goroutine once there is room (the retry tick also resends it).
		// Never block the Replicator's own run loop on a slow peer.
		go func() { l.Mailbox <- snap }()
	}
}

type outboxEntry struct {
	key   protocol.Key
	value *protocol.Value
	id    protocol.OperationID
}

// Replicator is a single-threaded actor: exactly one goroutine, running
// Run, ever touches outbox or nextSeq.
type Replicator struct {
	id        protocol.ReplicaID
	transport Transport
	primary   chan<- protocol.Message

	mailbox chan protocol.Message
	outbox  *orderedmap.OrderedMap[protocol.SeqNo, outboxEntry]
	nextSeq protocol.SeqNo

	ctx    context.Context
	cancel context.CancelFunc
	log    *log.Entry
}

// New constructs a Replicator for the secondary identified by id, whose
// Snapshots are delivered via transport and whose Replicated completions
// are reported to primaryMailbox. The caller must call Run in its own
// goroutine.
func New(ctx context.Context, id protocol.ReplicaID, transport Transport, primaryMailbox chan<- protocol.Message) *Replicator {
	var rctx, cancel = context.WithCancel(ctx)
	return &Replicator{
		id:        id,
		transport: transport,
		primary:   primaryMailbox,
		mailbox:   make(chan protocol.Message, 64),
		outbox:    orderedmap.NewOrderedMap[protocol.SeqNo, outboxEntry](),
		ctx:       rctx,
		cancel:    cancel,
		log:       log.WithField("replicator", id),
	}
}

// Mailbox returns the channel on which the primary sends Replicate, the
// secondary sends SnapshotAck, and a ShutdownReplicator may be delivered
// to terminate the Replicator.
func (r *Replicator) Mailbox() chan<- protocol.Message { return r.mailbox }

// Run drives the Replicator until it is shut down or its context is
// cancelled. It must be called in its own goroutine.
func (r *Replicator) Run() {
	var ticker = time.NewTicker(retryTick)
	defer ticker.Stop()

	for {
		select {
		case msg := <-r.mailbox:
			if !r.handle(msg) {
				return
			}
		case <-ticker.C:
			r.resendAll()
		case <-r.ctx.Done():
			return
		}
	}
}

// handle processes one mailbox message. It returns false when the
// Replicator should terminate.
func (r *Replicator) handle(msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.Replicate:
		r.onReplicate(m)
	case protocol.SnapshotAck:
		r.onSnapshotAck(m)
	case protocol.ShutdownReplicator:
		r.log.WithField("outstanding", r.outbox.Len()).Info("shutting down; dropping un-acked outbox")
		r.cancel()
		return false
	default:
		r.log.WithField("message", m).Warn("unexpected message type")
	}
	return true
}

func (r *Replicator) onReplicate(m protocol.Replicate) {
	var seq = r.nextSeq
	r.nextSeq++

	r.outbox.Set(seq, outboxEntry{key: m.Key, value: m.Value, id: m.ID})
	addTrace(r.ctx, "Replicate(%s, id=%d) => seq %d", m.Key, m.ID, seq)

	r.transport.Send(protocol.Snapshot{Key: m.Key, Value: m.Value, Seq: seq})
}

func (r *Replicator) onSnapshotAck(m protocol.SnapshotAck) {
	entry, ok := r.outbox.Get(m.Seq)
	if !ok {
		// Already acked (a duplicate/late ack), or never ours. Idempotent no-op.
		return
	}
	r.outbox.Delete(m.Seq)

	select {
	case r.primary <- protocol.Replicated{Key: entry.key, ID: entry.id, From: r.id}:
	case <-r.ctx.Done():
	}
}

// resendAll retransmits every un-acked Snapshot in seq order. Ordering
// isn't required for correctness -- the secondary enforces strict-seq
// application regardless -- but a deterministic retry order keeps
// behavior reproducible in tests.
func (r *Replicator) resendAll() {
	if r.outbox.Len() == 0 {
		return
	}
	for el := r.outbox.Front(); el != nil; el = el.Next() {
		r.transport.Send(protocol.Snapshot{Key: el.Value.key, Value: el.Value.value, Seq: el.Key})
	}
}

func addTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}
