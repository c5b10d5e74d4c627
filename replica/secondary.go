package replica

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kvreplica/kvreplica/persistence"
	"github.com/kvreplica/kvreplica/protocol"
	"github.com/kvreplica/kvreplica/store"
)

// persistRetryTick bounds how long a secondary waits for a Persisted
// before re-issuing the request. Retries are unbounded -- a snapshot is
// a sequence point, not a deadline point.
const persistRetryTick = 100 * time.Millisecond

// pendingSnapshot is the Secondary's persistence-wait sub-state, bound to
// exactly one (seq, key, value) triple at a time.
type pendingSnapshot struct {
	seq   protocol.SeqNo
	key   protocol.Key
	value *protocol.Value
}

// Secondary applies Snapshot messages from its Replicator in strict seq
// order, persisting each before acking it back. Exactly one goroutine
// (Run) ever touches its unexported state.
type Secondary struct {
	self       protocol.ReplicaID
	replicator chan<- protocol.Message // where SnapshotAck is sent

	mailbox     chan protocol.Message
	kv          *store.Map
	expectedSeq protocol.SeqNo
	waiting     *pendingSnapshot

	proxy *persistence.Proxy

	ctx    context.Context
	cancel context.CancelFunc
	log    *log.Entry
}

// NewSecondary constructs a Secondary identified by self, persisting
// through a Proxy built from factory, and acking its Replicator (reached
// via replicatorMailbox) as snapshots are applied. The caller must call
// Run in its own goroutine.
func NewSecondary(ctx context.Context, self protocol.ReplicaID, factory persistence.Factory, replicatorMailbox chan<- protocol.Message) *Secondary {
	var sctx, cancel = context.WithCancel(ctx)
	var s = &Secondary{
		self:       self,
		replicator: replicatorMailbox,
		mailbox:    make(chan protocol.Message, 256),
		kv:         store.New(),
		ctx:        sctx,
		cancel:     cancel,
		log:        log.WithField("secondary", self),
	}
	s.proxy = persistence.NewProxy(factory)
	return s
}

// Mailbox returns the channel on which Get and Snapshot are delivered.
func (s *Secondary) Mailbox() chan<- protocol.Message { return s.mailbox }

// Run drives the Secondary until its context is cancelled.
func (s *Secondary) Run() {
	var ticker = time.NewTicker(persistRetryTick)
	defer ticker.Stop()
	defer s.proxy.Stop()

	for {
		select {
		case msg := <-s.mailbox:
			s.handle(msg)
		case <-ticker.C:
			s.retryPersist()
		case <-s.ctx.Done():
			return
		}
	}
}

// Stop cancels the Secondary's context; Run returns once it observes it.
func (s *Secondary) Stop() { s.cancel() }

func (s *Secondary) handle(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Get:
		s.onGet(m)
	case protocol.Snapshot:
		s.onSnapshot(m)
	case protocol.Persisted:
		s.onPersisted(m)
	default:
		s.log.WithField("message", m).Warn("unexpected message type")
	}
}

func (s *Secondary) onGet(m protocol.Get) {
	// Served from the (possibly already-updated) local map regardless of
	// persistence-wait state.
	var reply protocol.GetResult
	reply.Key, reply.ID = m.Key, m.ID
	if v, ok := s.kv.Get(m.Key); ok {
		reply.Value = &v
	}
	if m.ReplyTo != nil {
		m.ReplyTo <- reply
	}
}

func (s *Secondary) onSnapshot(m protocol.Snapshot) {
	switch {
	case m.Seq < s.expectedSeq:
		// Already applied; the replicator's retransmission raced with (or
		// followed the loss of) our earlier ack. Idempotent re-ack.
		s.replicator <- protocol.SnapshotAck{Key: m.Key, Seq: m.Seq}

	case m.Seq > s.expectedSeq:
		// Out of order. Never accepted: the replicator will keep
		// retransmitting the missing lower seq.

	case s.waiting != nil:
		// Already mid-application of this exact seq; a concurrent
		// retransmission. Ignore -- our own retry loop, not this message,
		// will drive it to completion.

	default:
		s.kv.Apply(m.Key, m.Value)
		s.waiting = &pendingSnapshot{seq: m.Seq, key: m.Key, value: m.Value}
		s.submitPersist()
	}
}

func (s *Secondary) onPersisted(m protocol.Persisted) {
	if s.waiting == nil || protocol.SeqNo(m.Correlation) != s.waiting.seq {
		return
	}
	s.replicator <- protocol.SnapshotAck{Key: s.waiting.key, Seq: s.waiting.seq}
	s.expectedSeq = s.waiting.seq + 1
	s.waiting = nil
}

func (s *Secondary) retryPersist() {
	if s.waiting != nil {
		s.submitPersist()
	}
}

func (s *Secondary) submitPersist() {
	s.proxy.Submit(persistence.Request{
		Key:         s.waiting.key,
		Value:       s.waiting.value,
		Correlation: int64(s.waiting.seq),
		ReplyTo:     s.mailbox,
	})
}
