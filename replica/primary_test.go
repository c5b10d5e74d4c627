package replica

import (
	"context"
	"time"

	gc "github.com/go-check/check"

	"github.com/kvreplica/kvreplica/persistence"
	"github.com/kvreplica/kvreplica/protocol"
	"github.com/kvreplica/kvreplica/replicator"
)

type PrimarySuite struct{}

var _ = gc.Suite(&PrimarySuite{})

func noopDialer(protocol.ReplicaID) replicator.Transport { return discardTransport{} }

type discardTransport struct{}

func (discardTransport) Send(protocol.Snapshot) {}

// captureTransport records every Snapshot sent to it so a test can decide
// whether and when to ack it back to the owning Replicator.
type captureTransport struct {
	sent chan protocol.Snapshot
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{sent: make(chan protocol.Snapshot, 16)}
}

func (t *captureTransport) Send(snap protocol.Snapshot) { t.sent <- snap }

// Scenario 1: single primary, no secondaries.
func (s *PrimarySuite) TestInsertAckedWithNoSecondaries(c *gc.C) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var p = NewPrimary(ctx, "primary", persistence.NewFlaky(1), noopDialer)
	go p.Run()
	defer p.Stop()

	var replyCh = make(chan protocol.Message, 1)
	p.Mailbox() <- protocol.Insert{Key: "a", Value: "1", ID: 1, ReplyTo: replyCh}

	select {
	case msg := <-replyCh:
		c.Check(msg, gc.FitsTypeOf, protocol.OperationAck{})
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for OperationAck")
	}

	var getCh = make(chan protocol.Message, 1)
	p.Mailbox() <- protocol.Get{Key: "a", ID: 2, ReplyTo: getCh}
	var result = (<-getCh).(protocol.GetResult)
	c.Assert(result.Value, gc.NotNil)
	c.Check(*result.Value, gc.Equals, protocol.Value("1"))
}

func (s *PrimarySuite) TestGetOnAbsentKeyReturnsNilValue(c *gc.C) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var p = NewPrimary(ctx, "primary", persistence.NewFlaky(1), noopDialer)
	go p.Run()
	defer p.Stop()

	var getCh = make(chan protocol.Message, 1)
	p.Mailbox() <- protocol.Get{Key: "missing", ID: 1, ReplyTo: getCh}
	var result = (<-getCh).(protocol.GetResult)
	c.Check(result.Value, gc.IsNil)
}

// Scenario 3: persistence perpetually failing on primary.
func (s *PrimarySuite) TestFailingPersistenceTimesOutButKeepsLocalState(c *gc.C) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var p = NewPrimary(ctx, "primary", persistence.NewFlaky(2, persistence.WithDropProbability(1)), noopDialer)
	go p.Run()
	defer p.Stop()

	var replyCh = make(chan protocol.Message, 1)
	p.Mailbox() <- protocol.Insert{Key: "x", Value: "y", ID: 20, ReplyTo: replyCh}

	select {
	case msg := <-replyCh:
		c.Check(msg, gc.FitsTypeOf, protocol.OperationFailed{})
	case <-time.After(2 * time.Second):
		c.Fatal("timed out waiting for OperationFailed")
	}

	var getCh = make(chan protocol.Message, 1)
	p.Mailbox() <- protocol.Get{Key: "x", ID: 21, ReplyTo: getCh}
	var result = (<-getCh).(protocol.GetResult)
	c.Assert(result.Value, gc.NotNil)
	c.Check(*result.Value, gc.Equals, protocol.Value("y"))
}

func (s *PrimarySuite) TestSupersededMutationGetsNoReply(c *gc.C) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	// Persistence never replies, so neither mutation would otherwise ack
	// on its own; only the deadline scan resolves them.
	var p = NewPrimary(ctx, "primary", persistence.NewFlaky(3, persistence.WithDropProbability(1)), noopDialer)
	go p.Run()
	defer p.Stop()

	var firstReply = make(chan protocol.Message, 1)
	var secondReply = make(chan protocol.Message, 1)
	p.Mailbox() <- protocol.Insert{Key: "k", Value: "1", ID: 1, ReplyTo: firstReply}
	p.Mailbox() <- protocol.Insert{Key: "k", Value: "2", ID: 2, ReplyTo: secondReply}

	select {
	case msg := <-firstReply:
		c.Fatalf("superseded mutation should get no reply, got %#v", msg)
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-secondReply:
		c.Check(msg, gc.FitsTypeOf, protocol.OperationFailed{})
	case <-time.After(2 * time.Second):
		c.Fatal("timed out waiting for second mutation's OperationFailed")
	}
}

// Scenario 4: replica departs mid-flight.
func (s *PrimarySuite) TestReplicaDepartsMidFlightUnblocksAck(c *gc.C) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var t1, t2 = newCaptureTransport(), newCaptureTransport()
	var dial = func(id protocol.ReplicaID) replicator.Transport {
		switch id {
		case "s1":
			return t1
		case "s2":
			return t2
		default:
			return discardTransport{}
		}
	}

	var p = NewPrimary(ctx, "primary", persistence.NewFlaky(4), dial)
	go p.Run()
	defer p.Stop()

	p.Mailbox() <- protocol.ReplicasUpdate{Set: protocol.ReplicaSet{"primary": {}, "s1": {}, "s2": {}}}

	var replyCh = make(chan protocol.Message, 1)
	p.Mailbox() <- protocol.Insert{Key: "k", Value: "v", ID: 30, ReplyTo: replyCh}

	// Ack s1 so only s2 remains outstanding. Receiving from t1.sent
	// establishes a happens-before edge guaranteeing p.secondaries["s1"]
	// is already populated.
	var snap1 = <-t1.sent
	p.secondaries["s1"].Mailbox() <- protocol.SnapshotAck{Key: snap1.Key, Seq: snap1.Seq}

	<-t2.sent // drain s2's snapshot; it is never acked
	p.Mailbox() <- protocol.ReplicasUpdate{Set: protocol.ReplicaSet{"primary": {}, "s1": {}}}

	select {
	case msg := <-replyCh:
		c.Check(msg, gc.FitsTypeOf, protocol.OperationAck{})
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for OperationAck after s2 departed")
	}
}
