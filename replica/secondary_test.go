package replica

import (
	"context"
	"time"

	gc "github.com/go-check/check"

	"github.com/kvreplica/kvreplica/persistence"
	"github.com/kvreplica/kvreplica/protocol"
)

type SecondarySuite struct{}

var _ = gc.Suite(&SecondarySuite{})

func (s *SecondarySuite) TestGetServesLocalMap(c *gc.C) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var replicatorCh = make(chan protocol.Message, 8)
	var sec = NewSecondary(ctx, "s1", persistence.NewFlaky(1), replicatorCh)
	go sec.Run()
	defer sec.Stop()

	var getCh = make(chan protocol.Message, 1)
	sec.Mailbox() <- protocol.Get{Key: "missing", ID: 1, ReplyTo: getCh}
	var result = (<-getCh).(protocol.GetResult)
	c.Check(result.Value, gc.IsNil)
}

func (s *SecondarySuite) TestSnapshotAppliesThenAcksAfterPersisted(c *gc.C) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var replicatorCh = make(chan protocol.Message, 8)
	var sec = NewSecondary(ctx, "s1", persistence.NewFlaky(2), replicatorCh)
	go sec.Run()
	defer sec.Stop()

	var value = protocol.Value("v")
	sec.Mailbox() <- protocol.Snapshot{Key: "k", Value: &value, Seq: 0}

	select {
	case msg := <-replicatorCh:
		var ack = msg.(protocol.SnapshotAck)
		c.Check(ack.Key, gc.Equals, protocol.Key("k"))
		c.Check(ack.Seq, gc.Equals, protocol.SeqNo(0))
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for SnapshotAck")
	}

	var getCh = make(chan protocol.Message, 1)
	sec.Mailbox() <- protocol.Get{Key: "k", ID: 1, ReplyTo: getCh}
	var result = (<-getCh).(protocol.GetResult)
	c.Assert(result.Value, gc.NotNil)
	c.Check(*result.Value, gc.Equals, value)
}

// Scenario 6: out-of-order snapshots.
func (s *SecondarySuite) TestOutOfOrderSnapshotsApplyInSeqOrder(c *gc.C) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var replicatorCh = make(chan protocol.Message, 8)
	var sec = NewSecondary(ctx, "s1", persistence.NewFlaky(3), replicatorCh)
	go sec.Run()
	defer sec.Stop()

	var v1 = protocol.Value("v1")
	sec.Mailbox() <- protocol.Snapshot{Key: "k", Value: &v1, Seq: 1}

	// seq 1 must not apply or ack while seq 0 is outstanding.
	select {
	case msg := <-replicatorCh:
		c.Fatalf("seq 1 should not be acked before seq 0, got %#v", msg)
	case <-time.After(150 * time.Millisecond):
	}

	var v0 = protocol.Value("v0")
	sec.Mailbox() <- protocol.Snapshot{Key: "k", Value: &v0, Seq: 0}

	var ack0 = waitForAck(c, replicatorCh, 0)
	c.Check(ack0.Seq, gc.Equals, protocol.SeqNo(0))

	// Now that seq 0 is applied and acked, the replicator's retransmission
	// of seq 1 is accepted.
	sec.Mailbox() <- protocol.Snapshot{Key: "k", Value: &v1, Seq: 1}
	var ack1 = waitForAck(c, replicatorCh, 1)
	c.Check(ack1.Seq, gc.Equals, protocol.SeqNo(1))

	var getCh = make(chan protocol.Message, 1)
	sec.Mailbox() <- protocol.Get{Key: "k", ID: 1, ReplyTo: getCh}
	var result = (<-getCh).(protocol.GetResult)
	c.Assert(result.Value, gc.NotNil)
	c.Check(*result.Value, gc.Equals, v1)
}

func (s *SecondarySuite) TestReapplyingAlreadyAppliedSnapshotReacksIdempotently(c *gc.C) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var replicatorCh = make(chan protocol.Message, 8)
	var sec = NewSecondary(ctx, "s1", persistence.NewFlaky(4), replicatorCh)
	go sec.Run()
	defer sec.Stop()

	var v = protocol.Value("v")
	sec.Mailbox() <- protocol.Snapshot{Key: "k", Value: &v, Seq: 0}
	waitForAck(c, replicatorCh, 0)

	// A duplicate/retransmitted seq 0 re-acks without re-entering the
	// persistence-wait sub-state.
	sec.Mailbox() <- protocol.Snapshot{Key: "k", Value: &v, Seq: 0}
	var ack = waitForAck(c, replicatorCh, 0)
	c.Check(ack.Seq, gc.Equals, protocol.SeqNo(0))
}

func waitForAck(c *gc.C, ch <-chan protocol.Message, seq protocol.SeqNo) protocol.SnapshotAck {
	for {
		select {
		case msg := <-ch:
			if ack, ok := msg.(protocol.SnapshotAck); ok && ack.Seq == seq {
				return ack
			}
		case <-time.After(time.Second):
			c.Fatalf("timed out waiting for SnapshotAck(seq=%d)", seq)
		}
	}
}
