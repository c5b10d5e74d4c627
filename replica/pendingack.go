package replica

import (
	"time"

	"github.com/kvreplica/kvreplica/protocol"
)

// pendingAck is the primary's record of an in-flight mutation, tracking
// both acknowledgment conditions (local persistence, every live
// secondary's replication) and the absolute deadline by which both must
// complete.
type pendingAck struct {
	id      protocol.OperationID
	replyTo protocol.ReplyTo // nil when no client reply is expected (reconfiguration seeding)

	persisted bool
	// awaiting is the set of replicator identities a Replicated is still
	// outstanding from.
	awaiting map[protocol.ReplicaID]struct{}

	deadline time.Time // absolute; never reset once set
}

func newPendingAck(id protocol.OperationID, replyTo protocol.ReplyTo, awaiting protocol.ReplicaSet, now time.Time) *pendingAck {
	var set = make(map[protocol.ReplicaID]struct{}, len(awaiting))
	for id := range awaiting {
		set[id] = struct{}{}
	}
	return &pendingAck{
		id:       id,
		replyTo:  replyTo,
		awaiting: set,
		deadline: now.Add(ackDeadline),
	}
}

// ready reports whether both persistence and replication have completed.
func (p *pendingAck) ready() bool {
	return p.persisted && len(p.awaiting) == 0
}

// expired reports whether the deadline has elapsed as of now.
func (p *pendingAck) expired(now time.Time) bool {
	return now.After(p.deadline)
}
