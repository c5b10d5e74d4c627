// Package arbitertest provides an in-process Arbiter double for tests,
// mirroring the teacher pack's brokertest/etcdtest test-support packages:
// no network, no election, just the shapes a test needs to drive.
package arbitertest

import (
	"context"

	"github.com/kvreplica/kvreplica/arbiter"
	"github.com/kvreplica/kvreplica/protocol"
)

var _ arbiter.Arbiter = (*Fake)(nil)

// Fake hands back a fixed role and ReplicaSet on Join, and lets the test
// push further ReplicasUpdate values at will.
type Fake struct {
	self protocol.ReplicaID
	role protocol.Role
	set  protocol.ReplicaSet

	updates chan protocol.ReplicasUpdate
}

func NewFake(self protocol.ReplicaID, role protocol.Role, set protocol.ReplicaSet) *Fake {
	return &Fake{
		self:    self,
		role:    role,
		set:     set.Clone(),
		updates: make(chan protocol.ReplicasUpdate, 8),
	}
}

func (f *Fake) Join(ctx context.Context) (protocol.JoinReply, error) {
	return protocol.JoinReply{Role: f.role, Self: f.self, Set: f.set.Clone()}, nil
}

func (f *Fake) Updates() <-chan protocol.ReplicasUpdate { return f.updates }

// PushReplicas delivers a new ReplicaSet, as the real Arbiter would after
// observing a membership change.
func (f *Fake) PushReplicas(set protocol.ReplicaSet) {
	f.updates <- protocol.ReplicasUpdate{Set: set.Clone()}
}
