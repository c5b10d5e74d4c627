package replica

import (
	"context"

	"github.com/kvreplica/kvreplica/arbiter"
	"github.com/kvreplica/kvreplica/persistence"
	"github.com/kvreplica/kvreplica/protocol"
)

// Replica performs the one-time bootstrap: join the Arbiter, then become
// whichever role it assigns. Everything past that point is handled by
// Primary or Secondary; Replica itself holds no mutable state of its own
// beyond the role it resolved into.
type Replica struct {
	arb     arbiter.Arbiter
	factory persistence.Factory
	dial    Dialer

	// upstream is where a Secondary sends SnapshotAck. A networked
	// deployment would resolve this to a connection back to the
	// secondary's own Replicator on the primary's process; in-process
	// topologies (tests, single-binary demos) wire it directly.
	upstream chan<- protocol.Message

	Primary   *Primary
	Secondary *Secondary
}

// New constructs a Replica that will join arb, persist through factory,
// and -- if assigned the primary role -- dial newly joined secondaries
// with dial. upstream is only consulted if assigned the secondary role;
// it may be nil for a standalone primary-only deployment.
func New(arb arbiter.Arbiter, factory persistence.Factory, dial Dialer, upstream chan<- protocol.Message) *Replica {
	return &Replica{arb: arb, factory: factory, dial: dial, upstream: upstream}
}

// Start joins the Arbiter and launches the assigned role's run loop in a
// new goroutine, returning once it has done so.
func (r *Replica) Start(ctx context.Context) (protocol.ReplicaID, protocol.Role, error) {
	var reply, err = r.arb.Join(ctx)
	if err != nil {
		return "", 0, err
	}

	switch reply.Role {
	case protocol.RolePrimary:
		r.Primary = NewPrimary(ctx, reply.Self, r.factory, r.dial)
		go r.Primary.Run()
		go r.pumpReplicaUpdates(ctx)

	case protocol.RoleSecondary:
		r.Secondary = NewSecondary(ctx, reply.Self, r.factory, r.upstream)
		go r.Secondary.Run()
	}
	return reply.Self, reply.Role, nil
}

// Stop tears down whichever role was started.
func (r *Replica) Stop() {
	if r.Primary != nil {
		r.Primary.Stop()
	}
	if r.Secondary != nil {
		r.Secondary.Stop()
	}
}

func (r *Replica) pumpReplicaUpdates(ctx context.Context) {
	for {
		select {
		case set, ok := <-r.arb.Updates():
			if !ok {
				return
			}
			r.Primary.Mailbox() <- set
		case <-ctx.Done():
			return
		}
	}
}
