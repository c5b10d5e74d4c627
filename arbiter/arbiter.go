// Package arbiter defines the client contract of the external membership
// authority: it assigns each Replica its role (primary or secondary)
// once, and thereafter may broadcast a new ReplicaSet to the primary at
// any time. Its internal election and quorum logic live outside this
// repository; this package only fixes the shape of the collaboration.
package arbiter

import (
	"context"

	"github.com/kvreplica/kvreplica/protocol"
)

// Arbiter is joined exactly once per process lifetime.
type Arbiter interface {
	// Join registers this process and blocks until the Arbiter has
	// assigned it a role and an initial ReplicaSet.
	Join(ctx context.Context) (protocol.JoinReply, error)
	// Updates delivers every subsequent ReplicaSet change. Only the
	// primary is expected to consume it; a secondary has no analogous
	// reconfiguration behavior.
	Updates() <-chan protocol.ReplicasUpdate
}
