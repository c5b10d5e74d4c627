// Package persistence models the persistence collaborator: an external,
// unreliable device that accepts a persist request and may
// either acknowledge it (eventually, via a Persisted message) or drop it
// silently. Replica and Secondary never talk to a Collaborator directly;
// they always go through a Proxy, which restarts a crashed child under
// the same address.
package persistence

import "github.com/kvreplica/kvreplica/protocol"

// Request asks a Collaborator to durably record (or delete, if Value is
// nil) Key. Correlation is opaque to the Collaborator: the primary uses
// an OperationID, a secondary uses a SeqNo. ReplyTo is the mailbox of
// whichever actor is waiting on the matching Persisted.
type Request struct {
	Key         protocol.Key
	Value       *protocol.Value
	Correlation int64
	ReplyTo     chan<- protocol.Message
}

// Collaborator is the external, unreliable persistence device. Submit is
// fire-and-forget: a Collaborator is free to never deliver Persisted for
// a given Request, and callers (Replica, Secondary) are expected to
// retry on a timer rather than wait synchronously.
//
// Done reports when the Collaborator has crashed or otherwise stopped
// accepting work; a Proxy watches it to know when to restart.
type Collaborator interface {
	Submit(req Request)
	Done() <-chan struct{}
}

// Factory constructs a fresh Collaborator instance. Used by Proxy to
// restart a crashed child under the same identity.
type Factory func() Collaborator
