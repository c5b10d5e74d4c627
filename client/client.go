// Package client gives a caller a synchronous, blocking API over a
// Primary's (or, for Get, a Secondary's) asynchronous mailbox. It never
// touches the network -- wire transport belongs to a layer this
// repository doesn't build -- but it fixes how a blocking caller ought
// to be answered: grpc status codes, the way a gazette client reports
// failures from its broker RPCs.
package client

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kvreplica/kvreplica/protocol"
)

// Client issues Insert, Remove, and Get against a single Replica's
// mailbox and blocks for the matching reply.
type Client struct {
	mailbox chan<- protocol.Message
	nextID  atomic.Int64
}

// New wraps mailbox, the target Replica's inbound channel (a Primary's
// for Insert/Remove/Get, or a Secondary's for Get only).
func New(mailbox chan<- protocol.Message) *Client {
	return &Client{mailbox: mailbox}
}

// Insert binds key to value and blocks until it is acknowledged, fails,
// or ctx is done.
func (c *Client) Insert(ctx context.Context, key protocol.Key, value protocol.Value) error {
	var replyCh = make(chan protocol.Message, 1)
	var id = protocol.OperationID(c.nextID.Add(1))
	c.mailbox <- protocol.Insert{Key: key, Value: value, ID: id, ReplyTo: replyCh}
	return c.awaitAck(ctx, replyCh)
}

// Remove unbinds key and blocks until it is acknowledged, fails, or ctx
// is done.
func (c *Client) Remove(ctx context.Context, key protocol.Key) error {
	var replyCh = make(chan protocol.Message, 1)
	var id = protocol.OperationID(c.nextID.Add(1))
	c.mailbox <- protocol.Remove{Key: key, ID: id, ReplyTo: replyCh}
	return c.awaitAck(ctx, replyCh)
}

// Get returns key's current value, or nil if unbound.
func (c *Client) Get(ctx context.Context, key protocol.Key) (*protocol.Value, error) {
	var replyCh = make(chan protocol.Message, 1)
	var id = protocol.OperationID(c.nextID.Add(1))
	c.mailbox <- protocol.Get{Key: key, ID: id, ReplyTo: replyCh}

	select {
	case msg := <-replyCh:
		var result = msg.(protocol.GetResult)
		return result.Value, nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

func (c *Client) awaitAck(ctx context.Context, replyCh <-chan protocol.Message) error {
	select {
	case msg := <-replyCh:
		switch msg.(type) {
		case protocol.OperationAck:
			return nil
		case protocol.OperationFailed:
			return status.Error(codes.DeadlineExceeded, "operation did not complete within its ack deadline")
		default:
			return status.Errorf(codes.Internal, "unexpected reply type %T", msg)
		}
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}
}
