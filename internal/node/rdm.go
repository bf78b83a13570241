package node

import (
	"context"
	"strconv"

	"github.com/bbernstein/lacylights-node/internal/services/pubsub"
	"github.com/bbernstein/lacylights-node/internal/services/rdm"
	wire "github.com/bbernstein/lacylights-node/pkg/rdm"
)

// Transact sends f on port and waits for its result. The transaction is
// cancelled when ctx ends first. Completed transactions are published on the
// RDM topic.
func (n *Node) Transact(ctx context.Context, port int, f wire.Frame) (rdm.Result, error) {
	done := make(chan rdm.Result, 1)
	_, err := n.rdm.Send(port, f, func(r rdm.Result) {
		n.bus.Publish(pubsub.TopicRDM, strconv.Itoa(port), r)
		done <- r
	})
	if err != nil {
		return rdm.Result{}, err
	}
	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		n.rdm.Cancel(port)
		return rdm.Result{}, ctx.Err()
	}
}
