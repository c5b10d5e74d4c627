package persistence

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Proxy supervises a single Collaborator child, restarting it under the
// same address whenever it crashes. Callers address the Proxy and never
// the child directly, so a child's unreliability never leaks into the
// shape of the caller's retry logic -- only into whether a given Submit
// is ever answered.
type Proxy struct {
	factory Factory
	log     *log.Entry

	mu    sync.Mutex
	child Collaborator

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewProxy starts supervising a Collaborator built by factory.
func NewProxy(factory Factory) *Proxy {
	var p = &Proxy{
		factory: factory,
		child:   factory(),
		log:     log.WithField("component", "persistence.Proxy"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go p.supervise()
	return p
}

// Submit forwards req to the current child, unchanged.
func (p *Proxy) Submit(req Request) {
	p.mu.Lock()
	var child = p.child
	p.mu.Unlock()

	child.Submit(req)
}

// Done reports when the Proxy itself has been stopped. A Proxy never
// reports its own crash to callers -- that's the entire point -- so this
// only closes on an explicit Stop.
func (p *Proxy) Done() <-chan struct{} { return p.doneCh }

// Stop halts supervision and leaves the current child running. Call this
// only when tearing down the owning Replica.
func (p *Proxy) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
}

func (p *Proxy) supervise() {
	defer close(p.doneCh)

	for {
		p.mu.Lock()
		var childDone = p.child.Done()
		p.mu.Unlock()

		select {
		case <-childDone:
			p.mu.Lock()
			p.log.Warn("persistence child stopped unexpectedly; restarting")
			p.child = p.factory()
			p.mu.Unlock()
		case <-p.stopCh:
			return
		}
	}
}
