package persistence

import (
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kvreplica/kvreplica/protocol"
)

// Flaky is a zero-dependency Collaborator standing in for the real
// persistence device in tests and in the --persistence=memory CLI mode.
// It stores nothing of its own; it only decides, per request, whether to
// reply, drop, or crash, exercising the fault paths the primary and
// secondary retry logic are built to survive.
type Flaky struct {
	reqCh  chan Request
	doneCh chan struct{}

	dropProbability float64
	crashAfter      int // 0 disables crash injection
	delay           time.Duration
	rng             *rand.Rand
	seen            int
	log             *log.Entry
}

// FlakyOption configures a Flaky collaborator.
type FlakyOption func(*Flaky)

// WithDropProbability causes Submit to silently drop a fraction of
// requests in [0,1].
func WithDropProbability(p float64) FlakyOption {
	return func(f *Flaky) { f.dropProbability = p }
}

// WithCrashAfter causes the collaborator to stop accepting work (its
// Done channel closes) after n requests have been seen, simulating the
// crash that the Proxy is meant to recover from.
func WithCrashAfter(n int) FlakyOption {
	return func(f *Flaky) { f.crashAfter = n }
}

// WithReplyDelay adds a fixed delay before a non-dropped request is
// acknowledged.
func WithReplyDelay(d time.Duration) FlakyOption {
	return func(f *Flaky) { f.delay = d }
}

// NewFlaky returns a Factory producing independent Flaky collaborators,
// suitable for passing to persistence.NewProxy.
func NewFlaky(seed int64, opts ...FlakyOption) Factory {
	return func() Collaborator {
		var f = &Flaky{
			reqCh:  make(chan Request, 64),
			doneCh: make(chan struct{}),
			rng:    rand.New(rand.NewSource(seed)),
			log:    log.WithField("component", "persistence.Flaky"),
		}
		for _, opt := range opts {
			opt(f)
		}
		go f.run()
		return f
	}
}

func (f *Flaky) Submit(req Request) {
	select {
	case f.reqCh <- req:
	case <-f.doneCh:
	}
}

func (f *Flaky) Done() <-chan struct{} { return f.doneCh }

func (f *Flaky) run() {
	for {
		select {
		case req := <-f.reqCh:
			f.seen++
			if f.crashAfter > 0 && f.seen >= f.crashAfter {
				f.log.WithField("key", req.Key).Warn("simulated crash")
				close(f.doneCh)
				return
			}
			if f.dropProbability > 0 && f.rng.Float64() < f.dropProbability {
				f.log.WithField("key", req.Key).Debug("simulated silent drop")
				continue
			}
			if f.delay > 0 {
				time.Sleep(f.delay)
			}
			if req.ReplyTo == nil {
				continue
			}
			select {
			case req.ReplyTo <- protocol.Persisted{Key: req.Key, Correlation: req.Correlation}:
			case <-time.After(time.Second):
			}
		case <-f.doneCh:
			return
		}
	}
}
