package predictor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/foresight/protocol"
)

// DefaultQueueSize is the capacity of the worker inbox and outbox.
const DefaultQueueSize = 256

// Port is the main-side view of an isolated predictor: a FIFO inbox for
// protocol messages and a channel of predictions.
type Port interface {
	Post(msg protocol.Message) bool
	Predictions() <-chan protocol.PredictionRequest
	Stop()
}

// Worker runs a Predictor on a dedicated goroutine. The predictor state is
// only ever touched by that goroutine.
type Worker struct {
	p      *Predictor
	inbox  chan protocol.Message
	out    chan protocol.PredictionRequest
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	dropped atomic.Uint64 // inbound messages refused because the inbox was full
	lost    atomic.Uint64 // predictions discarded because nobody drained them
}

// Spawn validates cfg and starts a worker. The worker stops when ctx is
// cancelled or Stop is called; its Predictions channel is then closed.
func Spawn(ctx context.Context, cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &Worker{
		p:      New(cfg),
		inbox:  make(chan protocol.Message, DefaultQueueSize),
		out:    make(chan protocol.PredictionRequest, DefaultQueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.out)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.inbox:
			for _, pr := range w.p.Handle(msg) {
				select {
				case w.out <- pr:
				default:
					w.lost.Add(1)
				}
			}
		}
	}
}

// Post enqueues msg without blocking. It returns false when the inbox is
// full or the worker has stopped.
func (w *Worker) Post(msg protocol.Message) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.inbox <- msg:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Predictions delivers predictions in emission order.
func (w *Worker) Predictions() <-chan protocol.PredictionRequest { return w.out }

// Stop terminates the goroutine and waits for it. Idempotent.
func (w *Worker) Stop() {
	w.once.Do(w.cancel)
	<-w.done
}

// Dropped is the number of inbound messages refused by Post.
func (w *Worker) Dropped() uint64 { return w.dropped.Load() }

// Lost is the number of predictions discarded on a full outbox.
func (w *Worker) Lost() uint64 { return w.lost.Load() }
