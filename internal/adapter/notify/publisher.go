package notify

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
	"github.com/rl1809/flash-sale-settlement/internal/port"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024
)

type delivery struct {
	ctx context.Context
	msg domain.Notification
}

// Publisher hands notifications to a sink on a pool of workers. Each
// aggregate id always lands on the same worker, so deliveries for one
// product or order keep their publish order. Publish never blocks: when a
// worker queue is full the notification is dropped and counted.
type Publisher struct {
	sink   port.NotificationSink
	log    *zap.Logger
	queues []chan delivery
	wg     sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewPublisher(sink port.NotificationSink, workers, queueSize int, log *zap.Logger) *Publisher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Publisher{sink: sink, log: log, queues: make([]chan delivery, workers)}
	for i := range p.queues {
		p.queues[i] = make(chan delivery, queueSize)
	}
	return p
}

// Start launches the workers. Call Close to drain and stop them.
func (p *Publisher) Start() {
	for i, queue := range p.queues {
		p.wg.Add(1)
		go func(id int, queue <-chan delivery) {
			defer p.wg.Done()
			p.workerLoop(id, queue)
		}(i, queue)
	}
	p.log.Info("notification workers started", zap.Int("workers", len(p.queues)))
}

// Publish enqueues n. Delivery outlives the caller, so the request's
// cancellation is dropped while its values (trace context) are kept.
func (p *Publisher) Publish(ctx context.Context, n domain.Notification) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.queues[p.shard(n.AggregateID)] <- delivery{ctx: context.WithoutCancel(ctx), msg: n}:
	default:
		p.dropped.Add(1)
		p.log.Warn("notification dropped, queue full",
			zap.String("event", n.Name),
			zap.String("aggregate_id", n.AggregateID),
			zap.Uint64("sequence", n.Sequence),
		)
	}
}

// Close stops accepting notifications and waits for queued ones to be sent.
func (p *Publisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, queue := range p.queues {
			close(queue)
		}
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Dropped is the number of notifications discarded because a queue was full
// or the publisher was closed.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Failed is the number of notifications the sink rejected.
func (p *Publisher) Failed() uint64 { return p.failed.Load() }

func (p *Publisher) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Publisher) workerLoop(id int, queue <-chan delivery) {
	for d := range queue {
		if err := p.sink.Send(d.ctx, d.msg); err != nil {
			p.failed.Add(1)
			p.log.Error("notification delivery failed",
				zap.Int("worker", id),
				zap.String("event", d.msg.Name),
				zap.String("aggregate_id", d.msg.AggregateID),
				zap.Uint64("sequence", d.msg.Sequence),
				zap.Error(err),
			)
		}
	}
}
