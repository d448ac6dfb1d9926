package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/escrow-settlement/internal/core/domain"
	"github.com/rl1809/escrow-settlement/internal/metrics"
	"github.com/rl1809/escrow-settlement/internal/port"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

const sinkTimeout = 5 * time.Second

// AsyncPublisher queues events and hands them to a sink from a fixed pool of
// workers, so a slow broker never holds an order lock.
type AsyncPublisher struct {
	mu     sync.RWMutex
	closed bool
	queue  chan domain.Event
	sink   port.EventPublisher
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewAsyncPublisher(sink port.EventPublisher, queueSize, workers int, logger *zap.Logger) *AsyncPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	p := &AsyncPublisher{
		queue:  make(chan domain.Event, queueSize),
		sink:   sink,
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.workerLoop(id)
		}(i)
	}
	return p
}

func (p *AsyncPublisher) Publish(ctx context.Context, e domain.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		metrics.RecordDroppedEvent()
		return ErrQueueClosed
	}
	select {
	case p.queue <- e:
		return nil
	default:
		metrics.RecordDroppedEvent()
		return ErrQueueFull
	}
}

func (p *AsyncPublisher) workerLoop(id int) {
	for e := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := p.sink.Publish(ctx, e); err != nil {
			p.logger.Warn("event sink failed",
				zap.Int("worker", id), zap.String("event_id", e.ID), zap.String("type", e.Type), zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events and waits until the queue is drained.
func (p *AsyncPublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
