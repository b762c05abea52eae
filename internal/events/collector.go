package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/texnomagic/texnomagic/pkg/kafka"
)

const (
	defaultBufferSize    = 10000
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

// Collector buffers events in memory and publishes them in batches, when a
// batch fills up or the flush interval passes. Track never blocks; events
// are dropped when the buffer is full.
type Collector struct {
	producer      kafka.Publisher
	eventCh       chan any
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}
}

// NewCollector creates a collector over producer. Non-positive sizes take
// defaults.
func NewCollector(producer kafka.Publisher, bufferSize, batchSize int, flushInterval time.Duration) *Collector {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Collector{
		producer:      producer,
		eventCh:       make(chan any, bufferSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        slog.Default().With("component", "event-collector"),
		done:          make(chan struct{}),
	}
}

// Start runs the publish loop until ctx is done or Close is called. Events
// still buffered at that point are flushed once more.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()

		batch := make([]kafka.Event, 0, c.batchSize)
		for {
			select {
			case event, ok := <-c.eventCh:
				if !ok {
					c.flush(context.Background(), batch)
					return
				}
				batch = append(batch, toKafka(event))
				if len(batch) >= c.batchSize {
					batch = c.flush(ctx, batch)
				}
			case <-ticker.C:
				batch = c.flush(ctx, batch)
			case <-ctx.Done():
				c.drainRemaining(batch)
				return
			}
		}
	}()
	c.logger.Info("event collector started",
		"buffer_size", cap(c.eventCh),
		"batch_size", c.batchSize,
		"flush_interval", c.flushInterval,
	)
}

// Track queues an event for publishing.
func (c *Collector) Track(event any) {
	select {
	case c.eventCh <- event:
	default:
		c.logger.Warn("event dropped (buffer full)")
	}
}

// Close stops accepting events and waits for the final flush. Start must
// have been called.
func (c *Collector) Close() {
	close(c.eventCh)
	<-c.done
}

func (c *Collector) flush(ctx context.Context, batch []kafka.Event) []kafka.Event {
	if len(batch) == 0 {
		return batch
	}
	if err := c.producer.PublishBatch(ctx, batch); err != nil {
		c.logger.Error("failed to publish events", "count", len(batch), "error", err)
	}
	return batch[:0]
}

func (c *Collector) drainRemaining(batch []kafka.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				c.flush(ctx, batch)
				return
			}
			batch = append(batch, toKafka(event))
			if len(batch) >= c.batchSize {
				batch = c.flush(ctx, batch)
			}
		default:
			c.flush(ctx, batch)
			return
		}
	}
}

func toKafka(event any) kafka.Event {
	key := "texnomagic"
	if k, ok := event.(keyed); ok && k.partitionKey() != "" {
		key = k.partitionKey()
	}
	return kafka.Event{Key: key, Value: event}
}
