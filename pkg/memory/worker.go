package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Worker drains queued vectors into the adapter on a fixed cadence.
// Multiple workers may run against the same queue; SKIP LOCKED claiming
// keeps them from stepping on each other.
type Worker struct {
	queue    Queue
	adapter  Adapter
	interval time.Duration
	batch    int
	log      *slog.Logger

	depth metric.Int64Gauge

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

const (
	DefaultWorkerInterval = 5 * time.Second
	DefaultWorkerBatch    = 50
)

// errInvalidVector marks rows that can never index.
var errInvalidVector = errors.New("missing or invalid vector_data")

// WorkerOption configures the worker.
type WorkerOption func(*Worker)

func WithInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.interval = d }
}

func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) { w.batch = n }
}

func NewWorker(queue Queue, adapter Adapter, opts ...WorkerOption) *Worker {
	meter := otel.Meter("substrate/memory")
	depth, _ := meter.Int64Gauge("memory_vector_queue_depth",
		metric.WithDescription("Pending vector rows per namespace"))

	w := &Worker{
		queue:    queue,
		adapter:  adapter,
		interval: DefaultWorkerInterval,
		batch:    DefaultWorkerBatch,
		log:      slog.Default().With("component", "memory.vector_worker"),
		depth:    depth,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until Stop or context cancellation.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := w.Pass(ctx); err != nil {
				w.log.Error("vector pass failed", "error", err)
			}
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop terminates Run and waits for the in-flight pass.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

// Pass is one drain iteration. Exported so tests drive it directly.
func (w *Worker) Pass(ctx context.Context) (int, error) {
	n, err := w.queue.Drain(ctx, w.batch, w.handle)
	if err != nil {
		return 0, err
	}
	depths, err := w.queue.Depths(ctx)
	if err != nil {
		w.log.Warn("queue depth read failed", "error", err)
		return n, nil
	}
	for ns, depth := range depths {
		w.depth.Record(ctx, depth, metric.WithAttributes(attribute.String("namespace", ns)))
	}
	return n, nil
}

func (w *Worker) handle(ctx context.Context, v *MemoryVector) (string, error) {
	if len(v.VectorData) == 0 || (v.Dimension > 0 && len(v.VectorData) != v.Dimension) {
		return "", errInvalidVector
	}
	externalID, err := w.adapter.Upsert(ctx, v.MemoryNodeID, v.Namespace, v.VectorData, map[string]interface{}{
		"namespace": v.Namespace,
	})
	if err != nil {
		return "", fmt.Errorf("adapter_error: %v", err)
	}
	return externalID, nil
}
