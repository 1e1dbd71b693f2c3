package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/turn"
)

const (
	// defaultQueueSize bounds the pending-record queue.
	defaultQueueSize = 256

	// insertTimeout bounds one insert attempt.
	insertTimeout = 5 * time.Second
)

// Inserter is the durable backend behind a Writer.
type Inserter interface {
	Insert(ctx context.Context, rec turn.Record) error
}

// Writer decouples the voice pipeline from store latency: Record enqueues
// without ever blocking, a background goroutine drains the queue, and a
// failed insert gets one retry before the record is dropped with a counter
// increment.
type Writer struct {
	inserter Inserter
	queue    chan turn.Record
	log      *slog.Logger
	metrics  *observe.Metrics

	dropped atomic.Uint64

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Ensure Writer satisfies the controller's recorder contract.
var _ turn.Recorder = (*Writer)(nil)

// WriterOption configures a Writer during construction.
type WriterOption func(*Writer)

// WithQueueSize overrides the pending-record queue capacity.
func WithQueueSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.queue = make(chan turn.Record, n)
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) { w.log = l }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) WriterOption {
	return func(w *Writer) { w.metrics = m }
}

// NewWriter starts the drain goroutine and returns the writer.
func NewWriter(inserter Inserter, opts ...WriterOption) *Writer {
	w := &Writer{
		inserter: inserter,
		queue:    make(chan turn.Record, defaultQueueSize),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Record enqueues rec for persistence. Never blocks: when the queue is full
// the record is dropped and counted.
func (w *Writer) Record(rec turn.Record) {
	select {
	case w.queue <- rec:
	default:
		w.drop(rec, "queue full")
	}
}

// Dropped returns the number of records lost since creation.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Close drains the remaining queue and stops the writer. Record must not be
// called after Close.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.queue) })
	w.wg.Wait()
}

func (w *Writer) run() {
	defer w.wg.Done()
	for rec := range w.queue {
		if err := w.insert(rec); err != nil {
			// Single retry, then the record is gone.
			if err = w.insert(rec); err != nil {
				w.drop(rec, err.Error())
			}
		}
	}
}

func (w *Writer) insert(rec turn.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	return w.inserter.Insert(ctx, rec)
}

func (w *Writer) drop(rec turn.Record, reason string) {
	w.dropped.Add(1)
	w.metrics.DroppedRecords.Add(context.Background(), 1)
	w.log.Warn("turn record dropped", "turn_id", rec.ID, "reason", reason)
}
