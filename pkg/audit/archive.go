package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ObjectStore is the slice of object storage archival needs. The archive
// bucket is expected to carry object-lock in compliance mode; that
// configuration lives outside this process.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Archiver batches committed events into gzip-compressed JSONL objects
// named YYYY/MM/DD/batch-XXXX.jsonl.gz. It is a best-effort post-commit
// sink; failures are logged and the batch is retried with the next flush.
type Archiver struct {
	store     ObjectStore
	batchSize int
	interval  time.Duration
	now       func() time.Time
	log       *slog.Logger

	mu      sync.Mutex
	pending []Event
	seq     map[string]int

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// ArchiverConfig sizes the batches.
type ArchiverConfig struct {
	BatchSize     int           // default 500
	FlushInterval time.Duration // default 60s
}

func NewArchiver(store ObjectStore, cfg ArchiverConfig) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	return &Archiver{
		store:     store,
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		now:       func() time.Time { return time.Now().UTC() },
		log:       slog.Default().With("component", "audit.archiver"),
		seq:       make(map[string]int),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Publish implements Sink.
func (a *Archiver) Publish(ctx context.Context, ev *Event) {
	a.mu.Lock()
	a.pending = append(a.pending, *ev)
	full := len(a.pending) >= a.batchSize
	a.mu.Unlock()
	if full {
		a.Flush(ctx)
	}
}

// Run flushes on a fixed cadence until Stop is called.
func (a *Archiver) Run(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Flush(ctx)
		case <-a.stop:
			a.Flush(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop terminates Run after a final flush.
func (a *Archiver) Stop() {
	a.once.Do(func() { close(a.stop) })
	<-a.done
}

// Flush writes the pending batch, if any. On store failure the batch is
// requeued; the chain in the database remains the source of truth.
func (a *Archiver) Flush(ctx context.Context) {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.pending
	a.pending = nil
	day := a.now().Format("2006/01/02")
	a.seq[day]++
	key := fmt.Sprintf("%s/batch-%04d.jsonl.gz", day, a.seq[day])
	a.mu.Unlock()

	data, err := encodeBatch(batch)
	if err != nil {
		a.log.Error("encode archive batch failed", "error", err)
		return
	}
	if err := a.store.Put(ctx, key, data, "application/gzip"); err != nil {
		a.log.Error("archive put failed, requeueing batch", "key", key, "error", err)
		a.mu.Lock()
		a.pending = append(batch, a.pending...)
		a.seq[day]--
		a.mu.Unlock()
		return
	}
	a.log.Info("archived audit batch", "key", key, "events", len(batch))
}

// encodeBatch renders events as canonical JSON lines, gzip-compressed.
func encodeBatch(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for i := range events {
		line, err := events[i].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", events[i].EventID, err)
		}
		if _, err := zw.Write(append(line, '\n')); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBatch parses a gzip JSONL archive object back into events.
func DecodeBatch(data []byte) ([]Event, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("audit: open archive batch: %w", err)
	}
	defer func() { _ = zr.Close() }()

	var out []Event
	var raw bytes.Buffer
	if _, err := raw.ReadFrom(zr); err != nil {
		return nil, fmt.Errorf("audit: read archive batch: %w", err)
	}
	for _, line := range bytes.Split(raw.Bytes(), []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev Event
		if err := ev.UnmarshalJSON(line); err != nil {
			return nil, fmt.Errorf("audit: parse archive line: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}
