package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage"
)

type writeOp struct {
	key       string
	doc       []byte
	expiresAt time.Time
	del       bool
	barrier   chan struct{} // closed once every earlier op was attempted
}

// WriterStats counts durable writes by outcome
type WriterStats struct {
	Written uint64
	Failed  uint64
	Dropped uint64
}

// writer applies durable writes in FIFO order on a single goroutine
type writer struct {
	durable storage.DurableStore
	queue   chan writeOp
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func newWriter(durable storage.DurableStore, size int, timeout time.Duration, logger *zap.Logger) *writer {
	w := &writer{
		durable: durable,
		queue:   make(chan writeOp, size),
		timeout: timeout,
		logger:  logger,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *writer) run() {
	defer w.wg.Done()
	for op := range w.queue {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		w.apply(ctx, op)
		cancel()
	}
}

func (w *writer) apply(ctx context.Context, op writeOp) {
	var err error
	if op.del {
		err = w.durable.Delete(ctx, op.key)
	} else {
		err = w.durable.Put(ctx, op.key, op.doc, op.expiresAt)
	}
	if err != nil {
		w.failed.Add(1)
		w.logger.Error("Durable write failed",
			zap.String("key", op.key),
			zap.Bool("delete", op.del),
			zap.Error(err))
		return
	}
	w.written.Add(1)
}

// enqueue never blocks; a full queue drops the write
func (w *writer) enqueue(op writeOp) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		w.dropped.Add(1)
		return false
	}
	select {
	case w.queue <- op:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("Durable write queue full, dropping write", zap.String("key", op.key))
		return false
	}
}

func (w *writer) flush(ctx context.Context) error {
	barrier := make(chan struct{})
	w.mu.RLock()
	if w.stopped {
		w.mu.RUnlock()
		return nil
	}
	select {
	case w.queue <- writeOp{barrier: barrier}:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) close() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *writer) stats() WriterStats {
	return WriterStats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
	}
}
