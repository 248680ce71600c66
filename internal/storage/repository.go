// Package storage archives simulator readings in SQLite or PostgreSQL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/moldsim/internal/config"
	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("storage: repository closed")

// Repository stores readings in batches. SaveReading only buffers; a
// background flusher writes full batches and, when configured, flushes on an
// interval. Flush and Close write what is left. Readings of a failed batch
// are dropped.
type Repository interface {
	StartRun(ctx context.Context, run Run) error
	SaveReading(ctx context.Context, runID uuid.UUID, r machine.Reading) error
	Flush(ctx context.Context) error
	ReadingsBetween(ctx context.Context, runID uuid.UUID, from, to time.Time) ([]machine.Reading, error)
	Close() error
}

// New opens the repository selected by cfg.Driver. The "none" driver returns
// a nil repository and no error.
func New(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Repository, error) {
	switch cfg.Driver {
	case "none", "":
		return nil, nil
	case "sqlite":
		repo, err := NewSQLiteRepository(cfg.SQLitePath, cfg.BatchSize, cfg.FlushInterval, logger)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "postgres":
		client, err := NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		repo, err := NewPostgresRepository(ctx, client, cfg.BatchSize, cfg.FlushInterval, logger)
		if err != nil {
			client.Close()
			return nil, err
		}
		return repo, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

type row struct {
	runID   uuid.UUID
	reading machine.Reading
}

// maxBufferedBatches bounds the rows held while writes fail or lag.
const maxBufferedBatches = 16

// batcher buffers rows for a background flusher. add never writes: it
// appends and wakes the flusher once a batch is full, so the tick loop is not
// held up by the database. A failed batch is logged, counted and dropped.
// When the buffer reaches its cap the oldest batch is dropped.
type batcher struct {
	write    func(ctx context.Context, rows []row) error
	size     int
	capacity int
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	buffer  []row
	closed  bool
	dropped uint64
	failed  uint64

	// serializes writes from the flusher and explicit flushes
	writeMu sync.Mutex

	wake          chan struct{}
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

func newBatcher(size int, interval time.Duration, logger *zap.Logger, write func(context.Context, []row) error) *batcher {
	if size <= 0 {
		size = 1
	}
	b := &batcher{
		write:         write,
		size:          size,
		capacity:      size * maxBufferedBatches,
		interval:      interval,
		logger:        logger,
		buffer:        make([]row, 0, size),
		wake:          make(chan struct{}, 1),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}
	go b.flusher()
	return b
}

func (b *batcher) add(_ context.Context, r row) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if len(b.buffer) >= b.capacity {
		n := copy(b.buffer, b.buffer[b.size:])
		b.buffer = b.buffer[:n]
		b.dropped += uint64(b.size)
	}

	b.buffer = append(b.buffer, r)
	if len(b.buffer) >= b.size {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// flush writes everything buffered so far in batches of size. Rows of a
// failed batch and of the batches after it are dropped.
func (b *batcher) flush(ctx context.Context) error {
	return b.writeBuffered(ctx, false)
}

// writeBuffered takes the buffer, or only its complete batches when full is
// set, and writes it outside the buffer lock.
func (b *batcher) writeBuffered(ctx context.Context, full bool) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.Lock()
	n := len(b.buffer)
	if full {
		n -= n % b.size
	}
	rows := make([]row, n)
	copy(rows, b.buffer[:n])
	rest := copy(b.buffer, b.buffer[n:])
	b.buffer = b.buffer[:rest]
	b.mu.Unlock()

	for start := 0; start < len(rows); start += b.size {
		end := min(start+b.size, len(rows))
		if err := b.write(ctx, rows[start:end]); err != nil {
			lost := uint64(len(rows) - start)
			b.mu.Lock()
			b.failed += lost
			b.mu.Unlock()
			return fmt.Errorf("failed to write %d readings, dropped: %w", lost, err)
		}
	}
	return nil
}

// lost returns the rows dropped because the buffer was full and the rows
// dropped because their write failed.
func (b *batcher) lost() (dropped, failed uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped, b.failed
}

func (b *batcher) buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

func (b *batcher) flusher() {
	defer close(b.flushDoneChan)

	var tick <-chan time.Time
	if b.interval > 0 {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-b.wake:
			if err := b.writeBuffered(context.Background(), true); err != nil {
				b.logger.Error("Batch write failed", zap.Error(err))
			}
		case <-tick:
			if err := b.flush(context.Background()); err != nil {
				b.logger.Error("Periodic flush failed", zap.Error(err))
			}
		case <-b.shutdownChan:
			return
		}
	}
}

// close stops the flusher and writes what is left.
func (b *batcher) close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.shutdownChan)
	<-b.flushDoneChan

	return b.flush(ctx)
}
