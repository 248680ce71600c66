package publish

import (
	"context"
	"sync"

	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/google/uuid"
)

// ReadingArchive is the write side of a storage repository.
type ReadingArchive interface {
	SaveReading(ctx context.Context, runID uuid.UUID, r machine.Reading) error
	Flush(ctx context.Context) error
}

// ArchiveSink files readings under the current run. The archive is owned by
// the caller; Close leaves it open.
type ArchiveSink struct {
	archive ReadingArchive

	mu    sync.RWMutex
	runID uuid.UUID
}

func NewArchiveSink(archive ReadingArchive, runID uuid.UUID) *ArchiveSink {
	return &ArchiveSink{archive: archive, runID: runID}
}

// SetRun files subsequent readings under runID.
func (a *ArchiveSink) SetRun(runID uuid.UUID) {
	a.mu.Lock()
	a.runID = runID
	a.mu.Unlock()
}

func (a *ArchiveSink) Publish(ctx context.Context, r machine.Reading) error {
	a.mu.RLock()
	runID := a.runID
	a.mu.RUnlock()
	return a.archive.SaveReading(ctx, runID, r)
}

func (a *ArchiveSink) Flush(ctx context.Context) error {
	return a.archive.Flush(ctx)
}

func (a *ArchiveSink) Close() error {
	return nil
}
