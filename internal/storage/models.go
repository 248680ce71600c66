package storage

import (
	"time"

	"github.com/google/uuid"
)

// Run is one simulator session; readings are archived per run.
type Run struct {
	ID        uuid.UUID `json:"id"`
	MachineID string    `json:"machine_id"`
	Seed      uint64    `json:"seed"`
	Policy    string    `json:"policy"`
	StartedAt time.Time `json:"started_at"`
}
