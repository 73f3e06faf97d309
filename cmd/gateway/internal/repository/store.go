package repository

import (
	"context"
)

// SnapshotStore reads the latest state of subjects as written by the processor.
type SnapshotStore interface {
	GetSnapshots(ctx context.Context, subjectKeys []string) ([]string, error)
	Close() error
}
