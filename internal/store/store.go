package store

import (
	"context"
	"fmt"

	"github.com/starford/nilmprep/internal/apperr"
	"github.com/starford/nilmprep/internal/models"
)

// RunRecorder records and lists job executions.
// Consumers should depend on this interface rather than the concrete *DB type
// so that recording can be disabled or mocked.
type RunRecorder interface {
	RecordRun(ctx context.Context, run models.Run) error
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
}

// Verify *DB satisfies RunRecorder at compile time.
var _ RunRecorder = (*DB)(nil)

// Discard is a RunRecorder that keeps nothing.
type Discard struct{}

// RecordRun drops the run.
func (Discard) RecordRun(context.Context, models.Run) error { return nil }

// ListRuns always returns no runs.
func (Discard) ListRuns(context.Context, int) ([]models.Run, error) { return nil, nil }

// GetRun reports every run as missing.
func (Discard) GetRun(_ context.Context, id string) (*models.Run, error) {
	return nil, fmt.Errorf("store: run %s: %w", id, apperr.ErrNotFound)
}
