package syncer

import (
	"context"
	"errors"

	"careline/internal/domain"
	"careline/internal/repo"
)

// ErrAlreadySynced means the remote already holds a record with this local id.
// Resubmitting is harmless; the coordinator treats it as a conflict resolved
// in favor of the existing record.
var ErrAlreadySynced = errors.New("assessment already synced")

// RemoteStore is the upstream side of synchronization. PushAssessment must be
// idempotent on the assessment's local id: pushing the same record twice may
// return ErrAlreadySynced but must never duplicate it.
type RemoteStore interface {
	PushAssessment(ctx context.Context, oa domain.OfflineAssessment) error
	FetchPatientUpdates(ctx context.Context, region, since string) ([]domain.Patient, error)
	Ping(ctx context.Context) error
}

// LocalStore is the slice of the local repository the coordinator drives.
// repo.Repo implements it against SQLite.
type LocalStore interface {
	ResetFailed(ctx context.Context) (int64, error)
	ListQueue(ctx context.Context, f repo.QueueFilters) ([]domain.OfflineAssessment, error)
	MarkSynced(ctx context.Context, localID, syncedAt string) error
	MarkFailed(ctx context.Context, localID string, attempts int) error
	ApplyPatientUpdate(ctx context.Context, p domain.Patient) (applied, overwroteDirty bool, err error)
	GetSyncWatermark(ctx context.Context, workerID string) (string, error)
	SetSyncWatermark(ctx context.Context, workerID, ts string) error
}
