package conflict

import (
	"context"

	"github.com/fieldsync/fieldsync/internal/models"
)

//go:generate mockgen -source=remote.go -destination=mock_remote_test.go -package=conflict

// Remote is the authoritative record store.
type Remote interface {
	// FetchSnapshot returns the current remote state of a record.
	FetchSnapshot(ctx context.Context, entityType, entityID string) (models.Snapshot, error)

	// PushSnapshot writes fields to the remote record. snap.Version is the
	// version the write is based on; a remote that has moved past it
	// returns errors.ErrVersionMismatch. The new remote snapshot is
	// returned on success.
	PushSnapshot(ctx context.Context, entityType, entityID string, snap models.Snapshot) (models.Snapshot, error)
}

// Local is the on-device record store.
type Local interface {
	ApplySnapshot(ctx context.Context, entityType, entityID string, snap models.Snapshot) error
}
