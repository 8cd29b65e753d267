package upload

import (
	"context"

	"github.com/fieldsync/fieldsync/internal/models"
)

//go:generate mockgen -source=transfer.go -destination=mock_transferer_test.go -package=upload

// Target describes what is being transferred. For an unchunked item Count
// is zero and the payload is the whole item; otherwise the payload is the
// segment at Index of Count.
type Target struct {
	ItemID      string
	VisitID     string
	EntryID     string
	Kind        models.MediaKind
	ContentType string
	Index       int
	Count       int
	Size        int64
	Digest      string
}

// Chunked reports whether the target is one segment of a chunked item.
func (t Target) Chunked() bool {
	return t.Count > 0
}

// Transferer delivers one payload to the remote authority. Implementations
// return *errors.RemoteRejectedError for refusals that must not be
// retried; any other error is treated as transient. onProgress may be nil
// and receives 0-100.
type Transferer interface {
	Transfer(ctx context.Context, target Target, payload []byte, onProgress func(int)) error
}

// TransferFunc adapts a function to the Transferer interface.
type TransferFunc func(ctx context.Context, target Target, payload []byte, onProgress func(int)) error

func (f TransferFunc) Transfer(ctx context.Context, target Target, payload []byte, onProgress func(int)) error {
	return f(ctx, target, payload, onProgress)
}

func targetFor(item *models.QueuedMediaItem) Target {
	return Target{
		ItemID:      item.ID,
		VisitID:     item.VisitID,
		EntryID:     item.EntryID,
		Kind:        item.Kind,
		ContentType: item.ContentType,
		Size:        item.StoredSize,
	}
}
