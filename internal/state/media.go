package state

import (
	"github.com/fieldsync/fieldsync/internal/models"
)

// Enqueue persists a new pending item and returns it with ID, CreatedAt and
// ChunkCount filled in. It does not check quota; see quota.Manager.Admit.
func (s *State) Enqueue(item models.QueuedMediaItem) (*models.QueuedMediaItem, error) {
	var out *models.QueuedMediaItem

	err := s.Update(func(tx *Tx) error {
		var err error
		out, err = tx.Insert(item)

		return err
	})

	return out, err
}

// Get returns an item's metadata. The payload is loaded separately with
// Payload.
func (s *State) Get(id string) (*models.QueuedMediaItem, error) {
	var out *models.QueuedMediaItem

	err := s.View(func(tx *Tx) error {
		var err error
		out, err = tx.Get(id)

		return err
	})

	return out, err
}

// Payload returns the item's full payload.
func (s *State) Payload(id string) ([]byte, error) {
	var out []byte

	err := s.View(func(tx *Tx) error {
		var err error
		out, err = tx.Payload(id)

		return err
	})

	return out, err
}

// ListByOwner returns items attached to a visit or entry.
func (s *State) ListByOwner(owner string) ([]models.QueuedMediaItem, error) {
	var out []models.QueuedMediaItem

	err := s.View(func(tx *Tx) error {
		var err error
		out, err = tx.ListByOwner(owner)

		return err
	})

	return out, err
}

// ListByStatus returns items in the given status, oldest first.
func (s *State) ListByStatus(status models.UploadStatus) ([]models.QueuedMediaItem, error) {
	var out []models.QueuedMediaItem

	err := s.View(func(tx *Tx) error {
		var err error
		out, err = tx.ListByStatus(status)

		return err
	})

	return out, err
}

// List returns every queued item, oldest first.
func (s *State) List() ([]models.QueuedMediaItem, error) {
	var out []models.QueuedMediaItem

	err := s.View(func(tx *Tx) error {
		var err error
		out, err = tx.All()

		return err
	})

	return out, err
}

// UpdateStatus applies a lifecycle transition.
func (s *State) UpdateStatus(id string, status models.UploadStatus, errMsg string, progress *int) (*models.QueuedMediaItem, error) {
	var out *models.QueuedMediaItem

	err := s.Update(func(tx *Tx) error {
		var err error
		out, err = tx.SetStatus(id, status, errMsg, progress)

		return err
	})

	return out, err
}

// SetProgress records upload progress for an item.
func (s *State) SetProgress(id string, progress int) error {
	return s.Update(func(tx *Tx) error {
		_, err := tx.SetProgress(id, progress)
		return err
	})
}

// RecordFailure marks an uploading item failed. See Tx.RecordFailure.
func (s *State) RecordFailure(id, errMsg string, retryable bool, maxRetries int) (*models.QueuedMediaItem, error) {
	var out *models.QueuedMediaItem

	err := s.Update(func(tx *Tx) error {
		var err error
		out, err = tx.RecordFailure(id, errMsg, retryable, maxRetries)

		return err
	})

	return out, err
}

// Retry re-arms a failed item with a fresh retry budget.
func (s *State) Retry(id string) (*models.QueuedMediaItem, error) {
	var out *models.QueuedMediaItem

	err := s.Update(func(tx *Tx) error {
		var err error
		out, err = tx.Retry(id)

		return err
	})

	return out, err
}

// Remove deletes an item and its payload.
func (s *State) Remove(id string) error {
	return s.Update(func(tx *Tx) error {
		return tx.Delete(id)
	})
}

// Chunks returns the stored segments of a chunked item.
func (s *State) Chunks(id string) ([]models.ChunkSegment, error) {
	var out []models.ChunkSegment

	err := s.View(func(tx *Tx) error {
		var err error
		out, err = tx.Chunks(id)

		return err
	})

	return out, err
}

// MarkChunkUploaded flags one segment as delivered.
func (s *State) MarkChunkUploaded(id string, index int) error {
	return s.Update(func(tx *Tx) error {
		return tx.MarkChunkUploaded(id, index)
	})
}

// Stats returns per-status counts and the total stored bytes.
func (s *State) Stats() (models.QueueStats, error) {
	var out models.QueueStats

	err := s.View(func(tx *Tx) error {
		out = tx.Stats()
		return nil
	})

	return out, err
}

// TotalBytes returns the sum of StoredSize over all queued items.
func (s *State) TotalBytes() (int64, error) {
	var out int64

	err := s.View(func(tx *Tx) error {
		out = tx.TotalBytes()
		return nil
	})

	return out, err
}

// ClearUploaded removes every uploaded item and returns how many were
// removed.
func (s *State) ClearUploaded() (int, error) {
	var n int

	err := s.Update(func(tx *Tx) error {
		items, err := tx.ListByStatus(models.StatusUploaded)
		if err != nil {
			return err
		}

		for _, item := range items {
			if err := tx.Delete(item.ID); err != nil {
				return err
			}
		}

		n = len(items)

		return nil
	})

	return n, err
}

// Recover returns items left in uploading by an unclean shutdown to
// pending. It is called once at startup before any uploader runs.
func (s *State) Recover() (int, error) {
	var n int

	err := s.Update(func(tx *Tx) error {
		items, err := tx.ListByStatus(models.StatusUploading)
		if err != nil {
			return err
		}

		for _, item := range items {
			if _, err := tx.SetStatus(item.ID, models.StatusPending, "", nil); err != nil {
				return err
			}
		}

		n = len(items)

		return nil
	})

	return n, err
}
