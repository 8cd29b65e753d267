package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fieldsync/fieldsync/internal/chunk"
	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/oklog/ulid/v2"
	bolt "go.etcd.io/bbolt"
)

// Chunk values are a flag byte, a fixed-width hex digest, then the data.
const (
	chunkFlagUploaded = byte(1)
	chunkDigestLen    = 64
	chunkHeaderLen    = 1 + chunkDigestLen
)

// Tx is a queue transaction. Obtain one through State.Update or State.View;
// it must not be used after the callback returns.
type Tx struct {
	tx      *bolt.Tx
	chunker *chunk.Chunker
	now     func() time.Time
}

// Get returns the item's metadata without its payload.
func (t *Tx) Get(id string) (*models.QueuedMediaItem, error) {
	data := t.tx.Bucket(mediaBucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("media item %s: %w", id, apperrors.ErrNotFound)
	}

	var item models.QueuedMediaItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decoding media item %s: %w", id, err)
	}

	return &item, nil
}

// Insert persists a new item in pending state. ID and CreatedAt are filled
// when empty and StoredSize defaults to the payload length. Payloads above
// the chunk bound are stored only as chunk segments.
func (t *Tx) Insert(item models.QueuedMediaItem) (*models.QueuedMediaItem, error) {
	if item.ID == "" {
		item.ID = ulid.Make().String()
	}

	if item.StoredSize == 0 {
		item.StoredSize = int64(len(item.Payload))
	}

	if item.StoredSize <= 0 {
		return nil, apperrors.ErrInvalidSize
	}

	if item.OriginalSize == 0 {
		item.OriginalSize = item.StoredSize
	}

	if item.CreatedAt.IsZero() {
		item.CreatedAt = t.now().UTC()
	}

	if t.tx.Bucket(mediaBucket).Get([]byte(item.ID)) != nil {
		return nil, fmt.Errorf("media item %s already queued", item.ID)
	}

	item.Status = models.StatusPending
	item.RetryCount = 0
	item.RetryBase = 0
	item.Terminal = false
	item.Progress = 0
	item.ErrorMessage = ""
	item.ChunkCount = 0

	payload := item.Payload
	if payload == nil {
		payload = []byte{}
	}

	item.Payload = nil

	if t.chunker.ShouldChunk(int64(len(payload))) {
		segments := t.chunker.Split(item.ID, payload)
		for _, seg := range segments {
			if err := t.putChunk(seg); err != nil {
				return nil, err
			}
		}

		item.ChunkCount = len(segments)
	} else if err := t.tx.Bucket(payloadBucket).Put([]byte(item.ID), payload); err != nil {
		return nil, fmt.Errorf("storing payload: %w", err)
	}

	if err := t.putItem(&item); err != nil {
		return nil, err
	}

	for _, owner := range item.Owners() {
		if err := t.tx.Bucket(ownerIndex).Put(indexKey(owner, item.ID), nil); err != nil {
			return nil, fmt.Errorf("indexing owner: %w", err)
		}
	}

	if err := t.tx.Bucket(statusIndex).Put(indexKey(string(item.Status), item.ID), nil); err != nil {
		return nil, fmt.Errorf("indexing status: %w", err)
	}

	if err := t.addTotal(item.StoredSize); err != nil {
		return nil, err
	}

	return &item, nil
}

// Delete removes the item, its payload or chunks, and its index entries.
func (t *Tx) Delete(id string) error {
	item, err := t.Get(id)
	if err != nil {
		return err
	}

	if err := t.tx.Bucket(mediaBucket).Delete([]byte(id)); err != nil {
		return fmt.Errorf("deleting media item: %w", err)
	}

	if err := t.tx.Bucket(payloadBucket).Delete([]byte(id)); err != nil {
		return fmt.Errorf("deleting payload: %w", err)
	}

	if err := t.deleteChunks(id); err != nil {
		return err
	}

	for _, owner := range item.Owners() {
		if err := t.tx.Bucket(ownerIndex).Delete(indexKey(owner, id)); err != nil {
			return fmt.Errorf("unindexing owner: %w", err)
		}
	}

	if err := t.tx.Bucket(statusIndex).Delete(indexKey(string(item.Status), id)); err != nil {
		return fmt.Errorf("unindexing status: %w", err)
	}

	return t.addTotal(-item.StoredSize)
}

// SetStatus moves the item to status. errMsg replaces the stored message
// when non-empty; progress, when non-nil, is clamped to 0..100.
func (t *Tx) SetStatus(id string, status models.UploadStatus, errMsg string, progress *int) (*models.QueuedMediaItem, error) {
	item, err := t.Get(id)
	if err != nil {
		return nil, err
	}

	if !canTransition(item, status) {
		return nil, fmt.Errorf("%s -> %s for %s: %w", item.Status, status, id, apperrors.ErrInvalidTransition)
	}

	prev := item.Status
	item.Status = status

	if errMsg != "" {
		item.ErrorMessage = errMsg
	}

	if progress != nil {
		item.Progress = clampProgress(*progress)
	}

	switch status {
	case models.StatusUploading:
		item.LastAttemptAt = t.now().UTC()
	case models.StatusUploaded:
		item.Progress = 100
		item.ErrorMessage = ""
	}

	if err := t.reindexStatus(item, prev); err != nil {
		return nil, err
	}

	return item, nil
}

// SetProgress updates the progress of an uploading item.
func (t *Tx) SetProgress(id string, progress int) (*models.QueuedMediaItem, error) {
	item, err := t.Get(id)
	if err != nil {
		return nil, err
	}

	item.Progress = clampProgress(progress)

	return item, t.putItem(item)
}

// RecordFailure moves an uploading item to failed. A retryable failure
// consumes one unit of retry budget and becomes terminal once the budget is
// spent; a non-retryable failure is terminal immediately.
func (t *Tx) RecordFailure(id, errMsg string, retryable bool, maxRetries int) (*models.QueuedMediaItem, error) {
	item, err := t.Get(id)
	if err != nil {
		return nil, err
	}

	if !canTransition(item, models.StatusFailed) {
		return nil, fmt.Errorf("%s -> failed for %s: %w", item.Status, id, apperrors.ErrInvalidTransition)
	}

	prev := item.Status
	item.Status = models.StatusFailed
	item.ErrorMessage = errMsg

	if retryable {
		item.RetryCount++
		item.Terminal = item.AttemptsSinceRetry() >= maxRetries
	} else {
		item.Terminal = true
	}

	if err := t.reindexStatus(item, prev); err != nil {
		return nil, err
	}

	return item, nil
}

// Retry re-arms a failed item: it returns to pending with a fresh retry
// budget. RetryCount is preserved as the lifetime failure count.
func (t *Tx) Retry(id string) (*models.QueuedMediaItem, error) {
	item, err := t.Get(id)
	if err != nil {
		return nil, err
	}

	if item.Status != models.StatusFailed {
		return nil, fmt.Errorf("retry %s from %s: %w", id, item.Status, apperrors.ErrInvalidTransition)
	}

	prev := item.Status
	item.Status = models.StatusPending
	item.Terminal = false
	item.RetryBase = item.RetryCount
	item.Progress = 0

	if err := t.reindexStatus(item, prev); err != nil {
		return nil, err
	}

	return item, nil
}

// ListByStatus returns items in status ordered by creation time.
func (t *Tx) ListByStatus(status models.UploadStatus) ([]models.QueuedMediaItem, error) {
	return t.listIndex(statusIndex, string(status))
}

// ListByOwner returns items referencing owner as visit or entry.
func (t *Tx) ListByOwner(owner string) ([]models.QueuedMediaItem, error) {
	return t.listIndex(ownerIndex, owner)
}

// All returns every item ordered by creation time.
func (t *Tx) All() ([]models.QueuedMediaItem, error) {
	var items []models.QueuedMediaItem

	err := t.tx.Bucket(mediaBucket).ForEach(func(_, v []byte) error {
		var item models.QueuedMediaItem
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}

		items = append(items, item)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing media items: %w", err)
	}

	sortItems(items)

	return items, nil
}

// Evictable returns items the quota manager may remove.
func (t *Tx) Evictable() ([]models.QueuedMediaItem, error) {
	var out []models.QueuedMediaItem

	for _, status := range []models.UploadStatus{models.StatusUploaded, models.StatusFailed} {
		items, err := t.ListByStatus(status)
		if err != nil {
			return nil, err
		}

		for _, item := range items {
			if item.Evictable() {
				out = append(out, item)
			}
		}
	}

	sortItems(out)

	return out, nil
}

// TotalBytes returns the sum of StoredSize over all queued items.
func (t *Tx) TotalBytes() int64 {
	return decodeInt64(t.tx.Bucket(metaBucket).Get(totalBytesKey))
}

// Stats counts items per status.
func (t *Tx) Stats() models.QueueStats {
	stats := models.QueueStats{TotalBytes: t.TotalBytes()}

	c := t.tx.Bucket(statusIndex).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		status, _, ok := bytes.Cut(k, []byte{0})
		if !ok {
			continue
		}

		switch models.UploadStatus(status) {
		case models.StatusPending:
			stats.Pending++
		case models.StatusUploading:
			stats.Uploading++
		case models.StatusFailed:
			stats.Failed++
		case models.StatusUploaded:
			stats.Uploaded++
		}
	}

	return stats
}

// Payload returns the item's full payload, reassembling chunks if needed.
func (t *Tx) Payload(id string) ([]byte, error) {
	item, err := t.Get(id)
	if err != nil {
		return nil, err
	}

	if !item.Chunked() {
		data := t.tx.Bucket(payloadBucket).Get([]byte(id))
		return bytes.Clone(data), nil
	}

	segments, err := t.Chunks(id)
	if err != nil {
		return nil, err
	}

	return chunk.ReassembleN(id, item.ChunkCount, segments)
}

// Chunks returns the item's stored segments in index order.
func (t *Tx) Chunks(id string) ([]models.ChunkSegment, error) {
	var segments []models.ChunkSegment

	prefix := indexPrefix(id)
	c := t.tx.Bucket(chunkBucket).Cursor()

	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if len(k) != len(prefix)+4 || len(v) < chunkHeaderLen {
			return nil, fmt.Errorf("malformed chunk entry for %s", id)
		}

		segments = append(segments, models.ChunkSegment{
			ItemID:   id,
			Index:    int(decodeUint32(k[len(prefix):])),
			Uploaded: v[0]&chunkFlagUploaded != 0,
			Digest:   string(v[1:chunkHeaderLen]),
			Data:     bytes.Clone(v[chunkHeaderLen:]),
		})
	}

	return segments, nil
}

// MarkChunkUploaded records that a segment reached the remote.
func (t *Tx) MarkChunkUploaded(id string, index int) error {
	b := t.tx.Bucket(chunkBucket)
	key := chunkKey(id, index)

	v := b.Get(key)
	if v == nil {
		return fmt.Errorf("chunk %d of %s: %w", index, id, apperrors.ErrNotFound)
	}

	updated := bytes.Clone(v)
	updated[0] |= chunkFlagUploaded

	return b.Put(key, updated)
}

func (t *Tx) putItem(item *models.QueuedMediaItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding media item: %w", err)
	}

	return t.tx.Bucket(mediaBucket).Put([]byte(item.ID), data)
}

func (t *Tx) reindexStatus(item *models.QueuedMediaItem, prev models.UploadStatus) error {
	if err := t.putItem(item); err != nil {
		return err
	}

	if prev == item.Status {
		return nil
	}

	idx := t.tx.Bucket(statusIndex)
	if err := idx.Delete(indexKey(string(prev), item.ID)); err != nil {
		return fmt.Errorf("unindexing status: %w", err)
	}

	if err := idx.Put(indexKey(string(item.Status), item.ID), nil); err != nil {
		return fmt.Errorf("indexing status: %w", err)
	}

	return nil
}

func (t *Tx) addTotal(delta int64) error {
	b := t.tx.Bucket(metaBucket)

	total := decodeInt64(b.Get(totalBytesKey)) + delta
	if total < 0 {
		total = 0
	}

	return b.Put(totalBytesKey, encodeInt64(total))
}

func (t *Tx) putChunk(seg models.ChunkSegment) error {
	digest := seg.Digest
	if len(digest) != chunkDigestLen {
		digest = chunk.Digest(seg.Data)
	}

	v := make([]byte, 0, chunkHeaderLen+len(seg.Data))
	if seg.Uploaded {
		v = append(v, chunkFlagUploaded)
	} else {
		v = append(v, 0)
	}

	v = append(v, digest...)
	v = append(v, seg.Data...)

	if err := t.tx.Bucket(chunkBucket).Put(chunkKey(seg.ItemID, seg.Index), v); err != nil {
		return fmt.Errorf("storing chunk %d: %w", seg.Index, err)
	}

	return nil
}

func (t *Tx) deleteChunks(id string) error {
	prefix := indexPrefix(id)
	c := t.tx.Bucket(chunkBucket).Cursor()

	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
		if err := c.Delete(); err != nil {
			return fmt.Errorf("deleting chunk: %w", err)
		}
	}

	return nil
}

func (t *Tx) listIndex(bucket []byte, value string) ([]models.QueuedMediaItem, error) {
	var items []models.QueuedMediaItem

	prefix := indexPrefix(value)
	c := t.tx.Bucket(bucket).Cursor()

	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		item, err := t.Get(string(k[len(prefix):]))
		if err != nil {
			return nil, err
		}

		items = append(items, *item)
	}

	sortItems(items)

	return items, nil
}

// canTransition enforces the upload lifecycle:
//
//	pending   -> uploading
//	uploading -> uploaded | failed | pending (interrupted)
//	failed    -> uploading (budget remaining)
//
// failed -> pending is only reachable through Retry.
func canTransition(item *models.QueuedMediaItem, to models.UploadStatus) bool {
	switch item.Status {
	case models.StatusPending:
		return to == models.StatusUploading
	case models.StatusUploading:
		return to == models.StatusUploaded || to == models.StatusFailed || to == models.StatusPending
	case models.StatusFailed:
		return to == models.StatusUploading && !item.Terminal
	}

	return false
}

func clampProgress(p int) int {
	return min(max(p, 0), 100)
}

func sortItems(items []models.QueuedMediaItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}

		return items[i].ID < items[j].ID
	})
}
