// Package models defines types shared across internal packages.
package models

import "time"

// MediaKind identifies what was captured.
type MediaKind string

const (
	KindPhoto     MediaKind = "photo"
	KindVoiceNote MediaKind = "voice_note"
	KindSignature MediaKind = "signature"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	switch k {
	case KindPhoto, KindVoiceNote, KindSignature:
		return true
	}

	return false
}

// UploadStatus is the lifecycle state of a queued item.
type UploadStatus string

const (
	StatusPending   UploadStatus = "pending"
	StatusUploading UploadStatus = "uploading"
	StatusFailed    UploadStatus = "failed"
	StatusUploaded  UploadStatus = "uploaded"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []UploadStatus{StatusPending, StatusUploading, StatusFailed, StatusUploaded}

// Valid reports whether s is a known status.
func (s UploadStatus) Valid() bool {
	switch s {
	case StatusPending, StatusUploading, StatusFailed, StatusUploaded:
		return true
	}

	return false
}

// GeoStamp is the capture location.
type GeoStamp struct {
	Lat      float64  `json:"lat" yaml:"lat"`
	Lng      float64  `json:"lng" yaml:"lng"`
	Accuracy *float64 `json:"accuracy,omitempty" yaml:"accuracy,omitempty"`
}

// QueuedMediaItem is one unit of captured media awaiting transfer. The
// payload is persisted separately from the metadata, so it is excluded
// from the JSON encoding.
type QueuedMediaItem struct {
	ID            string       `json:"id"`
	Kind          MediaKind    `json:"kind"`
	VisitID       string       `json:"visit_id"`
	EntryID       string       `json:"entry_id"`
	Payload       []byte       `json:"-"`
	ContentType   string       `json:"content_type"`
	OriginalSize  int64        `json:"original_size"`
	StoredSize    int64        `json:"stored_size"`
	Location      *GeoStamp    `json:"location,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	RetryCount    int          `json:"retry_count"`
	RetryBase     int          `json:"retry_base"`
	Terminal      bool         `json:"terminal"`
	Status        UploadStatus `json:"status"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	ChunkCount    int          `json:"chunk_count,omitempty"`
	Progress      int          `json:"progress"`
	LastAttemptAt time.Time    `json:"last_attempt_at,omitempty"`
}

// Chunked reports whether the payload is stored as chunk segments.
func (m *QueuedMediaItem) Chunked() bool {
	return m.ChunkCount > 0
}

// AttemptsSinceRetry is the number of counted failures since the item was
// created or last manually retried.
func (m *QueuedMediaItem) AttemptsSinceRetry() int {
	return m.RetryCount - m.RetryBase
}

// Evictable reports whether the quota manager may remove the item to make
// room: uploaded items and failed items that will not be retried
// automatically.
func (m *QueuedMediaItem) Evictable() bool {
	switch m.Status {
	case StatusUploaded:
		return true
	case StatusFailed:
		return m.Terminal
	}

	return false
}

// Owners returns the distinct owner references of the item.
func (m *QueuedMediaItem) Owners() []string {
	var owners []string
	if m.VisitID != "" {
		owners = append(owners, m.VisitID)
	}

	if m.EntryID != "" && m.EntryID != m.VisitID {
		owners = append(owners, m.EntryID)
	}

	return owners
}

// ChunkSegment is one bounded-size ordered slice of an item's payload.
type ChunkSegment struct {
	ItemID   string `json:"item_id"`
	Index    int    `json:"index"`
	Data     []byte `json:"-"`
	Digest   string `json:"digest"`
	Uploaded bool   `json:"uploaded"`
}

// QueueStats aggregates the queue for callers and metrics.
type QueueStats struct {
	Pending    int   `json:"pending"`
	Uploading  int   `json:"uploading"`
	Failed     int   `json:"failed"`
	Uploaded   int   `json:"uploaded"`
	TotalBytes int64 `json:"total_bytes"`
}

// Count returns the number of items in the given status.
func (s QueueStats) Count(status UploadStatus) int {
	switch status {
	case StatusPending:
		return s.Pending
	case StatusUploading:
		return s.Uploading
	case StatusFailed:
		return s.Failed
	case StatusUploaded:
		return s.Uploaded
	}

	return 0
}
