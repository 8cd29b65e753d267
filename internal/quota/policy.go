package quota

import (
	"fmt"

	"github.com/fieldsync/fieldsync/internal/models"
)

// EvictionPolicy picks the next item to evict from a set of candidates.
// Candidates are always evictable (uploaded, or failed and terminal) and
// ordered oldest first. Victim returns -1 to stop evicting.
type EvictionPolicy interface {
	Name() string
	Victim(candidates []models.QueuedMediaItem) int
}

// OldestFirst evicts the item with the earliest CreatedAt, breaking ties
// by ID.
type OldestFirst struct{}

func (OldestFirst) Name() string { return "oldest" }

func (OldestFirst) Victim(candidates []models.QueuedMediaItem) int {
	best := -1

	for i := range candidates {
		if best < 0 || older(&candidates[i], &candidates[best]) {
			best = i
		}
	}

	return best
}

// Priority evicts the lowest-weighted candidate first, oldest within a
// weight. A candidate's weight is the sum of its kind and status weights;
// unlisted kinds and statuses weigh zero.
type Priority struct {
	Kinds    map[models.MediaKind]int
	Statuses map[models.UploadStatus]int
}

// DefaultPriority keeps signatures longest and evicts uploaded items before
// terminal failures.
func DefaultPriority() Priority {
	return Priority{
		Kinds: map[models.MediaKind]int{
			models.KindPhoto:     0,
			models.KindVoiceNote: 1,
			models.KindSignature: 2,
		},
		Statuses: map[models.UploadStatus]int{
			models.StatusUploaded: 0,
			models.StatusFailed:   10,
		},
	}
}

func (Priority) Name() string { return "priority" }

func (p Priority) Victim(candidates []models.QueuedMediaItem) int {
	best := -1
	bestWeight := 0

	for i := range candidates {
		w := p.weight(&candidates[i])
		if best < 0 || w < bestWeight || (w == bestWeight && older(&candidates[i], &candidates[best])) {
			best = i
			bestWeight = w
		}
	}

	return best
}

func (p Priority) weight(item *models.QueuedMediaItem) int {
	return p.Kinds[item.Kind] + p.Statuses[item.Status]
}

// PolicyByName returns the named policy: "oldest" or "priority".
func PolicyByName(name string) (EvictionPolicy, error) {
	switch name {
	case "", "oldest":
		return OldestFirst{}, nil
	case "priority":
		return DefaultPriority(), nil
	}

	return nil, fmt.Errorf("unknown eviction policy %q", name)
}

func older(a, b *models.QueuedMediaItem) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}

	return a.ID < b.ID
}
