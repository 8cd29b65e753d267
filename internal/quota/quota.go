// Package quota bounds the total stored size of the media queue, evicting
// delivered and terminally failed items to admit new captures.
package quota

import (
	"log/slog"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/state"
)

// DefaultMaxBytes is the default queue cap (100 MiB).
const DefaultMaxBytes int64 = 100 * 1024 * 1024

// Manager admits items into the queue under a byte cap.
type Manager struct {
	store   *state.State
	max     int64
	policy  EvictionPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Manager. A nil policy means OldestFirst; a non-positive cap
// means DefaultMaxBytes.
func New(store *state.State, maxBytes int64, policy EvictionPolicy, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	if policy == nil {
		policy = OldestFirst{}
	}

	return &Manager{
		store:   store,
		max:     maxBytes,
		policy:  policy,
		logger:  logger,
		metrics: m,
	}
}

// Max returns the byte cap.
func (m *Manager) Max() int64 {
	return m.max
}

// CanAdmit reports whether size more bytes fit without evicting.
func (m *Manager) CanAdmit(size int64) (bool, error) {
	total, err := m.store.TotalBytes()
	if err != nil {
		return false, err
	}

	return total+size <= m.max, nil
}

// EvictOne removes the policy's next victim and returns it, or returns nil
// when nothing is evictable.
func (m *Manager) EvictOne() (*models.QueuedMediaItem, error) {
	var victim *models.QueuedMediaItem

	err := m.store.Update(func(tx *state.Tx) error {
		candidates, err := tx.Evictable()
		if err != nil {
			return err
		}

		i := m.policy.Victim(candidates)
		if i < 0 {
			return nil
		}

		if err := tx.Delete(candidates[i].ID); err != nil {
			return err
		}

		victim = &candidates[i]

		return nil
	})
	if err != nil {
		return nil, err
	}

	if victim != nil {
		m.metrics.Evicted(1)
		m.logger.Info("evicted queued item",
			slog.String("id", victim.ID),
			slog.String("status", string(victim.Status)),
			slog.Int64("bytes", victim.StoredSize),
		)
	}

	return victim, nil
}

// Admit inserts item, evicting candidates as needed. Evictions and the
// insert commit together; if the item still does not fit after every
// candidate is considered, nothing changes and a *QuotaExceededError is
// returned. An item larger than the cap is refused without evicting.
func (m *Manager) Admit(item models.QueuedMediaItem) (*models.QueuedMediaItem, error) {
	size := item.StoredSize
	if size == 0 {
		size = int64(len(item.Payload))
	}

	if size <= 0 {
		return nil, apperrors.ErrInvalidSize
	}

	var (
		out     *models.QueuedMediaItem
		evicted []models.QueuedMediaItem
		current int64
	)

	err := m.store.Update(func(tx *state.Tx) error {
		current = tx.TotalBytes()
		if size > m.max {
			return &apperrors.QuotaExceededError{Requested: size, Current: current, Max: m.max}
		}

		total := current

		if total+size > m.max {
			candidates, err := tx.Evictable()
			if err != nil {
				return err
			}

			for total+size > m.max && len(candidates) > 0 {
				i := m.policy.Victim(candidates)
				if i < 0 {
					break
				}

				victim := candidates[i]
				if err := tx.Delete(victim.ID); err != nil {
					return err
				}

				total -= victim.StoredSize
				evicted = append(evicted, victim)
				candidates = append(candidates[:i], candidates[i+1:]...)
			}
		}

		if total+size > m.max {
			return &apperrors.QuotaExceededError{Requested: size, Current: current, Max: m.max}
		}

		item.StoredSize = size

		var err error
		out, err = tx.Insert(item)

		return err
	})
	if err != nil {
		m.metrics.Admission("rejected")
		return nil, err
	}

	m.metrics.Admission("admitted")
	m.metrics.Evicted(len(evicted))

	for _, v := range evicted {
		m.logger.Info("evicted queued item",
			slog.String("id", v.ID),
			slog.String("status", string(v.Status)),
			slog.Int64("bytes", v.StoredSize),
			slog.String("policy", m.policy.Name()),
			slog.String("admitted", out.ID),
		)
	}

	return out, nil
}
