package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fieldsync/fieldsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// SaveConflict creates or replaces a conflict record.
func (s *State) SaveConflict(c *models.ConflictRecord) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding conflict: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).Put([]byte(c.ID), data)
	})
}

// GetConflict returns the conflict with the given id. Returns nil if not found.
func (s *State) GetConflict(id string) (*models.ConflictRecord, error) {
	var c *models.ConflictRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(conflictsBucket).Get([]byte(id))
		if data == nil {
			return nil
		}

		c = &models.ConflictRecord{}

		return json.Unmarshal(data, c)
	})
	if err != nil {
		return nil, fmt.Errorf("reading conflict %s: %w", id, err)
	}

	return c, nil
}

// ListConflicts returns every stored conflict, oldest detection first.
func (s *State) ListConflicts() ([]models.ConflictRecord, error) {
	var out []models.ConflictRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).ForEach(func(_, v []byte) error {
			var c models.ConflictRecord
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			out = append(out, c)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}

		return out[i].ID < out[j].ID
	})

	return out, nil
}

// DeleteConflict removes a conflict record. Deleting a missing id is not an
// error.
func (s *State) DeleteConflict(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).Delete([]byte(id))
	})
}

// OpenConflictFor returns the unresolved conflict for an entity, or nil.
func (s *State) OpenConflictFor(entityType, entityID string) (*models.ConflictRecord, error) {
	all, err := s.ListConflicts()
	if err != nil {
		return nil, err
	}

	for i := range all {
		c := &all[i]
		if c.EntityType == entityType && c.EntityID == entityID && !c.Resolved() {
			return c, nil
		}
	}

	return nil, nil
}

// GetRecord returns the local snapshot of an entity. Returns nil if the
// entity has never been stored.
func (s *State) GetRecord(entityType, entityID string) (*models.Snapshot, error) {
	var snap *models.Snapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(recordsBucket).Get(indexKey(entityType, entityID))
		if data == nil {
			return nil
		}

		snap = &models.Snapshot{}

		return json.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, fmt.Errorf("reading record %s/%s: %w", entityType, entityID, err)
	}

	return snap, nil
}

// PutRecord stores the local snapshot of an entity.
func (s *State) PutRecord(entityType, entityID string, snap models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put(indexKey(entityType, entityID), data)
	})
}

// ApplySnapshot replaces the local fields of an entity with a resolved
// result. The stored version is kept so the next push carries it as its base.
func (s *State) ApplySnapshot(_ context.Context, entityType, entityID string, snap models.Snapshot) error {
	prev, err := s.GetRecord(entityType, entityID)
	if err != nil {
		return err
	}

	if snap.Version == 0 && prev != nil {
		snap.Version = prev.Version
	}

	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = s.now().UTC()
	}

	return s.PutRecord(entityType, entityID, snap)
}
