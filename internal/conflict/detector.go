// Package conflict detects records edited on both sides while offline and
// applies a human-chosen resolution to local and remote stores.
package conflict

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"

	"github.com/fieldsync/fieldsync/internal/models"
	"golang.org/x/text/unicode/norm"
)

// Detect compares two snapshots of one record. It returns nil when no
// field present on both sides differs; otherwise a record in the detected
// state listing the differing fields in sorted order. ID and timestamps of
// detection are left for the caller to assign.
func Detect(entityType, entityID string, local, remote models.Snapshot) *models.ConflictRecord {
	fields := ConflictingFields(local.Fields, remote.Fields)
	if len(fields) == 0 {
		return nil
	}

	return &models.ConflictRecord{
		EntityType:        entityType,
		EntityID:          entityID,
		Local:             local,
		Remote:            remote,
		LocalTimestamp:    local.UpdatedAt,
		RemoteTimestamp:   remote.UpdatedAt,
		ConflictingFields: fields,
		State:             models.ConflictDetected,
	}
}

// ConflictingFields returns the sorted names of fields present in both maps
// with unequal values. Names are compared after NFC normalization.
func ConflictingFields(local, remote models.Fields) []string {
	l := normalize(local)
	r := normalize(remote)

	var out []string

	for name, lv := range l {
		rv, ok := r[name]
		if !ok {
			continue
		}

		if !valuesEqual(lv, rv) {
			out = append(out, name)
		}
	}

	sort.Strings(out)

	return out
}

func normalize(f models.Fields) models.Fields {
	out := make(models.Fields, len(f))
	for k, v := range f {
		out[norm.NFC.String(k)] = v
	}

	return out
}

// valuesEqual compares two field values. Values that differ only in their
// Go representation (int 3 against float64 3 after a JSON round trip)
// compare equal through their canonical JSON encoding.
func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}

	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)

	if errA != nil || errB != nil {
		return false
	}

	return bytes.Equal(ja, jb)
}

// fieldsEqual compares two field maps key by key.
func fieldsEqual(a, b models.Fields) bool {
	if len(a) != len(b) {
		return false
	}

	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valuesEqual(av, bv) {
			return false
		}
	}

	return true
}
