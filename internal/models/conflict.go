package models

import "time"

// Fields is a record's field map.
type Fields map[string]any

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}

	return out
}

// Snapshot is the state of one record on one side. Version is the remote
// optimistic-concurrency token; zero means the side does not track one.
type Snapshot struct {
	Fields    Fields    `json:"fields"`
	Version   int64     `json:"version,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Strategy is how a conflict is resolved.
type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
	StrategyMerge  Strategy = "merge"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLocal, StrategyRemote, StrategyMerge:
		return true
	}

	return false
}

// Side selects which snapshot wins a single field in a merge.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// ConflictState tracks a conflict through resolution.
type ConflictState string

const (
	ConflictDetected     ConflictState = "detected"
	ConflictLocalChosen  ConflictState = "local_chosen"
	ConflictRemoteChosen ConflictState = "remote_chosen"
	ConflictMerged       ConflictState = "merged"
	ConflictApplied      ConflictState = "applied"
)

// ChosenState maps a strategy to the state recorded once it is chosen.
func ChosenState(s Strategy) ConflictState {
	switch s {
	case StrategyLocal:
		return ConflictLocalChosen
	case StrategyRemote:
		return ConflictRemoteChosen
	case StrategyMerge:
		return ConflictMerged
	}

	return ConflictDetected
}

// Outcome is the result of applying a resolution.
type Outcome struct {
	ConflictID string    `json:"conflict_id"`
	Strategy   Strategy  `json:"strategy"`
	Result     Fields    `json:"result"`
	AppliedAt  time.Time `json:"applied_at,omitempty"`
}

// ConflictRecord captures a record whose local and remote snapshots
// disagree on at least one field.
type ConflictRecord struct {
	ID                string        `json:"id"`
	EntityType        string        `json:"entity_type"`
	EntityID          string        `json:"entity_id"`
	Local             Snapshot      `json:"local"`
	Remote            Snapshot      `json:"remote"`
	LocalTimestamp    time.Time     `json:"local_timestamp"`
	RemoteTimestamp   time.Time     `json:"remote_timestamp"`
	ConflictingFields []string      `json:"conflicting_fields"`
	State             ConflictState `json:"state"`
	Outcome           *Outcome      `json:"outcome,omitempty"`
	DetectedAt        time.Time     `json:"detected_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Resolved reports whether the resolution has been applied on both sides.
func (c *ConflictRecord) Resolved() bool {
	return c.State == ConflictApplied
}

// Resolution is a decision for one conflict. Selections are only used by
// the merge strategy.
type Resolution struct {
	ConflictID string          `json:"conflict_id"`
	Strategy   Strategy        `json:"strategy"`
	Selections map[string]Side `json:"selections,omitempty"`
}
