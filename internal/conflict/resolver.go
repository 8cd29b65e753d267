package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Store persists conflict records. *state.State implements it.
type Store interface {
	SaveConflict(c *models.ConflictRecord) error
	GetConflict(id string) (*models.ConflictRecord, error)
	ListConflicts() ([]models.ConflictRecord, error)
	DeleteConflict(id string) error
	OpenConflictFor(entityType, entityID string) (*models.ConflictRecord, error)
}

// Resolver owns the conflict workflow: detection on sync, presentation
// through Pending, and application of a chosen strategy. No resolution is
// ever chosen automatically.
type Resolver struct {
	remote  Remote
	local   Local
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	locks keyedLock
}

// NewResolver creates a Resolver. m may be nil.
func NewResolver(remote Remote, local Local, store Store, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		remote:  remote,
		local:   local,
		store:   store,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// BatchFailure is one conflict ResolveAll could not resolve.
type BatchFailure struct {
	ConflictID string
	Err        error
}

// BatchResult reports a ResolveAll pass.
type BatchResult struct {
	Succeeded []models.Outcome
	Failed    []BatchFailure
}

// SyncRecord reconciles one record before it is pushed. If an unresolved
// conflict exists for the entity it is returned with ErrEntityBlocked. If
// local and remote disagree, a new conflict is stored and returned.
// Otherwise the union of both snapshots is pushed to the remote, applied
// locally, and nil is returned.
func (r *Resolver) SyncRecord(ctx context.Context, entityType, entityID string, local models.Snapshot) (*models.ConflictRecord, error) {
	unlock := r.locks.Lock(entityKey(entityType, entityID))
	defer unlock()

	open, err := r.store.OpenConflictFor(entityType, entityID)
	if err != nil {
		return nil, err
	}

	if open != nil {
		return open, fmt.Errorf("%s/%s: %w", entityType, entityID, apperrors.ErrEntityBlocked)
	}

	remote, err := r.remote.FetchSnapshot(ctx, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("fetching remote %s/%s: %w", entityType, entityID, err)
	}

	if rec := Detect(entityType, entityID, local, remote); rec != nil {
		now := r.now().UTC()
		rec.ID = uuid.NewString()
		rec.DetectedAt = now
		rec.UpdatedAt = now

		if err := r.store.SaveConflict(rec); err != nil {
			return nil, err
		}

		r.metrics.ConflictDetected()
		r.logger.Info("conflict detected",
			slog.String("conflict_id", rec.ID),
			slog.String("entity_type", entityType),
			slog.String("entity_id", entityID),
			slog.Int("fields", len(rec.ConflictingFields)),
		)

		return rec, nil
	}

	merged := union(remote.Fields, local.Fields)

	pushed, err := r.remote.PushSnapshot(ctx, entityType, entityID, models.Snapshot{Fields: merged, Version: remote.Version})
	if err != nil {
		return nil, fmt.Errorf("pushing %s/%s: %w", entityType, entityID, err)
	}

	if err := r.local.ApplySnapshot(ctx, entityType, entityID, models.Snapshot{Fields: merged, Version: pushed.Version, UpdatedAt: pushed.UpdatedAt}); err != nil {
		return nil, fmt.Errorf("applying %s/%s locally: %w", entityType, entityID, err)
	}

	return nil, nil
}

// Blocked reports whether an unresolved conflict exists for the entity.
func (r *Resolver) Blocked(entityType, entityID string) (bool, error) {
	open, err := r.store.OpenConflictFor(entityType, entityID)
	if err != nil {
		return false, err
	}

	return open != nil, nil
}

// Pending returns unresolved conflicts, oldest first.
func (r *Resolver) Pending() ([]models.ConflictRecord, error) {
	all, err := r.store.ListConflicts()
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, c := range all {
		if !c.Resolved() {
			out = append(out, c)
		}
	}

	return out, nil
}

// Get returns a conflict by id.
func (r *Resolver) Get(id string) (*models.ConflictRecord, error) {
	rec, err := r.store.GetConflict(id)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, fmt.Errorf("conflict %s: %w", id, apperrors.ErrNotFound)
	}

	return rec, nil
}

// Resolve applies strategy to a conflict. For StrategyMerge, selections
// must name a side for every conflicting field. The remote is re-read
// before anything is written; if it moved since detection the record is
// refreshed and *ConcurrentModificationError is returned. Resolving an
// applied conflict again returns the original outcome, with
// ErrAlreadyApplied when the strategy differs.
func (r *Resolver) Resolve(ctx context.Context, id string, strategy models.Strategy, selections map[string]models.Side) (*models.Outcome, error) {
	outcome, err := r.resolve(ctx, id, strategy, selections)

	result := "ok"
	if err != nil {
		result = resultLabel(err)
	}

	r.metrics.Resolution(strategy, result)

	return outcome, err
}

func (r *Resolver) resolve(ctx context.Context, id string, strategy models.Strategy, selections map[string]models.Side) (*models.Outcome, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%q: %w", strategy, apperrors.ErrUnknownStrategy)
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	rec, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	unlockEntity := r.locks.Lock(entityKey(rec.EntityType, rec.EntityID))
	defer unlockEntity()

	if rec.Resolved() && rec.Outcome != nil {
		prior := *rec.Outcome
		if prior.Strategy == strategy {
			return &prior, nil
		}

		return &prior, fmt.Errorf("conflict %s resolved with %s: %w", id, prior.Strategy, apperrors.ErrAlreadyApplied)
	}

	result, err := buildResult(rec, strategy, selections)
	if err != nil {
		return nil, err
	}

	rec.State = models.ChosenState(strategy)
	rec.UpdatedAt = r.now().UTC()

	if err := r.store.SaveConflict(rec); err != nil {
		return nil, err
	}

	current, err := r.remote.FetchSnapshot(ctx, rec.EntityType, rec.EntityID)
	if err != nil {
		return nil, fmt.Errorf("re-reading remote for conflict %s: %w", id, err)
	}

	if remoteMoved(rec.Remote, current) {
		return nil, r.refresh(rec, current)
	}

	applied := models.Snapshot{Fields: result, Version: current.Version, UpdatedAt: current.UpdatedAt}

	if strategy != models.StrategyRemote {
		pushed, err := r.remote.PushSnapshot(ctx, rec.EntityType, rec.EntityID, models.Snapshot{Fields: result, Version: current.Version})
		if errors.Is(err, apperrors.ErrVersionMismatch) {
			latest, ferr := r.remote.FetchSnapshot(ctx, rec.EntityType, rec.EntityID)
			if ferr != nil {
				return nil, fmt.Errorf("re-reading remote for conflict %s: %w", id, ferr)
			}

			return nil, r.refresh(rec, latest)
		}

		if err != nil {
			return nil, fmt.Errorf("pushing resolution for conflict %s: %w", id, err)
		}

		applied = models.Snapshot{Fields: result, Version: pushed.Version, UpdatedAt: pushed.UpdatedAt}

		rec.Remote = applied
		if err := r.store.SaveConflict(rec); err != nil {
			return nil, err
		}
	}

	if err := r.local.ApplySnapshot(ctx, rec.EntityType, rec.EntityID, applied); err != nil {
		return nil, fmt.Errorf("applying resolution for conflict %s locally: %w", id, err)
	}

	now := r.now().UTC()
	outcome := models.Outcome{
		ConflictID: id,
		Strategy:   strategy,
		Result:     result,
		AppliedAt:  now,
	}

	rec.State = models.ConflictApplied
	rec.Outcome = &outcome
	rec.UpdatedAt = now

	if err := r.store.SaveConflict(rec); err != nil {
		return nil, err
	}

	r.logger.Info("conflict resolved",
		slog.String("conflict_id", id),
		slog.String("strategy", string(strategy)),
		slog.String("entity_type", rec.EntityType),
		slog.String("entity_id", rec.EntityID),
	)

	return &outcome, nil
}

// ResolveAll applies strategy to every pending conflict. Each conflict is
// attempted independently; failures are collected, never fatal. Merge
// without per-field selections fails every conflict with
// *IncompleteSelectionError.
func (r *Resolver) ResolveAll(ctx context.Context, strategy models.Strategy) (BatchResult, error) {
	var res BatchResult

	pending, err := r.Pending()
	if err != nil {
		return res, err
	}

	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			res.Failed = append(res.Failed, BatchFailure{ConflictID: c.ID, Err: err})
			continue
		}

		outcome, err := r.Resolve(ctx, c.ID, strategy, nil)
		if err != nil {
			res.Failed = append(res.Failed, BatchFailure{ConflictID: c.ID, Err: err})
			continue
		}

		res.Succeeded = append(res.Succeeded, *outcome)
	}

	return res, nil
}

// Prune deletes applied conflicts whose outcome is older than age and
// returns how many were removed.
func (r *Resolver) Prune(age time.Duration) (int, error) {
	all, err := r.store.ListConflicts()
	if err != nil {
		return 0, err
	}

	cutoff := r.now().Add(-age)
	n := 0

	for _, c := range all {
		if !c.Resolved() || c.Outcome == nil || c.Outcome.AppliedAt.After(cutoff) {
			continue
		}

		if err := r.store.DeleteConflict(c.ID); err != nil {
			return n, err
		}

		n++
	}

	return n, nil
}

// refresh replaces the stored remote snapshot with current, recomputes the
// conflicting fields and returns the record to detected. A record whose
// conflict disappeared is removed.
func (r *Resolver) refresh(rec *models.ConflictRecord, current models.Snapshot) error {
	cmErr := &apperrors.ConcurrentModificationError{
		ConflictID:      rec.ID,
		ExpectedVersion: rec.Remote.Version,
		ActualVersion:   current.Version,
	}

	rec.Remote = current
	rec.RemoteTimestamp = current.UpdatedAt
	rec.ConflictingFields = ConflictingFields(rec.Local.Fields, current.Fields)
	rec.State = models.ConflictDetected
	rec.UpdatedAt = r.now().UTC()

	if len(rec.ConflictingFields) == 0 {
		if err := r.store.DeleteConflict(rec.ID); err != nil {
			return err
		}
	} else if err := r.store.SaveConflict(rec); err != nil {
		return err
	}

	r.logger.Warn("remote changed during resolution",
		slog.String("conflict_id", rec.ID),
		slog.Int64("expected_version", cmErr.ExpectedVersion),
		slog.Int64("actual_version", cmErr.ActualVersion),
	)

	return cmErr
}

func entityKey(entityType, entityID string) string {
	return "entity\x00" + entityType + "\x00" + entityID
}

// buildResult computes the resolved field map. Remote is the remote
// snapshot as is. Local and merge start from the remote fields plus fields
// only the local side has, then take the conflicting fields from the
// chosen side.
func buildResult(rec *models.ConflictRecord, strategy models.Strategy, selections map[string]models.Side) (models.Fields, error) {
	remote := normalize(rec.Remote.Fields)
	if strategy == models.StrategyRemote {
		return remote, nil
	}

	local := normalize(rec.Local.Fields)
	result := union(remote, onlyIn(local, remote))

	switch strategy {
	case models.StrategyLocal:
		for _, f := range rec.ConflictingFields {
			result[f] = local[f]
		}

		return result, nil
	}

	picks := make(map[string]models.Side, len(selections))
	for k, side := range selections {
		picks[norm.NFC.String(k)] = side
	}

	var missing []string

	for _, f := range rec.ConflictingFields {
		switch picks[f] {
		case models.SideLocal:
			result[f] = local[f]
		case models.SideRemote:
		default:
			missing = append(missing, f)
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &apperrors.IncompleteSelectionError{ConflictID: rec.ID, Missing: missing}
	}

	return result, nil
}

// remoteMoved compares the remote snapshot seen at detection with the
// current one: by version when either side has one, otherwise by fields.
func remoteMoved(seen, current models.Snapshot) bool {
	if seen.Version != 0 || current.Version != 0 {
		return seen.Version != current.Version
	}

	return !fieldsEqual(normalize(seen.Fields), normalize(current.Fields))
}

func union(base, overlay models.Fields) models.Fields {
	out := base.Clone()
	for k, v := range overlay {
		out[k] = v
	}

	return out
}

func onlyIn(a, b models.Fields) models.Fields {
	out := make(models.Fields)
	for k, v := range a {
		if _, ok := b[k]; !ok {
			out[k] = v
		}
	}

	return out
}

func resultLabel(err error) string {
	var (
		incomplete *apperrors.IncompleteSelectionError
		concurrent *apperrors.ConcurrentModificationError
	)

	switch {
	case errors.As(err, &incomplete):
		return "incomplete"
	case errors.As(err, &concurrent):
		return "concurrent_modification"
	case errors.Is(err, apperrors.ErrAlreadyApplied):
		return "already_applied"
	case errors.Is(err, apperrors.ErrNotFound):
		return "not_found"
	}

	return "error"
}
