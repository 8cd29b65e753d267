// Package upload drives queued media items through transfer to the remote
// authority, chunk by chunk where needed, with bounded concurrency and a
// retry budget per item.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/state"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxRetries      = 5
	defaultConcurrency     = 3
	defaultPollInterval    = 30 * time.Second
	defaultTransferTimeout = 60 * time.Second
)

// Config tunes the orchestrator. Zero values take the defaults.
type Config struct {
	MaxRetries      int
	Concurrency     int
	PollInterval    time.Duration
	TransferTimeout time.Duration
	Retry           RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}

	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}

	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}

	if c.TransferTimeout <= 0 {
		c.TransferTimeout = defaultTransferTimeout
	}

	if c.Retry == nil {
		c.Retry = DefaultBackoff()
	}

	return c
}

// Summary counts the outcomes of one RunOnce pass.
type Summary struct {
	Uploaded    int
	Failed      int
	Interrupted int
	Skipped     int
}

// Orchestrator uploads queued items through a Transferer.
type Orchestrator struct {
	store      *state.State
	transferer Transferer
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics

	locks  keyedMutex
	events broker
	kick   chan struct{}
	now    func() time.Time
}

// New creates an orchestrator. m may be nil.
func New(store *state.State, transferer Transferer, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		store:      store,
		transferer: transferer,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		metrics:    m,
		kick:       make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Subscribe returns a stream of status and progress events and a function
// that ends the subscription.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.events.subscribe()
}

// Kick wakes Run for an immediate pass.
func (o *Orchestrator) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Run processes the queue on every poll interval and on Kick until ctx is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := o.RunOnce(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("upload pass failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-o.kick:
		}
	}
}

// RunOnce uploads every eligible item, at most Concurrency at a time. A
// failure of one item never stops the others.
func (o *Orchestrator) RunOnce(ctx context.Context) (Summary, error) {
	items, err := o.eligible()
	if err != nil {
		return Summary{}, err
	}

	var uploaded, failed, interrupted, skipped atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Concurrency)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			err := o.UploadItem(ctx, item.ID)

			switch {
			case err == nil:
				uploaded.Add(1)
			case errors.Is(err, apperrors.ErrItemBusy), errors.Is(err, apperrors.ErrRetryExhausted):
				skipped.Add(1)
			case ctx.Err() != nil:
				interrupted.Add(1)
			default:
				failed.Add(1)
			}

			return nil
		})
	}

	_ = g.Wait()

	o.publishStats()

	return Summary{
		Uploaded:    int(uploaded.Load()),
		Failed:      int(failed.Load()),
		Interrupted: int(interrupted.Load()),
		Skipped:     int(skipped.Load()),
	}, nil
}

func (o *Orchestrator) eligible() ([]models.QueuedMediaItem, error) {
	pending, err := o.store.ListByStatus(models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("listing pending items: %w", err)
	}

	failed, err := o.store.ListByStatus(models.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("listing failed items: %w", err)
	}

	now := o.now()
	out := make([]models.QueuedMediaItem, 0, len(pending)+len(failed))

	for _, item := range append(pending, failed...) {
		if item.Terminal {
			continue
		}

		if o.cfg.Retry.Due(&item, now) {
			out = append(out, item)
		}
	}

	return out, nil
}

// UploadItem performs one upload attempt for id. A concurrent attempt on
// the same item returns ErrItemBusy. Cancelling ctx stops the attempt at
// the next chunk boundary and returns the item to pending with the chunks
// already delivered kept.
func (o *Orchestrator) UploadItem(ctx context.Context, id string) error {
	if !o.locks.TryLock(id) {
		return apperrors.ErrItemBusy
	}
	defer o.locks.Unlock(id)

	item, err := o.store.Get(id)
	if err != nil {
		return err
	}

	switch {
	case item.Status == models.StatusUploaded:
		return nil
	case item.Status == models.StatusFailed && item.Terminal:
		return apperrors.ErrRetryExhausted
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if item.Status != models.StatusUploading {
		item, err = o.store.UpdateStatus(id, models.StatusUploading, "", nil)
		if err != nil {
			return err
		}
	}

	o.emit(item.ID, models.StatusUploading, item.Progress, "")

	logger := o.logger.With(slog.String("id", item.ID), slog.String("kind", string(item.Kind)))
	logger.Debug("upload started", slog.Int64("bytes", item.StoredSize), slog.Int("chunks", item.ChunkCount))

	start := o.now()

	if item.Chunked() {
		err = o.transferChunks(ctx, item)
	} else {
		err = o.transferWhole(ctx, item)
	}

	elapsed := o.now().Sub(start)

	if err == nil {
		if _, err := o.store.UpdateStatus(id, models.StatusUploaded, "", nil); err != nil {
			return err
		}

		o.metrics.Upload(item.Kind, "uploaded", elapsed)
		o.emit(id, models.StatusUploaded, 100, "")
		logger.Info("upload complete", slog.Duration("elapsed", elapsed))

		return nil
	}

	if ctx.Err() != nil {
		if _, serr := o.store.UpdateStatus(id, models.StatusPending, "", nil); serr != nil {
			return serr
		}

		o.metrics.Upload(item.Kind, "interrupted", elapsed)
		o.emit(id, models.StatusPending, o.progressOf(id), "")
		logger.Info("upload interrupted", slog.String("reason", ctx.Err().Error()))

		return ctx.Err()
	}

	if errors.Is(err, context.DeadlineExceeded) && apperrors.IsRetryable(err) {
		err = &apperrors.TransientNetworkError{Op: "transfer", Err: err}
	}

	retryable := apperrors.IsRetryable(err)

	failedItem, serr := o.store.RecordFailure(id, err.Error(), retryable, o.cfg.MaxRetries)
	if serr != nil {
		return serr
	}

	result := "failed"
	if !retryable {
		result = "rejected"
	}

	o.metrics.Upload(item.Kind, result, elapsed)
	o.emit(id, models.StatusFailed, failedItem.Progress, err.Error())
	logger.Warn("upload failed",
		slog.String("error", err.Error()),
		slog.Int("retry_count", failedItem.RetryCount),
		slog.Bool("terminal", failedItem.Terminal),
	)

	return err
}

func (o *Orchestrator) transferWhole(ctx context.Context, item *models.QueuedMediaItem) error {
	payload, err := o.store.Payload(item.ID)
	if err != nil {
		return err
	}

	target := targetFor(item)
	target.Size = int64(len(payload))

	onProgress := func(p int) {
		if err := o.store.SetProgress(item.ID, p); err != nil {
			o.logger.Debug("recording progress", slog.String("id", item.ID), slog.String("error", err.Error()))
		}

		o.emit(item.ID, models.StatusUploading, clampPercent(p), "")
	}

	attempt, cancel := context.WithTimeout(ctx, o.cfg.TransferTimeout)
	defer cancel()

	return o.transferer.Transfer(attempt, target, payload, onProgress)
}

// transferChunks sends every segment not yet marked uploaded, in index
// order. ctx is checked between segments; each segment transfer gets its
// own TransferTimeout.
func (o *Orchestrator) transferChunks(ctx context.Context, item *models.QueuedMediaItem) error {
	segments, err := o.store.Chunks(item.ID)
	if err != nil {
		return err
	}

	if len(segments) != item.ChunkCount {
		corrupt := &apperrors.CorruptChunkError{ItemID: item.ID}
		present := make(map[int]bool, len(segments))

		for _, seg := range segments {
			present[seg.Index] = true
		}

		for i := 0; i < item.ChunkCount; i++ {
			if !present[i] {
				corrupt.Missing = append(corrupt.Missing, i)
			}
		}

		return corrupt
	}

	done := 0
	for _, seg := range segments {
		if seg.Uploaded {
			done++
		}
	}

	for _, seg := range segments {
		if seg.Uploaded {
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		target := targetFor(item)
		target.Index = seg.Index
		target.Count = item.ChunkCount
		target.Size = int64(len(seg.Data))
		target.Digest = seg.Digest

		if err := o.transferSegment(ctx, target, seg.Data); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", seg.Index+1, item.ChunkCount, err)
		}

		if err := o.store.MarkChunkUploaded(item.ID, seg.Index); err != nil {
			return err
		}

		done++
		progress := done * 100 / item.ChunkCount

		if err := o.store.SetProgress(item.ID, progress); err != nil {
			return err
		}

		o.metrics.ChunkUploaded()
		o.emit(item.ID, models.StatusUploading, progress, "")
	}

	return nil
}

func (o *Orchestrator) transferSegment(ctx context.Context, target Target, data []byte) error {
	attempt, cancel := context.WithTimeout(ctx, o.cfg.TransferTimeout)
	defer cancel()

	return o.transferer.Transfer(attempt, target, data, nil)
}

// Retry re-arms a failed item with a fresh retry budget and wakes Run.
func (o *Orchestrator) Retry(id string) (*models.QueuedMediaItem, error) {
	item, err := o.store.Retry(id)
	if err != nil {
		return nil, err
	}

	o.emit(id, models.StatusPending, item.Progress, "")
	o.logger.Info("upload re-armed", slog.String("id", id), slog.Int("retry_count", item.RetryCount))
	o.Kick()

	return item, nil
}

// Delete removes an item that is not currently uploading.
func (o *Orchestrator) Delete(id string) error {
	if !o.locks.TryLock(id) {
		return apperrors.ErrItemBusy
	}
	defer o.locks.Unlock(id)

	if err := o.store.Remove(id); err != nil {
		return err
	}

	o.logger.Info("queued item deleted", slog.String("id", id))
	o.publishStats()

	return nil
}

// Stats returns the queue counts.
func (o *Orchestrator) Stats() (models.QueueStats, error) {
	stats, err := o.store.Stats()
	if err != nil {
		return stats, err
	}

	o.metrics.Queue(stats)

	return stats, nil
}

func (o *Orchestrator) publishStats() {
	if _, err := o.Stats(); err != nil {
		o.logger.Debug("reading queue stats", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) progressOf(id string) int {
	item, err := o.store.Get(id)
	if err != nil {
		return 0
	}

	return item.Progress
}

func (o *Orchestrator) emit(id string, status models.UploadStatus, progress int, errMsg string) {
	o.events.publish(Event{
		ItemID:   id,
		Status:   status,
		Progress: progress,
		Error:    errMsg,
		Time:     o.now(),
	})
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}
