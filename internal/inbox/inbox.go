// Package inbox ingests media that capture apps drop into a directory.
// Each media file is paired with a YAML sidecar named <file>.yaml that
// carries its metadata. A pair is admitted to the queue once both files
// exist and have been quiet for the debounce window.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

const (
	sidecarExt  = ".yaml"
	rejectedDir = ".rejected"

	defaultDebounce = 300 * time.Millisecond
	tickInterval    = 100 * time.Millisecond
)

// Admitter stores a new item subject to the queue quota.
// *quota.Manager implements it.
type Admitter interface {
	Admit(item models.QueuedMediaItem) (*models.QueuedMediaItem, error)
}

// Sidecar is the metadata file accompanying a media file.
type Sidecar struct {
	Kind         models.MediaKind `yaml:"kind"`
	VisitID      string           `yaml:"visit_id"`
	EntryID      string           `yaml:"entry_id"`
	ContentType  string           `yaml:"content_type"`
	OriginalSize int64            `yaml:"original_size"`
	Location     *models.GeoStamp `yaml:"location"`
}

func (s *Sidecar) validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", s.Kind)
	}

	if s.VisitID == "" {
		return errors.New("visit_id is required")
	}

	if s.OriginalSize < 0 {
		return errors.New("original_size must not be negative")
	}

	return nil
}

// Watcher admits media pairs from a single directory. Subdirectories are
// not watched.
type Watcher struct {
	dir      string
	admitter Admitter
	logger   *slog.Logger
	debounce time.Duration

	// OnAdmit, if set, is called after each admitted item.
	OnAdmit func(item *models.QueuedMediaItem)
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, admitter Admitter, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		admitter: admitter,
		logger:   logger,
		debounce: defaultDebounce,
	}
}

// Watch scans the directory once, then admits pairs as they appear. It
// blocks until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating inbox dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching inbox dir: %w", err)
	}

	if _, err := w.Scan(); err != nil {
		w.logger.Warn("initial inbox scan", slog.String("error", err.Error()))
	}

	w.logger.Info("inbox watcher started", slog.String("dir", w.dir))

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("fsnotify events channel closed unexpectedly")
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			media := mediaPath(event.Name)
			if ignored(filepath.Base(media)) {
				continue
			}

			pending[media] = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < w.debounce {
					continue
				}
				delete(pending, path)
				w.ingest(path)
			}
		}
	}
}

// Scan admits every complete pair currently in the directory and returns
// how many were admitted.
func (w *Watcher) Scan() (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("reading inbox dir: %w", err)
	}

	n := 0

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, sidecarExt) || ignored(name) {
			continue
		}

		if w.ingest(filepath.Join(w.dir, name)) {
			n++
		}
	}

	return n, nil
}

// ingest admits one media file with its sidecar. Incomplete pairs and
// quota refusals are left in place for a later attempt. Pairs with an
// unreadable sidecar are moved aside.
func (w *Watcher) ingest(media string) bool {
	name := norm.NFC.String(filepath.Base(media))

	info, err := os.Stat(media)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}

	raw, err := os.ReadFile(media + sidecarExt)
	if errors.Is(err, os.ErrNotExist) {
		w.logger.Debug("waiting for sidecar", slog.String("file", name))
		return false
	}

	if err != nil {
		w.logger.Warn("reading sidecar", slog.String("file", name), slog.String("error", err.Error()))
		return false
	}

	var sc Sidecar

	err = yaml.Unmarshal(raw, &sc)
	if err == nil {
		err = sc.validate()
	}

	if err != nil {
		w.logger.Warn("invalid sidecar",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
		w.reject(media)

		return false
	}

	payload, err := os.ReadFile(media)
	if err != nil {
		w.logger.Warn("reading media", slog.String("file", name), slog.String("error", err.Error()))
		return false
	}

	item := models.QueuedMediaItem{
		Kind:         sc.Kind,
		VisitID:      norm.NFC.String(sc.VisitID),
		EntryID:      norm.NFC.String(sc.EntryID),
		Payload:      payload,
		ContentType:  contentType(sc.ContentType, name),
		OriginalSize: sc.OriginalSize,
		Location:     sc.Location,
	}

	admitted, err := w.admitter.Admit(item)
	if err != nil {
		var quotaErr *apperrors.QuotaExceededError
		if errors.Is(err, apperrors.ErrInvalidSize) {
			w.logger.Warn("rejecting inbox item", slog.String("file", name), slog.String("error", err.Error()))
			w.reject(media)
		} else if errors.As(err, &quotaErr) {
			w.logger.Info("inbox item deferred, queue full",
				slog.String("file", name),
				slog.Int64("requested", quotaErr.Requested),
				slog.Int64("max", quotaErr.Max),
			)
		} else {
			w.logger.Warn("admitting inbox item", slog.String("file", name), slog.String("error", err.Error()))
		}

		return false
	}

	for _, p := range []string{media, media + sidecarExt} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("removing ingested file", slog.String("path", p), slog.String("error", err.Error()))
		}
	}

	w.logger.Info("inbox item admitted",
		slog.String("file", name),
		slog.String("item_id", admitted.ID),
		slog.String("visit_id", admitted.VisitID),
		slog.Int64("size", admitted.StoredSize),
	)

	if w.OnAdmit != nil {
		w.OnAdmit(admitted)
	}

	return true
}

func (w *Watcher) reject(media string) {
	dst := filepath.Join(w.dir, rejectedDir)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		w.logger.Warn("creating rejected dir", slog.String("error", err.Error()))
		return
	}

	for _, p := range []string{media, media + sidecarExt} {
		if err := os.Rename(p, filepath.Join(dst, filepath.Base(p))); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("moving rejected file", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}

// mediaPath maps a sidecar path to its media file. Other paths are
// returned unchanged.
func mediaPath(path string) string {
	return strings.TrimSuffix(path, sidecarExt)
}

// ignored reports names that are never media: hidden files and the
// temporary files editors and copy tools leave behind.
func ignored(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}

	return strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".part")
}

func contentType(declared, name string) string {
	if declared != "" {
		return declared
	}

	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}

	return "application/octet-stream"
}
