// Command fieldsync-ctl inspects and edits the upload queue while the
// daemon is stopped. The daemon holds the database lock while it runs.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/quota"
	"github.com/fieldsync/fieldsync/internal/state"
)

var Version = "dev"

const usage = `usage: fieldsync-ctl [flags] <command> [args]

commands:
  stats                     count items by status
  list                      list items (-status, -owner)
  enqueue <file>            queue a file (-kind, -visit, -entry, -type)
  retry <id>                re-arm a failed item
  delete <id>               remove an item
  clear                     remove uploaded items
  version                   print the version
`

type options struct {
	StatePath string
	MaxBytes  int64
	Policy    string
	LogLevel  string

	Status string
	Owner  string

	Kind        string
	VisitID     string
	EntryID     string
	ContentType string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseFlags(args []string) (*options, []string, error) {
	opts := &options{}

	fs := flag.NewFlagSet("fieldsync-ctl", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }

	maxBytes, _ := strconv.ParseInt(envOr("QUEUE_MAX_BYTES", "104857600"), 10, 64)

	fs.StringVar(&opts.StatePath, "state", os.Getenv("FIELDSYNC_STATE_PATH"), "queue database path")
	fs.Int64Var(&opts.MaxBytes, "max-bytes", maxBytes, "queue quota used by enqueue")
	fs.StringVar(&opts.Policy, "policy", envOr("EVICTION_POLICY", "oldest"), "eviction policy used by enqueue (oldest, priority)")
	fs.StringVar(&opts.LogLevel, "log-level", envOr("LOG_LEVEL", "warn"), "log level (debug, info, warn, error)")
	fs.StringVar(&opts.Status, "status", "", "list: only items in this status")
	fs.StringVar(&opts.Owner, "owner", "", "list: only items for this visit or entry id")
	fs.StringVar(&opts.Kind, "kind", string(models.KindPhoto), "enqueue: photo, signature or voice_note")
	fs.StringVar(&opts.VisitID, "visit", "", "enqueue: visit id")
	fs.StringVar(&opts.EntryID, "entry", "", "enqueue: entry id")
	fs.StringVar(&opts.ContentType, "type", "", "enqueue: content type")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return nil, nil, fmt.Errorf("command required")
	}

	return opts, fs.Args(), nil
}

func run(args []string, out io.Writer) error {
	opts, rest, err := parseFlags(args)
	if err != nil {
		return err
	}

	cmd, rest := rest[0], rest[1:]

	if cmd == "version" {
		fmt.Fprintln(out, Version)
		return nil
	}

	logger := logging.New(os.Stderr, "development", opts.LogLevel)

	path := opts.StatePath
	if path == "" {
		path, err = state.DefaultPath()
		if err != nil {
			return err
		}
	}

	s, err := state.LoadAt(path)
	if err != nil {
		return fmt.Errorf("%w (is the daemon running?)", err)
	}
	defer s.Close()

	switch cmd {
	case "stats":
		stats, err := s.Stats()
		if err != nil {
			return err
		}
		return printJSON(out, stats)

	case "list":
		return list(out, s, opts)

	case "enqueue":
		if len(rest) != 1 {
			return fmt.Errorf("enqueue takes one file")
		}
		return enqueue(out, s, opts, rest[0], logger)

	case "retry":
		if len(rest) != 1 {
			return fmt.Errorf("retry takes one id")
		}
		item, err := s.Retry(rest[0])
		if err != nil {
			return err
		}
		return printJSON(out, item)

	case "delete":
		if len(rest) != 1 {
			return fmt.Errorf("delete takes one id")
		}
		if err := s.Remove(rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %s\n", rest[0])
		return nil

	case "clear":
		n, err := s.ClearUploaded()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "cleared %d uploaded items\n", n)
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func list(out io.Writer, s *state.State, opts *options) error {
	var (
		items []models.QueuedMediaItem
		err   error
	)

	status := models.UploadStatus(opts.Status)

	switch {
	case opts.Status != "" && !status.Valid():
		return fmt.Errorf("unknown status %q", opts.Status)
	case opts.Owner != "":
		items, err = s.ListByOwner(opts.Owner)
	case opts.Status != "":
		items, err = s.ListByStatus(status)
	default:
		items, err = s.List()
	}

	if err != nil {
		return err
	}

	for _, it := range items {
		if opts.Owner != "" && opts.Status != "" && it.Status != status {
			continue
		}

		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%d\t%d\n", it.ID, it.Status, it.Kind, it.VisitID, it.StoredSize, it.RetryCount)
	}

	return nil
}

func enqueue(out io.Writer, s *state.State, opts *options, file string, logger *slog.Logger) error {
	kind := models.MediaKind(opts.Kind)
	if !kind.Valid() {
		return fmt.Errorf("unknown kind %q", opts.Kind)
	}

	if opts.VisitID == "" {
		return fmt.Errorf("-visit is required")
	}

	payload, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(file), err)
	}

	policy, err := quota.PolicyByName(opts.Policy)
	if err != nil {
		return err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	q := quota.New(s, opts.MaxBytes, policy, logger, nil)

	item, err := q.Admit(models.QueuedMediaItem{
		Kind:         kind,
		VisitID:      opts.VisitID,
		EntryID:      opts.EntryID,
		Payload:      payload,
		ContentType:  contentType,
		OriginalSize: int64(len(payload)),
	})
	if err != nil {
		return err
	}

	return printJSON(out, item)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
