package state

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldsync/fieldsync/internal/chunk"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.fieldsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket       = []byte("app")
	metaBucket      = []byte("meta")
	mediaBucket     = []byte("media")
	payloadBucket   = []byte("payloads")
	chunkBucket     = []byte("chunks")
	ownerIndex      = []byte("idx_owner")
	statusIndex     = []byte("idx_status")
	conflictsBucket = []byte("conflicts")
	recordsBucket   = []byte("records")

	totalBytesKey = []byte("total_bytes")
	deviceKey     = []byte("device")
)

var allBuckets = [][]byte{
	appBucket,
	metaBucket,
	mediaBucket,
	payloadBucket,
	chunkBucket,
	ownerIndex,
	statusIndex,
	conflictsBucket,
	recordsBucket,
}

// State wraps a bbolt database holding the media queue, chunk segments,
// conflict records and local record snapshots. Every exported mutation runs
// in a single read-write transaction, and bbolt serializes writers, so
// concurrent callers never observe a partially written item.
type State struct {
	db      *bolt.DB
	chunker *chunk.Chunker
	now     func() time.Time
}

// Option configures a State at open time.
type Option func(*State)

// WithChunkSize sets the bound above which payloads are stored as chunks.
func WithChunkSize(n int) Option {
	return func(s *State) {
		s.chunker = chunk.New(n)
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		s.now = now
	}
}

// Load opens the state database at ~/.fieldsync/queue.db, creating it
// if it does not exist.
func Load(opts ...Option) (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path, opts...)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string, opts ...Option) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	s := &State{
		db:      db,
		chunker: chunk.New(chunk.DefaultSize),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// ChunkSize returns the configured chunk bound.
func (s *State) ChunkSize() int {
	return s.chunker.Size()
}

// Update runs fn in a read-write transaction. Returning an error from fn
// rolls back every change made through tx.
func (s *State) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(s.wrap(btx))
	})
}

// View runs fn in a read-only transaction.
func (s *State) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(s.wrap(btx))
	})
}

func (s *State) wrap(btx *bolt.Tx) *Tx {
	return &Tx{tx: btx, chunker: s.chunker, now: s.now}
}

// Device returns the persisted device name, or empty string.
func (s *State) Device() string {
	var device string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(deviceKey); v != nil {
			device = string(v)
		}

		return nil
	})

	return device
}

// SetDevice persists the device name this queue belongs to.
func (s *State) SetDevice(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(deviceKey, []byte(name))
	})
}

// DefaultPath returns ~/.fieldsync/queue.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".fieldsync", "queue.db"), nil
}

// indexKey builds a secondary index key: value \x00 id.
func indexKey(value, id string) []byte {
	k := make([]byte, 0, len(value)+1+len(id))
	k = append(k, value...)
	k = append(k, 0)

	return append(k, id...)
}

// indexPrefix is the seek prefix for all ids under value.
func indexPrefix(value string) []byte {
	return append([]byte(value), 0)
}

// chunkKey orders segments of one item by index: id \x00 uint32(index).
func chunkKey(id string, index int) []byte {
	k := make([]byte, 0, len(id)+5)
	k = append(k, id...)
	k = append(k, 0)

	return binary.BigEndian.AppendUint32(k, uint32(index))
}

func encodeInt64(n int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(n))
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}

	return int64(binary.BigEndian.Uint64(b))
}

func decodeUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}
