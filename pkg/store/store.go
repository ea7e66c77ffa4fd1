package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// Store errors.
var (
	ErrNotFound     = errors.New("document not found")
	ErrDuplicateID  = errors.New("duplicate document id")
	ErrInvalidName  = errors.New("invalid collection name")
	ErrClosed       = errors.New("store closed")
	ErrInvalidField = errors.New("invalid field")
)

// DefaultOpenTimeout is how long Open waits for the database file lock.
const DefaultOpenTimeout = time.Second

// Options configures a DB.
type Options struct {
	// OpenTimeout bounds waiting for the file lock (default: 1s).
	OpenTimeout time.Duration

	// Logger is the optional logger for delivery failures.
	Logger *slog.Logger
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{OpenTimeout: DefaultOpenTimeout}
}

// DB is an open document database.
type DB struct {
	bolt   *bbolt.DB
	logger *slog.Logger

	mu          sync.Mutex
	closed      bool
	collections map[string]*Collection
}

// Open opens (or creates) the database file at path.
func Open(path string, opts Options) (*DB, error) {
	if opts.OpenTimeout == 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bdb, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return &DB{
		bolt:        bdb,
		logger:      logger,
		collections: make(map[string]*Collection),
	}, nil
}

// Collection returns the named collection, creating its bucket on first
// use. The same *Collection is returned for every call with a name.
func (d *DB) Collection(name string) (*Collection, error) {
	if name == "" {
		return nil, ErrInvalidName
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if c, ok := d.collections[name]; ok {
		return c, nil
	}

	err := d.bolt.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create collection %q: %w", name, err)
	}

	c := newCollection(d, name)
	d.collections[name] = c
	return c, nil
}

// CollectionNames lists the collections stored in the database.
func (d *DB) CollectionNames() ([]string, error) {
	var names []string
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

// Close stops every live cursor and closes the database file.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	collections := make([]*Collection, 0, len(d.collections))
	for _, c := range d.collections {
		collections = append(collections, c)
	}
	d.mu.Unlock()

	for _, c := range collections {
		c.stopObservers()
	}
	return d.bolt.Close()
}

func (d *DB) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
