package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/ddp-protocol/ddp-go/pkg/fence"
	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// IDField is the document id key. It is never stored inside the fields.
const IDField = "_id"

// Document is a stored document.
type Document struct {
	ID     string
	Fields wire.Fields
}

type changeKind uint8

const (
	changeAdded changeKind = iota
	changeChanged
	changeRemoved
)

// change is one committed write as observers see it.
type change struct {
	kind   changeKind
	id     string
	before wire.Fields
	after  wire.Fields
}

// Collection is a named set of documents.
type Collection struct {
	db     *DB
	name   string
	bucket []byte

	// mu serializes writes with observer registration, so observers see
	// every change after their initial snapshot exactly once.
	mu        sync.Mutex
	observers map[*observer]struct{}
}

func newCollection(db *DB, name string) *Collection {
	return &Collection{
		db:        db,
		name:      name,
		bucket:    []byte(name),
		observers: make(map[*observer]struct{}),
	}
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Insert stores a new document and returns its id. A string "_id" in
// fields is used as the id; otherwise a random one is assigned.
func (c *Collection) Insert(ctx context.Context, fields wire.Fields) (string, error) {
	id, doc, err := splitID(fields)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err = c.db.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b.Get([]byte(id)) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		return put(b, id, doc)
	})
	if err != nil {
		return "", err
	}

	c.notifyLocked(ctx, change{kind: changeAdded, id: id, after: doc})
	return id, nil
}

// Update sets fields of an existing document. wire.Undefined removes a
// field. Changing "_id" is not allowed.
func (c *Collection) Update(ctx context.Context, id string, fields wire.Fields) error {
	if _, ok := fields[IDField]; ok {
		return fmt.Errorf("%w: %s cannot be modified", ErrInvalidField, IDField)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var before, after wire.Fields
	err := c.db.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(c.bucket)
		var err error
		before, err = get(b, id)
		if err != nil {
			return err
		}
		after = make(wire.Fields, len(before)+len(fields))
		for k, v := range before {
			after[k] = v
		}
		for k, v := range fields {
			if wire.IsUndefined(v) {
				delete(after, k)
				continue
			}
			after[k] = wire.Clone(v)
		}
		return put(b, id, after)
	})
	if err != nil {
		return err
	}

	c.notifyLocked(ctx, change{kind: changeChanged, id: id, before: before, after: after})
	return nil
}

// Remove deletes a document.
func (c *Collection) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var before wire.Fields
	err := c.db.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(c.bucket)
		var err error
		before, err = get(b, id)
		if err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return err
	}

	c.notifyLocked(ctx, change{kind: changeRemoved, id: id, before: before})
	return nil
}

// FindOne returns the document with the given id.
func (c *Collection) FindOne(id string) (Document, error) {
	var doc Document
	err := c.db.bolt.View(func(tx *bbolt.Tx) error {
		fields, err := get(tx.Bucket(c.bucket), id)
		if err != nil {
			return err
		}
		doc = Document{ID: id, Fields: fields}
		return nil
	})
	return doc, err
}

// Find returns a cursor over the documents matching selector. A nil
// selector matches everything.
func (c *Collection) Find(selector Selector) *Cursor {
	return &Cursor{collection: c, selector: selector}
}

// fetch returns the matching documents ordered by id.
func (c *Collection) fetch(selector Selector) ([]Document, error) {
	var docs []Document
	err := c.db.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(c.bucket).ForEach(func(k, v []byte) error {
			fields, err := decode(v)
			if err != nil {
				return fmt.Errorf("document %s: %w", k, err)
			}
			id := string(k)
			if selector.Matches(id, fields) {
				docs = append(docs, Document{ID: id, Fields: fields})
			}
			return nil
		})
	})
	return docs, err
}

// notifyLocked queues ch for every observer. Each delivery registers a
// write on the fence carried by ctx, if any.
func (c *Collection) notifyLocked(ctx context.Context, ch change) {
	for obs := range c.observers {
		w, err := fence.BeginWrite(ctx)
		if err != nil {
			c.db.logger.Warn("write outside of its method's fence", "collection", c.name, "id", ch.id, "error", err)
			w = nil
		}
		obs.enqueue(event{change: ch, write: w})
	}
}

func (c *Collection) addObserverLocked(obs *observer) {
	c.observers[obs] = struct{}{}
}

func (c *Collection) removeObserver(obs *observer) {
	c.mu.Lock()
	delete(c.observers, obs)
	c.mu.Unlock()
	obs.stop()
}

func (c *Collection) stopObservers() {
	c.mu.Lock()
	observers := c.observers
	c.observers = make(map[*observer]struct{})
	c.mu.Unlock()
	for obs := range observers {
		obs.stop()
	}
}

// splitID separates "_id" from the other fields and drops undefined values.
func splitID(fields wire.Fields) (string, wire.Fields, error) {
	doc := make(wire.Fields, len(fields))
	var id string
	for k, v := range fields {
		if k == IDField {
			s, ok := v.(string)
			if !ok {
				return "", nil, fmt.Errorf("%w: %s must be a string", ErrInvalidField, IDField)
			}
			id = s
			continue
		}
		if wire.IsUndefined(v) {
			continue
		}
		doc[k] = wire.Clone(v)
	}
	return id, doc, nil
}

func get(b *bbolt.Bucket, id string) (wire.Fields, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decode(data)
}

func put(b *bbolt.Bucket, id string, fields wire.Fields) error {
	data, err := wire.Marshal(map[string]any(fields))
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", id, err)
	}
	return b.Put([]byte(id), data)
}

func decode(data []byte) (wire.Fields, error) {
	var m map[string]any
	if err := wire.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return wire.Fields(m), nil
}
