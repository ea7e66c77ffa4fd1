package store

import (
	"github.com/ddp-protocol/ddp-go/pkg/service"
	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// Selector matches documents whose top-level fields equal the given
// values. "_id" matches the document id.
type Selector map[string]any

// Matches reports whether the document matches the selector.
func (s Selector) Matches(id string, fields wire.Fields) bool {
	for k, want := range s {
		if k == IDField {
			if want != id {
				return false
			}
			continue
		}
		got, ok := fields[k]
		if !ok || !wire.Equal(got, want) {
			return false
		}
	}
	return true
}

// Cursor is a live query over a collection.
type Cursor struct {
	collection *Collection
	selector   Selector
}

// Compile-time interface satisfaction check.
var _ service.Cursor = (*Cursor)(nil)

// CollectionName returns the name of the queried collection.
func (c *Cursor) CollectionName() string {
	return c.collection.name
}

// Fetch returns the matching documents ordered by id.
func (c *Cursor) Fetch() ([]Document, error) {
	return c.collection.fetch(c.selector)
}

// Count returns the number of matching documents.
func (c *Cursor) Count() (int, error) {
	docs, err := c.Fetch()
	return len(docs), err
}

// PublishCursor sends the matching documents to sub and keeps it updated
// until sub stops. Documents moving into or out of the selector become
// added and removed.
func (c *Cursor) PublishCursor(sub service.PublishTarget) error {
	coll := c.collection

	coll.mu.Lock()
	if coll.db.isClosed() {
		coll.mu.Unlock()
		return ErrClosed
	}
	docs, err := coll.fetch(c.selector)
	if err != nil {
		coll.mu.Unlock()
		return err
	}
	obs := newObserver(c, sub, coll.db.logger)
	coll.addObserverLocked(obs)
	coll.mu.Unlock()

	for _, doc := range docs {
		sub.Added(coll.name, doc.ID, doc.Fields)
	}

	sub.OnStop(func() { coll.removeObserver(obs) })
	go obs.run()
	return nil
}
