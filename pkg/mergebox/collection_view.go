package mergebox

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// ErrDocumentNotFound is returned when a subscription changes or removes a
// document the view never saw added.
var ErrDocumentNotFound = errors.New("document not found in view")

// Callbacks receive the visible deltas of a collection view.
type Callbacks struct {
	Added   func(collection, id string, fields wire.Fields)
	Changed func(collection, id string, fields wire.Fields)
	Removed func(collection, id string)
}

func (c Callbacks) added(collection, id string, fields wire.Fields) {
	if c.Added != nil {
		c.Added(collection, id, fields)
	}
}

// changed drops empty diffs.
func (c Callbacks) changed(collection, id string, fields wire.Fields) {
	if len(fields) > 0 && c.Changed != nil {
		c.Changed(collection, id, fields)
	}
}

func (c Callbacks) removed(collection, id string) {
	if c.Removed != nil {
		c.Removed(collection, id)
	}
}

// CollectionView is a client's merged view of one collection.
type CollectionView struct {
	name      string
	documents map[string]*DocumentView
	callbacks Callbacks
}

// NewCollectionView creates an empty view of the named collection.
func NewCollectionView(name string, callbacks Callbacks) *CollectionView {
	return &CollectionView{
		name:      name,
		documents: make(map[string]*DocumentView),
		callbacks: callbacks,
	}
}

// Name returns the collection name.
func (c *CollectionView) Name() string {
	return c.name
}

// IsEmpty reports whether the view holds no documents.
func (c *CollectionView) IsEmpty() bool {
	return len(c.documents) == 0
}

// Len returns the number of visible documents.
func (c *CollectionView) Len() int {
	return len(c.documents)
}

// Document returns the view of a document.
func (c *CollectionView) Document(id string) (*DocumentView, bool) {
	d, ok := c.documents[id]
	return d, ok
}

// IDs returns the ids of all visible documents, sorted.
func (c *CollectionView) IDs() []string {
	ids := make([]string, 0, len(c.documents))
	for id := range c.documents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Added records that the subscription with handle added a document. The
// client sees an added for a new document and a changed when handle joins
// an already visible one.
func (c *CollectionView) Added(handle, id string, fields wire.Fields) {
	doc, exists := c.documents[id]
	if !exists {
		doc = NewDocumentView()
		c.documents[id] = doc
	}
	doc.existsIn[handle] = struct{}{}

	collector := make(wire.Fields, len(fields))
	for _, key := range sortedKeys(fields) {
		doc.ChangeField(handle, key, fields[key], collector, true)
	}

	if !exists {
		c.callbacks.added(c.name, id, collector)
	} else {
		c.callbacks.changed(c.name, id, collector)
	}
}

// Changed applies handle's field changes to a document. A wire.Undefined
// value clears the field.
func (c *CollectionView) Changed(handle, id string, fields wire.Fields) error {
	doc, ok := c.documents[id]
	if !ok {
		return fmt.Errorf("could not find element with id %s to change: %w", id, ErrDocumentNotFound)
	}

	collector := make(wire.Fields)
	for _, key := range sortedKeys(fields) {
		value := fields[key]
		if wire.IsUndefined(value) {
			doc.ClearField(handle, key, collector)
		} else {
			doc.ChangeField(handle, key, value, collector, false)
		}
	}
	c.callbacks.changed(c.name, id, collector)
	return nil
}

// Removed withdraws handle from a document. The client sees a removed once
// no subscription holds the document, otherwise a changed for the fields
// that handle was contributing.
func (c *CollectionView) Removed(handle, id string) error {
	doc, ok := c.documents[id]
	if !ok {
		return fmt.Errorf("removed nonexistent document %s: %w", id, ErrDocumentNotFound)
	}

	delete(doc.existsIn, handle)
	if len(doc.existsIn) == 0 {
		c.callbacks.removed(c.name, id)
		delete(c.documents, id)
		return nil
	}

	collector := make(wire.Fields)
	for _, key := range sortedFieldKeys(doc.dataByKey) {
		doc.ClearField(handle, key, collector)
	}
	c.callbacks.changed(c.name, id, collector)
	return nil
}

// Diff emits, through c's callbacks, the deltas that turn previous into c.
// A nil previous is treated as empty.
func (c *CollectionView) Diff(previous *CollectionView) {
	var prevDocs map[string]*DocumentView
	if previous != nil {
		prevDocs = previous.documents
	}

	for _, id := range unionKeys(prevDocs, c.documents) {
		before, inBefore := prevDocs[id]
		now, inNow := c.documents[id]
		switch {
		case inBefore && inNow:
			c.diffDocument(id, before, now)
		case inNow:
			c.callbacks.added(c.name, id, now.Fields())
		default:
			c.callbacks.removed(c.name, id)
		}
	}
}

func (c *CollectionView) diffDocument(id string, before, now *DocumentView) {
	prev := before.Fields()
	next := now.Fields()

	fields := make(wire.Fields)
	for key, v := range next {
		if old, ok := prev[key]; !ok || !wire.Equal(old, v) {
			fields[key] = v
		}
	}
	for key := range prev {
		if _, ok := next[key]; !ok {
			fields[key] = wire.Undefined
		}
	}
	c.callbacks.changed(c.name, id, fields)
}

// DiffViews emits the deltas that turn the before set of collection views
// into the after set. Collections missing from after are diffed against an
// empty view carrying callbacks.
func DiffViews(before, after map[string]*CollectionView, callbacks Callbacks) {
	for _, name := range unionKeys(before, after) {
		prev := before[name]
		next, ok := after[name]
		if !ok {
			next = NewCollectionView(name, callbacks)
		}
		next.Diff(prev)
	}
}

func sortedKeys(fields wire.Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFieldKeys(m map[string][]precedence) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func unionKeys[V any](a, b map[string]V) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for _, m := range []map[string]V{a, b} {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
