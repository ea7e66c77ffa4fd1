// Package mergebox merges the document views of many subscriptions into the
// single view a client sees.
//
// Each subscription on a connection publishes its own opinion of the
// documents it cares about. A DocumentView keeps, per field, the ordered list
// of subscriptions asserting a value; the earliest surviving contributor
// wins. A CollectionView owns the DocumentViews of one collection and turns
// per-subscription mutations into the minimal added/changed/removed deltas
// the client has to receive.
//
// Views are owned by one connection and are not safe for concurrent use;
// callers serialize mutations together with the delivery of the resulting
// callbacks.
package mergebox
