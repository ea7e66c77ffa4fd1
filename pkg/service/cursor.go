package service

import (
	"context"
	"fmt"

	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// PublishTarget is the part of a Subscription a cursor publishes into.
type PublishTarget interface {
	Added(collection, id string, fields wire.Fields)
	Changed(collection, id string, fields wire.Fields) error
	Removed(collection, id string) error
	OnStop(fn func())
	Context() context.Context
}

// Compile-time interface satisfaction check.
var _ PublishTarget = (*Subscription)(nil)

// Cursor is a query result that can feed a subscription.
//
// PublishCursor sends the current documents with Added and keeps the
// subscription updated until it stops. It must not call Ready; the
// subscription does that once every returned cursor is attached.
type Cursor interface {
	CollectionName() string
	PublishCursor(sub PublishTarget) error
}

type resultKind uint8

const (
	resultEmpty resultKind = iota
	resultCursors
	resultInvalid
)

// publishResult is a publish handler's return value, classified.
type publishResult struct {
	kind    resultKind
	cursors []Cursor
	err     error
}

func resolvePublishResult(v any) publishResult {
	switch r := v.(type) {
	case nil:
		return publishResult{kind: resultEmpty}
	case Cursor:
		return publishResult{kind: resultCursors, cursors: []Cursor{r}}
	case []Cursor:
		return checkDistinctCollections(r)
	case []any:
		cursors := make([]Cursor, 0, len(r))
		for _, item := range r {
			c, ok := item.(Cursor)
			if !ok {
				return publishResult{kind: resultInvalid, err: ErrNonCursorArray}
			}
			cursors = append(cursors, c)
		}
		return checkDistinctCollections(cursors)
	default:
		return publishResult{kind: resultInvalid, err: ErrInvalidPublishResult}
	}
}

func checkDistinctCollections(cursors []Cursor) publishResult {
	seen := make(map[string]struct{}, len(cursors))
	for _, c := range cursors {
		name := c.CollectionName()
		if _, dup := seen[name]; dup {
			return publishResult{kind: resultInvalid, err: fmt.Errorf("%w %s", ErrDuplicateCursor, name)}
		}
		seen[name] = struct{}{}
	}
	return publishResult{kind: resultCursors, cursors: cursors}
}
