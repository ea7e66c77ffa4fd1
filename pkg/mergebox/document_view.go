package mergebox

import "github.com/ddp-protocol/ddp-go/pkg/wire"

// idField is never stored in a view. Document ids travel separately.
const idField = "_id"

// precedence is one subscription's value for a field.
type precedence struct {
	handle string
	value  any
}

// DocumentView is the merged view of a single document.
type DocumentView struct {
	existsIn  map[string]struct{}
	dataByKey map[string][]precedence
}

// NewDocumentView creates an empty document view.
func NewDocumentView() *DocumentView {
	return &DocumentView{
		existsIn:  make(map[string]struct{}),
		dataByKey: make(map[string][]precedence),
	}
}

// Fields returns the visible value of every field.
func (d *DocumentView) Fields() wire.Fields {
	out := make(wire.Fields, len(d.dataByKey))
	for key, list := range d.dataByKey {
		out[key] = list[0].value
	}
	return out
}

// ExistsIn reports whether the subscription with handle has added this document.
func (d *DocumentView) ExistsIn(handle string) bool {
	_, ok := d.existsIn[handle]
	return ok
}

// Contributors returns the number of subscriptions that added this document.
func (d *DocumentView) Contributors() int {
	return len(d.existsIn)
}

// ClearField removes handle's value for key. Visible changes are recorded in
// collector: wire.Undefined when the field disappears, the next value when
// another contributor takes over.
func (d *DocumentView) ClearField(handle, key string, collector wire.Fields) {
	if key == idField {
		return
	}
	list, ok := d.dataByKey[key]
	if !ok {
		return
	}

	var removed any
	wasHead := false
	for i, p := range list {
		if p.handle == handle {
			if i == 0 {
				removed = p.value
				wasHead = true
			}
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}

	if len(list) == 0 {
		delete(d.dataByKey, key)
		collector[key] = wire.Undefined
		return
	}
	d.dataByKey[key] = list
	if wasHead && !wire.Equal(removed, list[0].value) {
		collector[key] = list[0].value
	}
}

// ChangeField records handle's value for key. A first value for the key is
// always visible. With isAdd a new contributor entry is appended without
// looking for an existing one. Otherwise handle's entry is updated in place
// and the change is visible only when handle holds precedence.
func (d *DocumentView) ChangeField(handle, key string, value any, collector wire.Fields, isAdd bool) {
	if key == idField {
		return
	}
	value = wire.Clone(value)

	list, ok := d.dataByKey[key]
	if !ok {
		d.dataByKey[key] = []precedence{{handle: handle, value: value}}
		collector[key] = value
		return
	}

	if !isAdd {
		for i := range list {
			if list[i].handle != handle {
				continue
			}
			if i == 0 && !wire.Equal(value, list[i].value) {
				collector[key] = value
			}
			list[i].value = value
			return
		}
	}
	d.dataByKey[key] = append(list, precedence{handle: handle, value: value})
}
