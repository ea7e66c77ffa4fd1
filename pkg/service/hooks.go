package service

import (
	"log/slog"
	"sync"
)

// hookList is an ordered set of registered callbacks that can be removed
// individually.
type hookList[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries []hookEntry[T]
}

type hookEntry[T any] struct {
	id int
	fn T
}

// register adds fn and returns a function removing it again.
func (h *hookList[T]) register(fn T) (stop func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.entries = append(h.entries, hookEntry[T]{id: id, fn: fn})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, e := range h.entries {
			if e.id == id {
				h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
				return
			}
		}
	}
}

// each calls call for every registered hook in registration order. A panic
// in one hook is logged and does not stop the others.
func (h *hookList[T]) each(logger *slog.Logger, what string, call func(T)) {
	h.mu.Lock()
	entries := append([]hookEntry[T](nil), h.entries...)
	h.mu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Exception in "+what+" callback", "panic", r)
				}
			}()
			call(e.fn)
		}()
	}
}
