package service

import (
	"sync"
	"testing"
	"time"

	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

func TestDispatcher_StartsInOrder(t *testing.T) {
	var mu sync.Mutex
	var started []string
	done := make(chan struct{}, 3)

	d := newDispatcher(func(msg wire.Inbound, unblock func()) {
		id, _ := msg.String("id")
		mu.Lock()
		started = append(started, id)
		mu.Unlock()
		done <- struct{}{}
	})

	for _, id := range []string{"1", "2", "3"} {
		d.push(wire.Inbound{"msg": "method", "id": id})
	}
	for i := 0; i < 3; i++ {
		<-done
	}

	mu.Lock()
	defer mu.Unlock()
	if len(started) != 3 || started[0] != "1" || started[1] != "2" || started[2] != "3" {
		t.Errorf("start order: got %v", started)
	}
}

func TestDispatcher_UnblockStartsNext(t *testing.T) {
	release := make(chan struct{})
	secondRan := make(chan struct{})

	d := newDispatcher(func(msg wire.Inbound, unblock func()) {
		id, _ := msg.String("id")
		if id == "1" {
			unblock()
			unblock()
			<-release
			return
		}
		close(secondRan)
	})

	d.push(wire.Inbound{"id": "1"})
	d.push(wire.Inbound{"id": "2"})

	select {
	case <-secondRan:
	case <-time.After(time.Second):
		t.Fatal("second message did not start after unblock")
	}
	close(release)
}

func TestDispatcher_CloseDropsQueued(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var ran []string

	d := newDispatcher(func(msg wire.Inbound, unblock func()) {
		id, _ := msg.String("id")
		mu.Lock()
		ran = append(ran, id)
		mu.Unlock()
		<-release
	})

	d.push(wire.Inbound{"id": "1"})
	d.push(wire.Inbound{"id": "2"})
	if d.pending() != 1 {
		t.Errorf("pending: got %d", d.pending())
	}

	d.close()
	d.push(wire.Inbound{"id": "3"})
	close(release)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 1 || ran[0] != "1" {
		t.Errorf("ran: got %v", ran)
	}
}
