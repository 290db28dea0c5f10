package core

import (
	"slices"
	"sync"

	"github.com/vovakirdan/guffghar-rt/internal/store"
)

// roomSequencer releases persisted messages to fan-out in the gateway's
// insertion order. A slot is reserved before the gateway call; a committed
// message waits until every slot reserved ahead of it in the same room has
// resolved, then the ready run is emitted sorted by Seq.
type roomSequencer struct {
	mu    sync.Mutex
	rooms map[string]*roomQueue
}

type roomQueue struct {
	slots    []*seqSlot
	draining bool
}

type seqSlot struct {
	msg  *store.Message
	done bool
}

func newRoomSequencer() *roomSequencer {
	return &roomSequencer{rooms: make(map[string]*roomQueue)}
}

// reserve queues a slot for roomID. It must be resolved exactly once.
func (s *roomSequencer) reserve(roomID string) *seqSlot {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.rooms[roomID]
	if !ok {
		q = &roomQueue{}
		s.rooms[roomID] = q
	}
	sl := &seqSlot{}
	q.slots = append(q.slots, sl)
	return sl
}

// resolve marks sl done with msg (nil when persistence failed) and emits
// every message that is no longer waiting on an earlier slot. Only one
// goroutine drains a room at a time; emit is called without s.mu held.
func (s *roomSequencer) resolve(roomID string, sl *seqSlot, msg *store.Message, emit func(*store.Message)) {
	s.mu.Lock()
	sl.msg = msg
	sl.done = true

	q := s.rooms[roomID]
	if q == nil || q.draining {
		s.mu.Unlock()
		return
	}
	q.draining = true

	for {
		n := 0
		for n < len(q.slots) && q.slots[n].done {
			n++
		}
		if n == 0 {
			break
		}
		ready := make([]*store.Message, 0, n)
		for _, done := range q.slots[:n] {
			if done.msg != nil {
				ready = append(ready, done.msg)
			}
		}
		q.slots = q.slots[n:]
		slices.SortFunc(ready, func(a, b *store.Message) int {
			switch {
			case a.Seq < b.Seq:
				return -1
			case a.Seq > b.Seq:
				return 1
			}
			return 0
		})

		s.mu.Unlock()
		for _, m := range ready {
			emit(m)
		}
		s.mu.Lock()
	}

	q.draining = false
	if len(q.slots) == 0 {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()
}

func (s *roomSequencer) pending(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.rooms[roomID]; ok {
		return len(q.slots)
	}
	return 0
}
