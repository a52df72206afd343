// README: In-process bus used for single-node deployments and tests.
package notify

import (
	"context"
	"sync"
)

const memoryBuffer = 64

type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*memorySub
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]*memorySub)}
}

// Publish never blocks: a subscriber with a full buffer misses the event.
func (b *MemoryBus) Publish(_ context.Context, topic string, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[topic] {
		select {
		case s.ch <- e:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &memorySub{bus: b, topic: topic, id: b.nextID, ch: make(chan Event, memoryBuffer)}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*memorySub)
	}
	b.subs[topic][s.id] = s
	return s, nil
}

type memorySub struct {
	bus   *MemoryBus
	topic string
	id    int
	ch    chan Event
	once  sync.Once
}

func (s *memorySub) Events() <-chan Event { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.topic], s.id)
		if len(s.bus.subs[s.topic]) == 0 {
			delete(s.bus.subs, s.topic)
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}
