package ledger

import (
	"context"
	"sync"
)

// Broadcaster is an in-process state.Notifier: every Publish is offered to all
// current subscribers, and slow subscribers miss wakeups rather than block.
type Broadcaster struct {
	mu       sync.RWMutex
	nextID   int
	watchers map[int]chan int64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{watchers: map[int]chan int64{}}
}

func (b *Broadcaster) Publish(_ context.Context, id int64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.watchers {
		select {
		case ch <- id:
		default:
		}
	}
	return nil
}

func (b *Broadcaster) Subscribe(context.Context) (<-chan int64, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan int64, 16)
	b.watchers[id] = ch

	var once sync.Once
	return ch, func() { once.Do(func() { b.unsubscribe(id) }) }, nil
}

func (b *Broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.watchers[id]; ok {
		delete(b.watchers, id)
		close(ch)
	}
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.watchers)
}
