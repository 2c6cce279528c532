package chat

import (
	"context"
	"errors"
	"sync"
)

type EventKind string

const (
	EventInserted EventKind = "INSERT"
	EventUpdated  EventKind = "UPDATE"
	EventDeleted  EventKind = "DELETE"
)

// Event is a row-level change on the messages table. For EventDeleted the
// Message carries the removed row; only its ID is guaranteed.
type Event struct {
	Kind           EventKind `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	Message        Message   `json:"message"`
}

func (e Event) MessageID() string { return e.Message.ID }

// ChangeBus is the publish/subscribe side of the backend. Subscribe with an
// empty conversation id receives events for every conversation.
type ChangeBus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, conversationID string) (Feed, error)
}

// Feed is one live subscription. Events is closed after Close, or when the
// subscription context ends.
type Feed interface {
	Events() <-chan Event
	Close() error
}

var ErrBusClosed = errors.New("chat: change bus closed")

// MemoryBus is an in-process ChangeBus. Publish never blocks on a slow
// subscriber: each feed queues events until its reader catches up.
type MemoryBus struct {
	mu     sync.Mutex
	feeds  map[string]map[*memoryFeed]struct{}
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{feeds: make(map[string]map[*memoryFeed]struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for f := range b.feeds[ev.ConversationID] {
		f.push(ev)
	}
	if ev.ConversationID != "" {
		for f := range b.feeds[""] {
			f.push(ev)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, conversationID string) (Feed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	f := &memoryFeed{
		bus:    b,
		key:    conversationID,
		out:    make(chan Event),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	set, ok := b.feeds[conversationID]
	if !ok {
		set = make(map[*memoryFeed]struct{})
		b.feeds[conversationID] = set
	}
	set[f] = struct{}{}
	go f.pump(ctx)
	return f, nil
}

// Subscribers reports how many feeds are open for a conversation.
func (b *MemoryBus) Subscribers(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.feeds[conversationID])
}

// Close ends every open feed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	feeds := b.feeds
	b.feeds = make(map[string]map[*memoryFeed]struct{})
	b.closed = true
	b.mu.Unlock()
	for _, set := range feeds {
		for f := range set {
			f.stop()
		}
	}
	return nil
}

func (b *MemoryBus) remove(f *memoryFeed) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.feeds[f.key]; ok {
		delete(set, f)
		if len(set) == 0 {
			delete(b.feeds, f.key)
		}
	}
}

type memoryFeed struct {
	bus  *MemoryBus
	key  string
	out  chan Event
	wake chan struct{}

	mu    sync.Mutex
	queue []Event

	once   sync.Once
	closed chan struct{}
}

func (f *memoryFeed) Events() <-chan Event { return f.out }

func (f *memoryFeed) Close() error {
	f.bus.remove(f)
	f.stop()
	return nil
}

func (f *memoryFeed) stop() {
	f.once.Do(func() { close(f.closed) })
}

func (f *memoryFeed) push(ev Event) {
	f.mu.Lock()
	f.queue = append(f.queue, ev)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *memoryFeed) pump(ctx context.Context) {
	defer close(f.out)
	defer f.bus.remove(f)
	for {
		f.mu.Lock()
		var (
			ev  Event
			has bool
		)
		if len(f.queue) > 0 {
			ev, has = f.queue[0], true
			f.queue = f.queue[1:]
		}
		f.mu.Unlock()

		if !has {
			select {
			case <-f.wake:
				continue
			case <-f.closed:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case f.out <- ev:
		case <-f.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}
