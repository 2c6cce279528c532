package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/suPer8Hu/storefront-support/internal/common"
)

// Subscriber opens live feeds of message changes.
type Subscriber struct {
	bus    ChangeBus
	logger *slog.Logger
}

func NewSubscriber(bus ChangeBus, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = common.DiscardLogger()
	}
	return &Subscriber{bus: bus, logger: logger}
}

// Subscription is an open live feed. It must be released with Close.
type Subscription struct {
	conversationID string
	feed           Feed
	stop           chan struct{}
	done           chan struct{}
	once           sync.Once
	closeErr       error
}

// Subscribe opens a feed for one conversation, or for all conversations when
// conversationID is empty. onEvent is called from a single goroutine, one
// event at a time, in feed order. Events still queued when Close is called
// are dropped, but one call may race with Close; callbacks that need a hard
// cut-off guard themselves.
//
// The subscription lives until Close or until ctx ends.
func (s *Subscriber) Subscribe(ctx context.Context, conversationID string, onEvent func(Event)) (*Subscription, error) {
	feed, err := s.bus.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, &RemoteError{Op: "subscribe", Err: err}
	}
	sub := &Subscription{
		conversationID: conversationID,
		feed:           feed,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	go sub.run(ctx, onEvent, s.logger)
	return sub, nil
}

func (sub *Subscription) run(ctx context.Context, onEvent func(Event), logger *slog.Logger) {
	defer close(sub.done)
	events := sub.feed.Events()
	for {
		select {
		case <-sub.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if sub.conversationID != "" && ev.ConversationID != sub.conversationID {
				logger.Debug("dropping event for another conversation",
					"want", sub.conversationID, "got", ev.ConversationID)
				continue
			}
			select {
			case <-sub.stop:
				return
			default:
			}
			onEvent(ev)
		}
	}
}

func (sub *Subscription) ConversationID() string { return sub.conversationID }

// Close releases the feed. Calling it again is a no-op.
func (sub *Subscription) Close() error {
	sub.once.Do(func() {
		close(sub.stop)
		sub.closeErr = sub.feed.Close()
	})
	return sub.closeErr
}

// Done is closed once the delivery goroutine has exited.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }
