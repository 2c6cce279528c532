package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/storefront-support/internal/chat"
)

const channelPrefix = "chat:conv:"

// Bus carries message change events over Redis pub/sub, one channel per
// conversation. Subscribing to all conversations uses a pattern subscription.
type Bus struct {
	store  *Store
	logger *slog.Logger
}

func (s *Store) Bus(logger *slog.Logger) *Bus {
	return &Bus{store: s, logger: logger}
}

func channelFor(conversationID string) string {
	return channelPrefix + conversationID
}

func encodeEvent(ev chat.Event) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeEvent(channel, payload string) (chat.Event, error) {
	var ev chat.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return chat.Event{}, fmt.Errorf("decode event on %s: %w", channel, err)
	}
	if ev.ConversationID == "" {
		ev.ConversationID = strings.TrimPrefix(channel, channelPrefix)
	}
	return ev, nil
}

func (b *Bus) Publish(ctx context.Context, ev chat.Event) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return b.store.client.Publish(ctx, channelFor(ev.ConversationID), payload).Err()
}

func (b *Bus) Subscribe(ctx context.Context, conversationID string) (chat.Feed, error) {
	var ps *redis.PubSub
	if conversationID == "" {
		ps = b.store.client.PSubscribe(ctx, channelPrefix+"*")
	} else {
		ps = b.store.client.Subscribe(ctx, channelFor(conversationID))
	}
	// wait for the subscription to be confirmed so no publish after this
	// call returns can be missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	f := &feed{
		ps:     ps,
		out:    make(chan chat.Event),
		closed: make(chan struct{}),
	}
	go f.pump(ctx, b.logger)
	return f, nil
}

type feed struct {
	ps     *redis.PubSub
	out    chan chat.Event
	once   sync.Once
	closed chan struct{}
}

func (f *feed) Events() <-chan chat.Event { return f.out }

func (f *feed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.closed)
		err = f.ps.Close()
	})
	return err
}

func (f *feed) pump(ctx context.Context, logger *slog.Logger) {
	defer close(f.out)
	msgs := f.ps.Channel()
	for {
		select {
		case <-f.closed:
			return
		case <-ctx.Done():
			_ = f.Close()
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			ev, err := decodeEvent(msg.Channel, msg.Payload)
			if err != nil {
				logger.Warn("dropping malformed change event", "err", err)
				continue
			}
			select {
			case f.out <- ev:
			case <-f.closed:
				return
			case <-ctx.Done():
				_ = f.Close()
				return
			}
		}
	}
}
