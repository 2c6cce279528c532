package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/storefront-support/internal/testutil"
	"gorm.io/gorm"
)

type fixture struct {
	db   *gorm.DB
	bus  *MemoryBus
	repo *Repo
	svc  *Service
	sub  *Subscriber
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := testutil.OpenSQLite(t)
	require.NoError(t, AutoMigrate(db))
	bus := NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	repo := NewRepo(db, bus, nil)
	return &fixture{
		db:   db,
		bus:  bus,
		repo: repo,
		svc:  NewService(repo, opts...),
		sub:  NewSubscriber(bus, nil),
	}
}

func (f *fixture) user(t *testing.T, id, name string, staff bool) Identity {
	t.Helper()
	require.NoError(t, f.repo.UpsertProfile(context.Background(), &Profile{ID: id, DisplayName: name, IsAdmin: staff}))
	who, err := f.svc.Identify(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, staff, who.Staff)
	return who
}

func (f *fixture) conversation(t *testing.T, customer Identity) string {
	t.Helper()
	conv, err := f.svc.GetOrCreateConversation(context.Background(), customer.UserID)
	require.NoError(t, err)
	return conv.ID
}

func (f *fixture) send(t *testing.T, who Identity, convID, text string) *Message {
	t.Helper()
	m, err := f.svc.Send(context.Background(), who, convID, text, "")
	require.NoError(t, err)
	return m
}

type recordingJobs struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingJobs) PublishUnreadRefresh(_ context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, conversationID)
	return nil
}

func (r *recordingJobs) published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type memoryCache struct {
	mu     sync.Mutex
	counts map[string]int64
	warm   bool
}

func newMemoryCache() *memoryCache { return &memoryCache{counts: make(map[string]int64)} }

func (c *memoryCache) SetAwaitingReply(_ context.Context, conversationID string, n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		delete(c.counts, conversationID)
		return nil
	}
	c.counts[conversationID] = n
	return nil
}

func (c *memoryCache) ReplaceAwaitingReply(_ context.Context, counts map[string]int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[string]int64, len(counts))
	for k, v := range counts {
		if v > 0 {
			c.counts[k] = v
		}
	}
	c.warm = true
	return nil
}

func (c *memoryCache) AwaitingReply(_ context.Context) (map[string]int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out, c.warm, nil
}
