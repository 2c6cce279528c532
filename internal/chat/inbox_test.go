package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInbox_RequiresStaff(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", "Alice", false)

	in := NewInbox(f.svc, f.sub, alice)
	defer in.Close()
	assert.ErrorIs(t, in.Load(context.Background()), ErrForbidden)
}

func TestInbox_LoadSelectAndLiveCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.user(t, "staff", "Support", true)
	alice := f.user(t, "alice", "Alice", false)
	bob := f.user(t, "bob", "Bob", false)
	conv1 := f.conversation(t, alice)
	conv2 := f.conversation(t, bob)
	for i := 0; i < 3; i++ {
		f.send(t, alice, conv1, "waiting")
	}

	in := NewInbox(f.svc, f.sub, staff)
	defer in.Close()
	require.NoError(t, in.Load(ctx))
	assert.Equal(t, map[string]int64{conv1: 3, conv2: 0}, in.Unread())
	require.Len(t, in.Conversations(), 2)
	assert.Equal(t, conv1, in.Conversations()[0].ID)

	require.NoError(t, in.Select(ctx, conv1))
	assert.EqualValues(t, 0, in.Unread()[conv1])
	assert.Len(t, in.View().Snapshot().Entries, 3)

	// activity elsewhere bumps that conversation's count and moves it up
	f.send(t, bob, conv2, "hello?")
	require.Eventually(t, func() bool {
		list := in.Conversations()
		return in.Unread()[conv2] == 1 && len(list) == 2 && list[0].ID == conv2
	}, waitFor, tick)

	// replying from the inbox moves the open conversation back to the top
	_, err := in.Send(ctx, "sorry for the wait")
	require.NoError(t, err)
	assert.Equal(t, conv1, in.Conversations()[0].ID)
	assert.EqualValues(t, 0, in.Unread()[conv1])
}

func TestInbox_NewConversationAppears(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.user(t, "staff", "Support", true)
	carol := f.user(t, "carol", "Carol", false)

	in := NewInbox(f.svc, f.sub, staff)
	defer in.Close()
	require.NoError(t, in.Load(ctx))
	assert.Empty(t, in.Conversations())

	convID := f.conversation(t, carol)
	f.send(t, carol, convID, "first time here")
	require.Eventually(t, func() bool {
		list := in.Conversations()
		return len(list) == 1 && list[0].ID == convID && in.Unread()[convID] == 1
	}, waitFor, tick)
}

func TestInbox_DeleteThroughOpenView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.user(t, "staff", "Support", true)
	alice := f.user(t, "alice", "Alice", false)
	convID := f.conversation(t, alice)
	m := f.send(t, alice, convID, "spam")

	in := NewInbox(f.svc, f.sub, staff)
	defer in.Close()
	require.NoError(t, in.Load(ctx))
	require.NoError(t, in.Select(ctx, convID))
	require.NoError(t, in.Delete(ctx, m.ID))

	require.Eventually(t, func() bool {
		return len(in.View().Snapshot().Entries) == 0
	}, waitFor, tick)
}

func TestInbox_FailedSelectKeepsCountTracked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.user(t, "staff", "Support", true)
	alice := f.user(t, "alice", "Alice", false)
	convID := f.conversation(t, alice)

	in := NewInbox(f.svc, f.sub, staff)
	defer in.Close()
	require.NoError(t, in.Load(ctx))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, in.Select(cancelled, convID))

	f.send(t, alice, convID, "anyone there?")
	require.Eventually(t, func() bool { return in.Unread()[convID] == 1 }, waitFor, tick)
}

func TestInbox_ConcurrentLoadsShareOneFeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.user(t, "staff", "Support", true)

	in := NewInbox(f.svc, f.sub, staff)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, in.Load(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.bus.Subscribers(""))

	in.Close()
	assert.Zero(t, f.bus.Subscribers(""))
}

func TestInbox_NotifiesOnChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.user(t, "staff", "Support", true)
	alice := f.user(t, "alice", "Alice", false)
	convID := f.conversation(t, alice)

	var calls atomic.Int32
	in := NewInbox(f.svc, f.sub, staff, WithInboxNotify(func() { calls.Add(1) }))
	defer in.Close()
	require.NoError(t, in.Load(ctx))
	require.EqualValues(t, 1, calls.Load())

	f.send(t, alice, convID, "hello")
	require.Eventually(t, func() bool {
		return calls.Load() >= 3 && in.Unread()[convID] == 1
	}, waitFor, tick)
}
