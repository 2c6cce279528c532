package chat

import (
	"context"
	"log/slog"
	"sync"
)

// Inbox is the staff dashboard: every conversation with its unread count,
// plus one open conversation shown in a View.
//
// Counts are loaded in bulk by Load and then kept current one conversation
// at a time from a feed over all conversations. The open conversation is
// read-marked by its View, so its count is settled when it is selected and
// not tracked afterwards.
type Inbox struct {
	svc    *Service
	sub    *Subscriber
	viewer Identity
	logger *slog.Logger
	view   *View
	notify func()

	mu            sync.Mutex
	conversations []ConversationSummary
	unread        map[string]int64
	openID        string
	feed          *Subscription
	starting      bool
	liveCtx       context.Context
	cancel        context.CancelFunc
}

type InboxOption func(*inboxConfig)

type inboxConfig struct {
	notify func()
	view   []ViewOption
}

// WithInboxNotify registers fn to be called after the list or a count
// changed. fn runs without the inbox lock held.
func WithInboxNotify(fn func()) InboxOption {
	return func(c *inboxConfig) { c.notify = fn }
}

func WithInboxViewOptions(opts ...ViewOption) InboxOption {
	return func(c *inboxConfig) { c.view = append(c.view, opts...) }
}

func NewInbox(svc *Service, sub *Subscriber, viewer Identity, opts ...InboxOption) *Inbox {
	var cfg inboxConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	view := NewView(svc, sub, viewer, cfg.view...)
	return &Inbox{
		svc:    svc,
		sub:    sub,
		viewer: viewer,
		logger: view.logger,
		view:   view,
		notify: cfg.notify,
		unread: make(map[string]int64),
	}
}

func (in *Inbox) changed() {
	if in.notify != nil {
		in.notify()
	}
}

// Load fetches the conversation list and all unread counts, and starts
// following changes. Calling it again reloads the list.
func (in *Inbox) Load(ctx context.Context) error {
	if !in.viewer.Staff {
		return ErrForbidden
	}
	list, err := in.svc.ListConversations(ctx, in.viewer)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	counts, err := in.svc.UnreadCounts(ctx, in.viewer, ids)
	if err != nil {
		return err
	}

	in.mu.Lock()
	in.conversations = list
	in.unread = counts
	start := in.feed == nil && !in.starting
	if start {
		in.starting = true
		in.liveCtx, in.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	liveCtx := in.liveCtx
	in.mu.Unlock()
	in.changed()

	if !start {
		return nil
	}
	feed, err := in.sub.Subscribe(liveCtx, "", func(ev Event) { in.onEvent(liveCtx, ev) })

	in.mu.Lock()
	if in.liveCtx != liveCtx {
		// closed while subscribing
		in.mu.Unlock()
		release(feed, nil)
		return nil
	}
	in.starting = false
	if err != nil {
		cancel := in.cancel
		in.liveCtx, in.cancel = nil, nil
		in.mu.Unlock()
		cancel()
		in.logger.Warn("inbox live updates disabled", "err", err)
		return nil
	}
	in.feed = feed
	in.mu.Unlock()
	return nil
}

func (in *Inbox) onEvent(ctx context.Context, ev Event) {
	if ev.Kind == EventInserted || ev.Kind == EventDeleted {
		in.refreshList(ctx)
	}
	in.mu.Lock()
	open := in.openID
	in.mu.Unlock()
	if ev.ConversationID != open {
		in.refreshCount(ctx, ev.ConversationID)
	}
}

func (in *Inbox) refreshList(ctx context.Context) {
	list, err := in.svc.ListConversations(ctx, in.viewer)
	if err != nil {
		in.logger.Warn("refresh conversation list failed", "err", err)
		return
	}
	in.mu.Lock()
	in.conversations = list
	in.mu.Unlock()
	in.changed()
}

func (in *Inbox) refreshCount(ctx context.Context, conversationID string) {
	n, err := in.svc.CountUnread(ctx, in.viewer, conversationID)
	if err != nil {
		in.logger.Warn("refresh unread count failed", "conversation_id", conversationID, "err", err)
		return
	}
	in.mu.Lock()
	in.unread[conversationID] = n
	in.mu.Unlock()
	in.changed()
}

// Select opens a conversation in the inbox's View. Opening read-marks it.
func (in *Inbox) Select(ctx context.Context, conversationID string) error {
	in.mu.Lock()
	in.openID = conversationID
	in.mu.Unlock()

	if err := in.view.Open(ctx, conversationID); err != nil {
		// nothing is open, so the count goes back to being tracked
		in.mu.Lock()
		if in.openID == conversationID {
			in.openID = ""
		}
		in.mu.Unlock()
		in.refreshCount(context.WithoutCancel(ctx), conversationID)
		return err
	}
	in.refreshCount(ctx, conversationID)
	return nil
}

// Send posts to the open conversation and reorders the list, since the
// conversation's last activity changed.
func (in *Inbox) Send(ctx context.Context, text string) (*Message, error) {
	m, err := in.view.Send(ctx, text)
	if err != nil {
		return nil, err
	}
	in.refreshList(ctx)
	return m, nil
}

func (in *Inbox) Delete(ctx context.Context, messageID string) error {
	return in.view.Delete(ctx, messageID)
}

func (in *Inbox) View() *View { return in.view }

func (in *Inbox) Conversations() []ConversationSummary {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]ConversationSummary, len(in.conversations))
	copy(out, in.conversations)
	return out
}

func (in *Inbox) Unread() map[string]int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make(map[string]int64, len(in.unread))
	for k, v := range in.unread {
		out[k] = v
	}
	return out
}

// Close stops following changes and closes the open conversation.
func (in *Inbox) Close() {
	in.mu.Lock()
	feed, cancel := in.feed, in.cancel
	in.feed, in.cancel, in.liveCtx = nil, nil, nil
	in.starting = false
	in.openID = ""
	in.mu.Unlock()
	release(feed, cancel)
	in.view.Close()
}
