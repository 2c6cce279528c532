package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

type ViewState int

const (
	StateIdle ViewState = iota
	StateLoading
	StateReady
)

func (s ViewState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

type ChangeKind string

const (
	ChangeReset   ChangeKind = "reset"
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeUpdated ChangeKind = "updated"
)

// Change describes one mutation of a View's displayed list. A reset carries
// the complete list in Entries.
type Change struct {
	Kind           ChangeKind `json:"type"`
	ConversationID string     `json:"conversation_id"`
	Entry          *Entry     `json:"entry,omitempty"`
	MessageID      string     `json:"message_id,omitempty"`
	Entries        []Entry    `json:"entries,omitempty"`
}

type ViewSnapshot struct {
	State          ViewState
	ConversationID string
	Entries        []Entry
	Err            error
	LiveErr        error
}

// View is the chat window of one participant: it loads a conversation's
// history, follows its live feed and keeps a de-duplicated, ordered list.
//
// Opening a conversation always releases the previous subscription first,
// even when the same conversation is reopened. Work that belongs to an older
// open (history fetches, sender lookups, feed callbacks) is recognised by
// its generation number and dropped.
type View struct {
	svc     *Service
	sub     *Subscriber
	viewer  Identity
	logger  *slog.Logger
	observe func(Change)

	mu             sync.Mutex
	state          ViewState
	conversationID string
	gen            uint64
	timeline       *Timeline
	inflight       map[string]bool // message id -> read flag seen while enriching
	pending        []Event
	refreshing     int
	carried        []Entry // live entries inserted while a refresh was running
	subscription   *Subscription
	liveCtx        context.Context
	cancel         context.CancelFunc
	err            error
	liveErr        error
}

type ViewOption func(*View)

// WithObserver registers fn to receive every Change. fn runs while the view
// is locked and must not call back into the View.
func WithObserver(fn func(Change)) ViewOption { return func(v *View) { v.observe = fn } }

func WithViewLogger(l *slog.Logger) ViewOption { return func(v *View) { v.logger = l } }

func NewView(svc *Service, sub *Subscriber, viewer Identity, opts ...ViewOption) *View {
	v := &View{
		svc:      svc,
		sub:      sub,
		viewer:   viewer,
		timeline: NewTimeline(),
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = svc.Logger()
	}
	v.logger = v.logger.With("viewer", viewer.UserID)
	return v
}

// Open switches the view to conversationID. The live feed is opened before
// history is fetched; events that arrive while loading are held back and
// merged through the seen-id set once history is in place, so a message
// reported by both paths is displayed once.
//
// ctx bounds the loading calls only. The subscription stays open until the
// next Open or Close.
func (v *View) Open(ctx context.Context, conversationID string) error {
	v.mu.Lock()
	prevSub, prevCancel := v.detachLocked()
	v.gen++
	gen := v.gen
	v.state = StateLoading
	v.conversationID = conversationID
	liveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v.liveCtx, v.cancel = liveCtx, cancel
	v.emitLocked(Change{Kind: ChangeReset, ConversationID: conversationID})
	v.mu.Unlock()
	release(prevSub, prevCancel)

	if _, err := v.svc.Conversation(ctx, v.viewer, conversationID); err != nil {
		return v.failLoad(gen, err)
	}

	sub, subErr := v.sub.Subscribe(liveCtx, conversationID, func(ev Event) { v.deliver(gen, ev) })
	if subErr != nil {
		v.logger.Warn("live updates disabled", "conversation_id", conversationID, "err", subErr)
	}
	v.mu.Lock()
	if gen != v.gen {
		v.mu.Unlock()
		release(sub, nil)
		return nil
	}
	v.subscription = sub
	v.liveErr = subErr
	v.mu.Unlock()

	history, err := v.svc.History(ctx, v.viewer, conversationID)
	if err != nil {
		return v.failLoad(gen, err)
	}

	v.mu.Lock()
	if gen != v.gen {
		v.mu.Unlock()
		return nil
	}
	v.timeline.Seed(history)
	pending := v.pending
	v.pending = nil
	v.state = StateReady
	v.emitLocked(Change{Kind: ChangeReset, ConversationID: conversationID, Entries: v.timeline.Entries()})
	for _, ev := range pending {
		v.applyLocked(gen, ev)
	}
	v.mu.Unlock()

	if _, err := v.svc.MarkRead(ctx, v.viewer, conversationID); err != nil {
		v.logger.Warn("mark read failed", "conversation_id", conversationID, "err", err)
	}
	return nil
}

// failLoad leaves the view Ready with the error recorded and no live feed;
// Open can be called again to retry.
func (v *View) failLoad(gen uint64, err error) error {
	v.mu.Lock()
	if gen != v.gen {
		v.mu.Unlock()
		return err
	}
	sub, cancel := v.subscription, v.cancel
	v.subscription, v.cancel = nil, nil
	v.pending = nil
	v.state = StateReady
	v.err = err
	convID := v.conversationID
	v.mu.Unlock()
	release(sub, cancel)
	v.logger.Error("load conversation failed", "conversation_id", convID, "err", err)
	return err
}

// Refresh re-reads the history of the open conversation. On failure the
// current list is kept and the error is recorded. Feed events that arrive
// while the query runs are held back and merged after the new list is in
// place, like during Open.
func (v *View) Refresh(ctx context.Context) error {
	gen, convID, err := v.beginRefresh()
	if err != nil {
		return err
	}
	history, err := v.svc.History(ctx, v.viewer, convID)
	return v.finishRefresh(gen, convID, history, err)
}

func (v *View) beginRefresh() (uint64, string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateReady || v.conversationID == "" {
		return 0, "", ErrNotReady
	}
	v.refreshing++
	return v.gen, v.conversationID, nil
}

func (v *View) finishRefresh(gen uint64, convID string, history []Entry, err error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.gen {
		return nil
	}
	v.refreshing--
	if err != nil {
		v.err = err
		v.logger.Error("refresh failed", "conversation_id", convID, "err", err)
	} else {
		v.err = nil
		v.timeline.Reset()
		v.timeline.Seed(history)
		for _, e := range v.carried {
			v.timeline.Insert(e)
		}
		v.emitLocked(Change{Kind: ChangeReset, ConversationID: convID, Entries: v.timeline.Entries()})
	}
	if v.refreshing == 0 {
		pending := v.pending
		v.pending, v.carried = nil, nil
		for _, ev := range pending {
			v.applyLocked(gen, ev)
		}
	}
	return err
}

func (v *View) deliver(gen uint64, ev Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.gen {
		return
	}
	if v.state == StateLoading || v.refreshing > 0 {
		v.pending = append(v.pending, ev)
		return
	}
	v.applyLocked(gen, ev)
}

func (v *View) applyLocked(gen uint64, ev Event) {
	id := ev.MessageID()
	switch ev.Kind {
	case EventInserted:
		if v.timeline.Has(id) {
			return
		}
		if _, ok := v.inflight[id]; ok {
			return
		}
		v.inflight[id] = false
		go v.enrich(v.liveCtx, gen, ev.Message)

	case EventDeleted:
		delete(v.inflight, id)
		if v.timeline.Remove(id) {
			v.emitLocked(Change{Kind: ChangeRemoved, ConversationID: v.conversationID, MessageID: id})
		}

	case EventUpdated:
		if !ev.Message.IsRead {
			return
		}
		if _, ok := v.inflight[id]; ok {
			v.inflight[id] = true
			return
		}
		if e, changed := v.timeline.MarkRead(id); changed {
			v.emitLocked(Change{Kind: ChangeUpdated, ConversationID: v.conversationID, Entry: &e, MessageID: id})
		}
	}
}

// enrich looks up the sender of a live message and merges it. Membership is
// checked again after the lookup, under the lock, right before insertion.
func (v *View) enrich(ctx context.Context, gen uint64, m Message) {
	sender := PlaceholderProfile(m.SenderID)
	if p, err := v.svc.Profile(ctx, m.SenderID); err != nil {
		v.logger.Warn("showing message with placeholder sender",
			"err", &EnrichmentError{MessageID: m.ID, SenderID: m.SenderID, Err: err})
	} else {
		sender = *p
	}

	v.mu.Lock()
	if gen != v.gen {
		v.mu.Unlock()
		return
	}
	readSeen, ok := v.inflight[m.ID]
	if !ok {
		// deleted while the lookup was running
		v.mu.Unlock()
		return
	}
	delete(v.inflight, m.ID)
	if readSeen {
		m.IsRead = true
	}
	e := Entry{Message: m, Sender: sender}
	if !v.timeline.Insert(e) {
		v.mu.Unlock()
		return
	}
	if v.refreshing > 0 {
		v.carried = append(v.carried, e)
	}
	v.emitLocked(Change{Kind: ChangeAdded, ConversationID: v.conversationID, Entry: &e, MessageID: m.ID})
	convID := v.conversationID
	markRead := m.SenderID != v.viewer.UserID && !m.IsRead
	v.mu.Unlock()

	if markRead {
		if _, err := v.svc.MarkRead(ctx, v.viewer, convID); err != nil {
			v.logger.Warn("mark read failed", "conversation_id", convID, "err", err)
		}
	}
}

// Send posts text to the open conversation. The message shows up through the
// live feed, not through this call.
func (v *View) Send(ctx context.Context, text string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, invalid("message text is empty")
	}
	convID, err := v.readyConversation()
	if err != nil {
		return nil, err
	}
	return v.svc.Send(ctx, v.viewer, convID, text, "")
}

// Delete removes a message from the open conversation (staff only).
func (v *View) Delete(ctx context.Context, messageID string) error {
	if _, err := v.readyConversation(); err != nil {
		return err
	}
	return v.svc.DeleteMessage(ctx, v.viewer, messageID)
}

func (v *View) readyConversation() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateReady || v.err != nil {
		return "", ErrNotReady
	}
	return v.conversationID, nil
}

// Close releases the live feed and returns the view to Idle.
func (v *View) Close() {
	v.mu.Lock()
	sub, cancel := v.detachLocked()
	v.gen++
	v.state = StateIdle
	v.conversationID = ""
	v.mu.Unlock()
	release(sub, cancel)
}

func (v *View) detachLocked() (*Subscription, context.CancelFunc) {
	sub, cancel := v.subscription, v.cancel
	v.subscription, v.cancel, v.liveCtx = nil, nil, nil
	v.timeline.Reset()
	v.inflight = make(map[string]bool)
	v.pending = nil
	v.refreshing, v.carried = 0, nil
	v.err, v.liveErr = nil, nil
	return sub, cancel
}

func release(sub *Subscription, cancel context.CancelFunc) {
	if sub != nil {
		_ = sub.Close()
	}
	if cancel != nil {
		cancel()
	}
}

func (v *View) emitLocked(c Change) {
	if v.observe != nil {
		v.observe(c)
	}
}

func (v *View) Snapshot() ViewSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return ViewSnapshot{
		State:          v.state,
		ConversationID: v.conversationID,
		Entries:        v.timeline.Entries(),
		Err:            v.err,
		LiveErr:        v.liveErr,
	}
}

func (v *View) State() ViewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Live reports whether a feed is currently attached.
func (v *View) Live() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.subscription != nil
}
