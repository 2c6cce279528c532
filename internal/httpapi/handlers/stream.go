package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/storefront-support/internal/chat"
	"github.com/suPer8Hu/storefront-support/internal/common"
)

// changeQueue collects View changes for the SSE writer. The View calls push
// under its own lock, so push never blocks.
type changeQueue struct {
	mu     sync.Mutex
	items  []chat.Change
	notify chan struct{}
}

func newChangeQueue() *changeQueue {
	return &changeQueue{notify: make(chan struct{}, 1)}
}

func (q *changeQueue) push(ch chat.Change) {
	q.mu.Lock()
	q.items = append(q.items, ch)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *changeQueue) drain() []chat.Change {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

const heartbeatInterval = 15 * time.Second

// sseStream switches the response to server-sent events. It fails with a
// normal envelope when the writer cannot flush.
func sseStream(c *gin.Context) (func(event string, payload any), bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming not supported")
		return nil, false
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}
	return writeJSON, true
}

func ping(writeJSON func(string, any)) {
	writeJSON("ping", gin.H{
		"type": "ping",
		"ts":   time.Now().Unix(),
	})
}

// StreamConversation opens a chat view on the conversation and streams its
// changes as server-sent events: a reset with the full list once history is
// loaded, then added/removed/updated changes, with periodic pings. Without a
// live feed the history is re-read on every ping instead.
func (h *Handler) StreamConversation(c *gin.Context) {
	who, okk := h.identity(c)
	if !okk {
		return
	}
	ctx := c.Request.Context()
	convID := c.Param("id")

	// fail with a normal envelope while headers can still be changed
	if _, err := h.ChatSvc.Conversation(ctx, who, convID); err != nil {
		h.writeError(c, "stream", err)
		return
	}

	writeJSON, ok := sseStream(c)
	if !ok {
		return
	}

	queue := newChangeQueue()
	view := chat.NewView(h.ChatSvc, h.Subscriber, who,
		chat.WithObserver(queue.push),
		chat.WithViewLogger(h.Logger),
	)
	defer view.Close()

	if err := view.Open(ctx, convID); err != nil {
		writeJSON("error", gin.H{"type": "error", "message": "failed to load conversation"})
		return
	}
	if !view.Live() {
		writeJSON("warning", gin.H{"type": "warning", "message": "live updates unavailable"})
	}

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	flush := func() {
		for _, ch := range queue.drain() {
			if ch.Kind == chat.ChangeReset && ch.Entries == nil {
				// the empty reset that marks the start of loading
				continue
			}
			writeJSON("change", ch)
		}
	}
	flush()

	for {
		select {
		case <-queue.notify:
			flush()
		case <-ticker.C:
			if !view.Live() {
				// the view logs and records a failed refresh
				_ = view.Refresh(ctx)
			}
			ping(writeJSON)
		case <-ctx.Done():
			return
		}
	}
}

// StreamInbox follows the staff inbox: the conversation list and unread
// counts are sent whole as an "inbox" event after every change.
func (h *Handler) StreamInbox(c *gin.Context) {
	who, okk := h.identity(c)
	if !okk {
		return
	}
	ctx := c.Request.Context()

	wake := make(chan struct{}, 1)
	inbox := chat.NewInbox(h.ChatSvc, h.Subscriber, who,
		chat.WithInboxNotify(func() {
			select {
			case wake <- struct{}{}:
			default:
			}
		}),
		chat.WithInboxViewOptions(chat.WithViewLogger(h.Logger)),
	)
	defer inbox.Close()

	if err := inbox.Load(ctx); err != nil {
		h.writeError(c, "inbox stream", err)
		return
	}

	writeJSON, ok := sseStream(c)
	if !ok {
		return
	}

	send := func() {
		writeJSON("inbox", gin.H{
			"conversations": inbox.Conversations(),
			"unread":        inbox.Unread(),
		})
	}
	select {
	case <-wake:
	default:
	}
	send()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-wake:
			send()
		case <-ticker.C:
			ping(writeJSON)
		case <-ctx.Done():
			return
		}
	}
}
