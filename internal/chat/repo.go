package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/suPer8Hu/storefront-support/internal/common"
	"gorm.io/gorm"
)

// Repo is the row store for conversations, messages and profiles. Every
// message write is announced on the change bus once it has committed.
type Repo struct {
	db     *gorm.DB
	bus    ChangeBus
	logger *slog.Logger
}

func NewRepo(db *gorm.DB, bus ChangeBus, logger *slog.Logger) *Repo {
	if logger == nil {
		logger = common.DiscardLogger()
	}
	return &Repo{db: db, bus: bus, logger: logger}
}

// AutoMigrate creates or updates the chat tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

func (r *Repo) publish(ctx context.Context, ev Event) {
	if r.bus == nil {
		return
	}
	// The row is already committed; a lost notification must not fail the write.
	if err := r.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Warn("change feed publish failed",
			"kind", ev.Kind, "conversation_id", ev.ConversationID, "message_id", ev.MessageID(), "err", err)
	}
}

// Profiles

func (r *Repo) GetProfile(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	if err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProfiles returns the profiles found for ids, keyed by id.
func (r *Repo) GetProfiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	out := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var ps []Profile
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&ps).Error; err != nil {
		return nil, err
	}
	for _, p := range ps {
		out[p.ID] = p
	}
	return out, nil
}

func (r *Repo) UpsertProfile(ctx context.Context, p *Profile) error {
	return r.db.WithContext(ctx).Save(p).Error
}

// Conversations

func (r *Repo) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) GetConversationByOwner(ctx context.Context, userID string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) CreateConversation(ctx context.Context, c *Conversation) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// CreateConversationOrGetExisting inserts c, but if the owner already has a
// conversation (unique user_id) it returns that one instead.
func (r *Repo) CreateConversationOrGetExisting(ctx context.Context, c *Conversation) (*Conversation, bool, error) {
	err := r.CreateConversation(ctx, c)
	if err == nil {
		return c, true, nil
	}

	existing, getErr := r.GetConversationByOwner(ctx, c.UserID)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// ListConversations returns conversations with the most recent activity first;
// conversations without messages come last.
func (r *Repo) ListConversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := r.db.WithContext(ctx).
		Order("CASE WHEN last_message_at IS NULL THEN 1 ELSE 0 END").
		Order("last_message_at DESC").
		Order("created_at DESC").
		Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

// Messages

// InsertMessage stores m and bumps the conversation's last_message_at in the
// same transaction.
func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&Conversation{}).
			Where("id = ?", m.ConversationID).
			Update("last_message_at", m.CreatedAt).Error
	})
	if err != nil {
		return err
	}
	r.publish(ctx, Event{Kind: EventInserted, ConversationID: m.ConversationID, Message: *m})
	return nil
}

func (r *Repo) GetMessageByIdempotencyKey(ctx context.Context, conversationID, senderID, key string) (*Message, error) {
	var m Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND sender_id = ? AND idempotency_key = ?", conversationID, senderID, key).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessageOrGetExisting behaves like InsertMessage, except that when
// (conversation_id, sender_id, idempotency_key) already exists the stored
// message is returned and nothing is written.
func (r *Repo) InsertMessageOrGetExisting(ctx context.Context, m *Message) (*Message, bool, error) {
	if m.IdempotencyKey == nil || *m.IdempotencyKey == "" {
		m.IdempotencyKey = nil
		if err := r.InsertMessage(ctx, m); err != nil {
			return nil, false, err
		}
		return m, true, nil
	}

	err := r.InsertMessage(ctx, m)
	if err == nil {
		return m, true, nil
	}

	existing, getErr := r.GetMessageByIdempotencyKey(ctx, m.ConversationID, m.SenderID, *m.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns every message of a conversation in ASC (created_at, id) order.
func (r *Repo) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	// drivers disagree on sub-second precision; keep the total order exact
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
	return msgs, nil
}

// MarkRead flips is_read on every unread message in the conversation that was
// not sent by viewerID and returns the number of messages changed.
func (r *Repo) MarkRead(ctx context.Context, conversationID, viewerID string) (int64, error) {
	var unread []Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, viewerID, false).
		Find(&unread).Error; err != nil {
		return 0, err
	}
	if len(unread) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(unread))
	for _, m := range unread {
		ids = append(ids, m.ID)
	}
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("id IN ? AND is_read = ?", ids, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, res.Error
	}

	for _, m := range unread {
		m.IsRead = true
		r.publish(ctx, Event{Kind: EventUpdated, ConversationID: conversationID, Message: m})
	}
	return res.RowsAffected, nil
}

// DeleteMessage hard-deletes a message and returns the removed row.
func (r *Repo) DeleteMessage(ctx context.Context, id string) (*Message, error) {
	m, err := r.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	res := r.db.WithContext(ctx).Delete(&Message{}, "id = ?", id)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	r.publish(ctx, Event{Kind: EventDeleted, ConversationID: m.ConversationID, Message: *m})
	return m, nil
}

// Unread counts

func (r *Repo) CountUnread(ctx context.Context, conversationID, viewerID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, viewerID, false).
		Count(&n).Error
	return n, err
}

// CountUnreadByConversation counts, per conversation, the unread messages not
// sent by viewerID. Conversations without unread messages are absent.
func (r *Repo) CountUnreadByConversation(ctx context.Context, viewerID string, conversationIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		ConversationID string
		N              int64
	}
	if err := r.db.WithContext(ctx).Model(&Message{}).
		Select("conversation_id, COUNT(*) AS n").
		Where("conversation_id IN ? AND sender_id <> ? AND is_read = ?", conversationIDs, viewerID, false).
		Group("conversation_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ConversationID] = row.N
	}
	return out, nil
}

// CountAwaitingReply counts unread messages written by the conversation's owner.
func (r *Repo) CountAwaitingReply(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Where("messages.conversation_id = ? AND messages.sender_id = conversations.user_id AND messages.is_read = ?", conversationID, false).
		Count(&n).Error
	return n, err
}

// CountAwaitingReplyAll is CountAwaitingReply for every conversation that has
// at least one such message.
func (r *Repo) CountAwaitingReplyAll(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		ConversationID string
		N              int64
	}
	if err := r.db.WithContext(ctx).Model(&Message{}).
		Select("messages.conversation_id AS conversation_id, COUNT(*) AS n").
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Where("messages.sender_id = conversations.user_id AND messages.is_read = ?", false).
		Group("messages.conversation_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.ConversationID] = row.N
	}
	return out, nil
}

func newMessage(conversationID, senderID, content string, now time.Time) (*Message, error) {
	now = now.UTC().Truncate(time.Millisecond)
	id, err := common.NewULIDAt(now)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		IsRead:         false,
		CreatedAt:      now,
	}, nil
}
