package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/suPer8Hu/storefront-support/internal/common"
	"gorm.io/gorm"
)

// JobPublisher enqueues background work triggered by chat writes.
type JobPublisher interface {
	PublishUnreadRefresh(ctx context.Context, conversationID string) error
}

// UnreadCache holds the per-conversation count of customer messages awaiting
// a staff reply. The cache is warm only after ReplaceAwaitingReply has stored
// a complete set; until then AwaitingReply reports warm=false and single
// conversation updates alone are not trusted as the full answer.
type UnreadCache interface {
	SetAwaitingReply(ctx context.Context, conversationID string, n int64) error
	ReplaceAwaitingReply(ctx context.Context, counts map[string]int64) error
	AwaitingReply(ctx context.Context) (counts map[string]int64, warm bool, err error)
}

type Service struct {
	repo   *Repo
	jobs   JobPublisher
	cache  UnreadCache
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithJobPublisher(p JobPublisher) Option { return func(s *Service) { s.jobs = p } }

func WithUnreadCache(c UnreadCache) Option { return func(s *Service) { s.cache = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(repo *Repo, opts ...Option) *Service {
	s := &Service{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = common.DiscardLogger()
	}
	return s
}

func (s *Service) Logger() *slog.Logger { return s.logger }

// remote classifies a repo error: missing rows become ErrNotFound, anything
// else is a RemoteError.
func remote(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return &RemoteError{Op: op, Err: err}
}

func validID(id string) bool {
	return strings.TrimSpace(id) != "" && len(id) <= 64
}

// Identify resolves the caller. A user without a profile row is a customer.
func (s *Service) Identify(ctx context.Context, userID string) (Identity, error) {
	if !validID(userID) {
		return Identity{}, invalid("user id %q", userID)
	}
	p, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Identity{UserID: userID}, nil
		}
		return Identity{}, remote("get profile", err)
	}
	return Identity{UserID: userID, Staff: p.IsAdmin}, nil
}

// Profile returns the profile of userID.
func (s *Service) Profile(ctx context.Context, userID string) (*Profile, error) {
	p, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, remote("get profile", err)
	}
	return p, nil
}

// GetOrCreateConversation returns the customer's conversation, creating it on
// first access. Concurrent first calls converge on one row through the unique
// owner index.
func (s *Service) GetOrCreateConversation(ctx context.Context, customerID string) (*Conversation, error) {
	if !validID(customerID) {
		return nil, invalid("customer id %q", customerID)
	}
	conv, err := s.repo.GetConversationByOwner(ctx, customerID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, remote("get conversation", err)
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	id, err := common.NewULIDAt(now)
	if err != nil {
		return nil, err
	}
	conv, created, err := s.repo.CreateConversationOrGetExisting(ctx, &Conversation{
		ID:        id,
		UserID:    customerID,
		CreatedAt: now,
	})
	if err != nil {
		return nil, remote("create conversation", err)
	}
	if created {
		s.logger.Info("conversation created", "conversation_id", conv.ID, "user_id", customerID)
	}
	return conv, nil
}

// Conversation returns a conversation the caller may access. Customers only
// see their own; for anything else they get ErrNotFound.
func (s *Service) Conversation(ctx context.Context, who Identity, conversationID string) (*Conversation, error) {
	if !validID(conversationID) {
		return nil, invalid("conversation id %q", conversationID)
	}
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, remote("get conversation", err)
	}
	if !who.Staff && conv.UserID != who.UserID {
		return nil, ErrNotFound
	}
	return conv, nil
}

// ListConversations is the staff conversation list, most recent activity first.
func (s *Service) ListConversations(ctx context.Context, who Identity) ([]ConversationSummary, error) {
	if !who.Staff {
		return nil, ErrForbidden
	}
	convs, err := s.repo.ListConversations(ctx)
	if err != nil {
		return nil, remote("list conversations", err)
	}
	owners := make([]string, 0, len(convs))
	for _, c := range convs {
		owners = append(owners, c.UserID)
	}
	profiles, err := s.repo.GetProfiles(ctx, owners)
	if err != nil {
		return nil, remote("get profiles", err)
	}

	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		owner, ok := profiles[c.UserID]
		if !ok {
			owner = PlaceholderProfile(c.UserID)
		}
		out = append(out, ConversationSummary{Conversation: c, Owner: owner})
	}
	return out, nil
}

// History returns every message of the conversation, oldest first, each with
// its sender.
func (s *Service) History(ctx context.Context, who Identity, conversationID string) ([]Entry, error) {
	if _, err := s.Conversation(ctx, who, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, remote("list messages", err)
	}

	senders := make([]string, 0, 2)
	seen := make(map[string]struct{}, 2)
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; !ok {
			seen[m.SenderID] = struct{}{}
			senders = append(senders, m.SenderID)
		}
	}
	profiles, err := s.repo.GetProfiles(ctx, senders)
	if err != nil {
		return nil, remote("get profiles", err)
	}

	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		sender, ok := profiles[m.SenderID]
		if !ok {
			sender = PlaceholderProfile(m.SenderID)
		}
		out = append(out, Entry{Message: m, Sender: sender})
	}
	return out, nil
}

// Send appends a message from the caller. Blank text is rejected before any
// store access. A non-empty idempotencyKey makes retries return the message
// stored by the first attempt.
func (s *Service) Send(ctx context.Context, who Identity, conversationID, text, idempotencyKey string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, invalid("message text is empty")
	}
	if len(idempotencyKey) > 128 {
		return nil, invalid("idempotency key too long")
	}
	if _, err := s.Conversation(ctx, who, conversationID); err != nil {
		return nil, err
	}

	m, err := newMessage(conversationID, who.UserID, text, s.now())
	if err != nil {
		return nil, err
	}
	if idempotencyKey != "" {
		m.IdempotencyKey = &idempotencyKey
	}

	stored, created, err := s.repo.InsertMessageOrGetExisting(ctx, m)
	if err != nil {
		return nil, remote("insert message", err)
	}
	if created {
		s.enqueueUnreadRefresh(ctx, conversationID)
	}
	return stored, nil
}

// MarkRead marks every message in the conversation not sent by the caller as
// read and returns how many changed.
func (s *Service) MarkRead(ctx context.Context, who Identity, conversationID string) (int64, error) {
	if _, err := s.Conversation(ctx, who, conversationID); err != nil {
		return 0, err
	}
	n, err := s.repo.MarkRead(ctx, conversationID, who.UserID)
	if err != nil {
		return 0, remote("mark read", err)
	}
	if n > 0 {
		s.enqueueUnreadRefresh(ctx, conversationID)
	}
	return n, nil
}

// DeleteMessage hard-deletes a message. Only staff may delete, and they may
// delete any message.
func (s *Service) DeleteMessage(ctx context.Context, who Identity, messageID string) error {
	if !validID(messageID) {
		return invalid("message id %q", messageID)
	}
	if !who.Staff {
		return ErrForbidden
	}
	m, err := s.repo.DeleteMessage(ctx, messageID)
	if err != nil {
		return remote("delete message", err)
	}
	s.logger.Info("message deleted",
		"message_id", m.ID, "conversation_id", m.ConversationID, "by", who.UserID)
	s.enqueueUnreadRefresh(ctx, m.ConversationID)
	return nil
}

// CountUnread counts the messages in the conversation that the caller has not
// sent and nobody has marked read.
func (s *Service) CountUnread(ctx context.Context, who Identity, conversationID string) (int64, error) {
	if _, err := s.Conversation(ctx, who, conversationID); err != nil {
		return 0, err
	}
	n, err := s.repo.CountUnread(ctx, conversationID, who.UserID)
	if err != nil {
		return 0, remote("count unread", err)
	}
	return n, nil
}

// UnreadCounts is CountUnread for many conversations at once. Every requested
// id is present in the result.
func (s *Service) UnreadCounts(ctx context.Context, who Identity, conversationIDs []string) (map[string]int64, error) {
	if !who.Staff {
		return nil, ErrForbidden
	}
	counts, err := s.repo.CountUnreadByConversation(ctx, who.UserID, conversationIDs)
	if err != nil {
		return nil, remote("count unread", err)
	}
	for _, id := range conversationIDs {
		if _, ok := counts[id]; !ok {
			counts[id] = 0
		}
	}
	return counts, nil
}

// AwaitingReply returns, per conversation, how many customer messages no
// staff member has read yet. A warm cache answers directly; otherwise the
// store is counted and the result warms the cache.
func (s *Service) AwaitingReply(ctx context.Context, who Identity) (map[string]int64, error) {
	if !who.Staff {
		return nil, ErrForbidden
	}
	if s.cache != nil {
		cached, warm, err := s.cache.AwaitingReply(ctx)
		if err != nil {
			s.logger.Warn("unread cache read failed, using store", "err", err)
		} else if warm {
			return cached, nil
		}
	}
	counts, err := s.repo.CountAwaitingReplyAll(ctx)
	if err != nil {
		return nil, remote("count awaiting reply", err)
	}
	if s.cache != nil {
		if err := s.cache.ReplaceAwaitingReply(ctx, counts); err != nil {
			s.logger.Warn("unread cache warm failed", "err", err)
		}
	}
	return counts, nil
}

// RefreshAwaitingReply recomputes one conversation's awaiting-reply count and
// writes it to the cache.
func (s *Service) RefreshAwaitingReply(ctx context.Context, conversationID string) (int64, error) {
	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		return 0, remote("get conversation", err)
	}
	n, err := s.repo.CountAwaitingReply(ctx, conversationID)
	if err != nil {
		return 0, remote("count awaiting reply", err)
	}
	if s.cache != nil {
		if err := s.cache.SetAwaitingReply(ctx, conversationID, n); err != nil {
			return 0, &RemoteError{Op: "cache awaiting reply", Err: err}
		}
	}
	return n, nil
}

func (s *Service) enqueueUnreadRefresh(ctx context.Context, conversationID string) {
	if s.jobs == nil {
		return
	}
	if err := s.jobs.PublishUnreadRefresh(ctx, conversationID); err != nil {
		s.logger.Warn("enqueue unread refresh failed", "conversation_id", conversationID, "err", err)
	}
}
