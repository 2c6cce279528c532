package chat

import (
	"encoding/json"
	"strings"
	"time"
)

type Conversation struct {
	ID            string     `gorm:"type:varchar(26);primaryKey" json:"id"`
	UserID        string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"`
	LastMessageAt *time.Time `gorm:"index" json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (Conversation) TableName() string { return "conversations" }

type Message struct {
	ID             string    `gorm:"type:varchar(26);primaryKey" json:"id"`
	ConversationID string    `gorm:"type:varchar(26);not null;index:idx_messages_conv_created,priority:1;index:uniq_messages_idempo,unique,priority:1" json:"conversation_id"`
	SenderID       string    `gorm:"type:varchar(64);not null;index;index:uniq_messages_idempo,unique,priority:2" json:"sender_id"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	IsRead         bool      `gorm:"not null;default:false;index" json:"is_read"`
	IdempotencyKey *string   `gorm:"type:varchar(128);index:uniq_messages_idempo,unique,priority:3" json:"-"`
	CreatedAt      time.Time `gorm:"index:idx_messages_conv_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// Before reports whether m sorts before o: by creation time, ties by id.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

type Profile struct {
	ID          string `gorm:"type:varchar(64);primaryKey" json:"id"`
	Username    string `gorm:"type:varchar(64)" json:"username"`
	Email       string `gorm:"type:varchar(255);index" json:"email"`
	DisplayName string `gorm:"type:varchar(128)" json:"display_name"`
	IsAdmin     bool   `gorm:"not null;default:false" json:"is_admin"`
}

func (Profile) TableName() string { return "profiles" }

// Name picks the label shown for a profile in the chat UI.
func (p Profile) Name() string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Username != "":
		return p.Username
	case p.Email != "":
		local, _, _ := strings.Cut(p.Email, "@")
		return local
	}
	return "Customer"
}

// MarshalJSON adds the display name next to the stored fields.
func (p Profile) MarshalJSON() ([]byte, error) {
	type plain Profile
	return json.Marshal(struct {
		plain
		Name string `json:"name"`
	}{plain(p), p.Name()})
}

// PlaceholderProfile stands in for a sender whose profile could not be loaded.
func PlaceholderProfile(id string) Profile {
	return Profile{ID: id}
}

// Entry is a message paired with its sender, ready for display.
type Entry struct {
	Message Message `json:"message"`
	Sender  Profile `json:"sender"`
}

// ConversationSummary is a conversation row joined with its owner's profile.
type ConversationSummary struct {
	Conversation
	Owner Profile `json:"user"`
}

// Identity is the caller on whose behalf an operation runs.
type Identity struct {
	UserID string
	Staff  bool
}

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{&Profile{}, &Conversation{}, &Message{}}
}
