package redisstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/storefront-support/internal/chat"
)

func TestEventCodec_RoundTrip(t *testing.T) {
	created := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	ev := chat.Event{
		Kind:           chat.EventInserted,
		ConversationID: "01HCONV",
		Message: chat.Message{
			ID:             "01HMSG",
			ConversationID: "01HCONV",
			SenderID:       "customer-1",
			Content:        "Hello",
			CreatedAt:      created,
		},
	}

	payload, err := encodeEvent(ev)
	require.NoError(t, err)

	got, err := decodeEvent(channelFor("01HCONV"), string(payload))
	require.NoError(t, err)
	assert.Equal(t, chat.EventInserted, got.Kind)
	assert.Equal(t, "01HMSG", got.MessageID())
	assert.Equal(t, "Hello", got.Message.Content)
	assert.True(t, created.Equal(got.Message.CreatedAt))
}

func TestDecodeEvent_FillsConversationFromChannel(t *testing.T) {
	got, err := decodeEvent("chat:conv:01HCONV", `{"kind":"DELETE","message":{"id":"01HMSG"}}`)
	require.NoError(t, err)
	assert.Equal(t, "01HCONV", got.ConversationID)
	assert.Equal(t, chat.EventDeleted, got.Kind)
}

func TestDecodeEvent_Malformed(t *testing.T) {
	_, err := decodeEvent("chat:conv:x", "{")
	assert.Error(t, err)
}

func TestParseCounts(t *testing.T) {
	got := parseCounts(map[string]string{"a": "3", "b": "0", "c": "oops"})
	assert.Equal(t, map[string]int64{"a": 3}, got)
}
