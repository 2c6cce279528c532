package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/storefront-support/internal/common"
)

func TestJobCodec(t *testing.T) {
	body, err := encodeJob(UnreadRefreshJob{ConversationID: "01HCONV"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"conversation_id":"01HCONV"}`, string(body))

	job, err := decodeJob(body)
	require.NoError(t, err)
	assert.Equal(t, "01HCONV", job.ConversationID)

	_, err = decodeJob([]byte("not json"))
	assert.Error(t, err)
}

func TestAttempts(t *testing.T) {
	assert.Equal(t, 0, attempts(nil))
	assert.Equal(t, 0, attempts(amqp.Table{}))
	assert.Equal(t, 2, attempts(amqp.Table{attemptsHeader: int32(2)}))
	assert.Equal(t, 4, attempts(amqp.Table{attemptsHeader: int64(4)}))
	assert.Equal(t, 0, attempts(amqp.Table{attemptsHeader: "3"}))
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "chat_unread.retry", RetryQueue("chat_unread"))
	assert.Equal(t, "chat_unread.dlq", DeadLetterQueue("chat_unread"))
}

type ackCall struct {
	tag     uint64
	op      string
	requeue bool
}

type fakeAcker struct {
	mu    sync.Mutex
	calls []ackCall
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.record(ackCall{tag: tag, op: "ack"})
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	a.record(ackCall{tag: tag, op: "nack", requeue: requeue})
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	a.record(ackCall{tag: tag, op: "reject", requeue: requeue})
	return nil
}

func (a *fakeAcker) record(c ackCall) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, c)
}

func (a *fakeAcker) snapshot() []ackCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ackCall, len(a.calls))
	copy(out, a.calls)
	return out
}

func testConsumer(concurrency int) (*Consumer, *[]int) {
	var retried []int
	var mu sync.Mutex
	c := &Consumer{
		cfg:    ConsumerConfig{Queue: "chat_unread", Concurrency: concurrency, MaxAttempts: 3},
		logger: common.DiscardLogger(),
	}
	c.republish = func(_ context.Context, _ amqp.Delivery, attempt int) error {
		mu.Lock()
		defer mu.Unlock()
		retried = append(retried, attempt)
		return nil
	}
	return c, &retried
}

func delivery(acker amqp.Acknowledger, tag uint64, attempt int32) amqp.Delivery {
	body, _ := encodeJob(UnreadRefreshJob{ConversationID: "01HCONV"})
	d := amqp.Delivery{Acknowledger: acker, DeliveryTag: tag, Body: body}
	if attempt > 0 {
		d.Headers = amqp.Table{attemptsHeader: attempt}
	}
	return d
}

func TestServe_ShutdownRequeuesWithoutUsingAttempts(t *testing.T) {
	c, retried := testConsumer(1)
	acker := &fakeAcker{}
	msgs := make(chan amqp.Delivery)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{}, 1)
	handle := func(ctx context.Context, _ UnreadRefreshJob) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	done := make(chan error, 1)
	go func() { done <- c.serve(ctx, msgs, handle) }()

	msgs <- delivery(acker, 1, 0)
	<-started
	// two fill the pool's buffer, the last one blocks the dispatcher
	for tag := uint64(2); tag <= 4; tag++ {
		msgs <- delivery(acker, tag, 0)
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	calls := acker.snapshot()
	require.Len(t, calls, 4)
	tags := make(map[uint64]bool)
	for _, call := range calls {
		assert.Equal(t, "nack", call.op)
		assert.True(t, call.requeue)
		tags[call.tag] = true
	}
	assert.Len(t, tags, 4)
	assert.Empty(t, *retried)
}

func TestServe_FailedJobsRetryThenDeadLetter(t *testing.T) {
	c, retried := testConsumer(1)
	acker := &fakeAcker{}
	msgs := make(chan amqp.Delivery, 4)
	handle := func(context.Context, UnreadRefreshJob) error { return errors.New("db down") }

	msgs <- delivery(acker, 1, 0)
	msgs <- delivery(acker, 2, 2)
	msgs <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 3, Body: []byte("not json")}
	close(msgs)

	err := c.serve(context.Background(), msgs, handle)
	require.Error(t, err)

	assert.Equal(t, []ackCall{
		{tag: 1, op: "ack"},
		{tag: 2, op: "nack"},
		{tag: 3, op: "nack"},
	}, acker.snapshot())
	assert.Equal(t, []int{1}, *retried)
}
