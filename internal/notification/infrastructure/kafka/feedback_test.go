package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
	"github.com/dmehra2102/payment-reconciliation/pkg/idempotency"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

// fakeApplier fails its first failures calls with err, or every call when
// failures is zero.
type fakeApplier struct {
	calls    []domain.Feedback
	err      error
	failures int
	onCall   func(n int)
}

func (a *fakeApplier) ApplyFeedback(ctx context.Context, fb domain.Feedback) error {
	a.calls = append(a.calls, fb)
	if a.onCall != nil {
		a.onCall(len(a.calls))
	}
	if a.failures > 0 && len(a.calls) > a.failures {
		return nil
	}
	return a.err
}

func newConsumer(t *testing.T, reader *fakeReader, applier *fakeApplier) *FeedbackConsumer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewFeedbackConsumer(slog.New(slog.NewTextHandler(io.Discard, nil)), reader, applier, idempotency.NewStore(rdb, time.Hour))
	c.backoff = time.Millisecond
	c.hold = time.Millisecond
	return c
}

func msg(offset int64, value string) kafka.Message {
	return kafka.Message{Topic: "notification.feedback", Partition: 0, Offset: offset, Value: []byte(value)}
}

func TestFeedbackConsumerAppliesAndCommits(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		msg(1, `{"recipient":"ada@example.com","kind":"bounce","event_id":7}`),
		msg(2, `not json`),
		msg(1, `{"recipient":"ada@example.com","kind":"bounce","event_id":7}`),
	}}
	applier := &fakeApplier{}
	c := newConsumer(t, reader, applier)

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	require.Len(t, applier.calls, 1)
	assert.Equal(t, "ada@example.com", applier.calls[0].Recipient)
	assert.Equal(t, int64(7), applier.calls[0].EventID)
	assert.Equal(t, []int64{1, 2, 1}, reader.committed)
	assert.True(t, reader.closed)
}

func TestFeedbackConsumerHoldsOffsetUntilApplied(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		msg(5, `{"recipient":"ada@example.com","kind":"complaint"}`),
		msg(6, `{"recipient":"bob@example.com","kind":"bounce"}`),
	}}
	applier := &fakeApplier{err: errors.New("db down"), failures: 4}
	c := newConsumer(t, reader, applier)

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	// three attempts fail, the held message succeeds on its second pass
	require.Len(t, applier.calls, 6)
	assert.Equal(t, "ada@example.com", applier.calls[4].Recipient)
	assert.Equal(t, "bob@example.com", applier.calls[5].Recipient)
	assert.Equal(t, []int64{5, 6}, reader.committed)
}

func TestFeedbackConsumerLeavesFailedOffsetForRedelivery(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		msg(5, `{"recipient":"ada@example.com","kind":"complaint"}`),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	applier := &fakeApplier{err: errors.New("db down"), onCall: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	c := newConsumer(t, reader, applier)

	require.NoError(t, c.Run(ctx))
	assert.Empty(t, reader.committed)

	seen, err := c.seen.Seen(context.Background(), c.seen.KafkaKey("notification.feedback", 0, 5))
	require.NoError(t, err)
	assert.False(t, seen, "a redelivered offset is processed again")
}

func TestFeedbackConsumerDropsInvalidKind(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		msg(9, `{"recipient":"ada@example.com","kind":"opened"}`),
		msg(9, `{"recipient":"ada@example.com","kind":"opened"}`),
	}}
	applier := &fakeApplier{err: domain.ErrValidation}
	c := newConsumer(t, reader, applier)

	_ = c.Run(context.Background())
	assert.Len(t, applier.calls, 1)
	assert.Equal(t, []int64{9, 9}, reader.committed)
}
