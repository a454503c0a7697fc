package database

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStream struct {
	mock.Mock
}

func (m *mockStream) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	mockArgs := m.Called(ctx, args)
	cmd := redis.NewStringCmd(ctx)
	if err := mockArgs.Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal("1234567890-0")
	}
	return cmd
}

type mockOutbox struct {
	mock.Mock
}

func (m *mockOutbox) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*OutboxEvent), args.Error(1)
}

func (m *mockOutbox) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockOutbox) MarkFailed(ctx context.Context, id uuid.UUID, err error) error {
	return m.Called(ctx, id, err).Error(0)
}

// streamField reads one flat field of a stream entry.
func streamField(args *redis.XAddArgs, key string) interface{} {
	values, ok := args.Values.(map[string]interface{})
	if !ok {
		return nil
	}
	return values[key]
}

// decodeEnvelope decodes the data field of a stream entry.
func decodeEnvelope(t *testing.T, args *redis.XAddArgs) envelope {
	t.Helper()
	raw, ok := streamField(args, "data").(string)
	require.True(t, ok, "data field is not a string")

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	return env
}

func productEvent(sku string) *OutboxEvent {
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "product",
		AggregateID:   sku,
		EventType:     "PRODUCT_SCRAPED",
		Payload:       json.RawMessage(`{"sku":"` + sku + `"}`),
		TargetStream:  "stream:metro_products",
		CreatedAt:     time.Now(),
	}
}

func byAggregate(id string) interface{} {
	return mock.MatchedBy(func(args *redis.XAddArgs) bool {
		return streamField(args, "aggregate_id") == id
	})
}

func TestRelay_ProcessEvents(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	t.Run("publishes each event to its stream", func(t *testing.T) {
		stream := new(mockStream)
		outbox := new(mockOutbox)
		relay := NewRelay(outbox, stream, logger, RelayConfig{BatchSize: 10})

		events := []*OutboxEvent{productEvent("1001"), productEvent("1002")}
		outbox.On("GetPending", ctx, 10).Return(events, nil)

		for _, event := range events {
			stream.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
				return args.Stream == event.TargetStream &&
					streamField(args, "event_type") == event.EventType &&
					streamField(args, "aggregate_id") == event.AggregateID
			})).Return(nil)
			outbox.On("MarkProcessed", ctx, event.ID).Return(nil)
		}

		n, err := relay.processEvents(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		stream.AssertExpectations(t)
		outbox.AssertExpectations(t)
	})

	t.Run("publish failure marks the event failed", func(t *testing.T) {
		stream := new(mockStream)
		outbox := new(mockOutbox)
		relay := NewRelay(outbox, stream, logger, RelayConfig{BatchSize: 10})

		event := productEvent("1001")
		outbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{event}, nil)
		stream.On("XAdd", ctx, mock.Anything).Return(errors.New("redis connection failed"))
		outbox.On("MarkFailed", ctx, event.ID, mock.MatchedBy(func(err error) bool {
			return err.Error() == "failed to publish to redis: redis connection failed"
		})).Return(nil)

		n, err := relay.processEvents(ctx)
		assert.NoError(t, err)
		assert.Zero(t, n)

		stream.AssertExpectations(t)
		outbox.AssertExpectations(t)
	})

	t.Run("empty batch", func(t *testing.T) {
		stream := new(mockStream)
		outbox := new(mockOutbox)
		relay := NewRelay(outbox, stream, logger, RelayConfig{BatchSize: 10})

		outbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{}, nil)

		n, err := relay.processEvents(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		stream.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
		outbox.AssertExpectations(t)
	})

	t.Run("one failure does not stop the batch", func(t *testing.T) {
		stream := new(mockStream)
		outbox := new(mockOutbox)
		relay := NewRelay(outbox, stream, logger, RelayConfig{BatchSize: 10})

		events := []*OutboxEvent{productEvent("1001"), productEvent("1002")}
		outbox.On("GetPending", ctx, 10).Return(events, nil)

		stream.On("XAdd", ctx, byAggregate("1001")).Return(errors.New("redis error"))
		outbox.On("MarkFailed", ctx, events[0].ID, mock.Anything).Return(nil)
		stream.On("XAdd", ctx, byAggregate("1002")).Return(nil)
		outbox.On("MarkProcessed", ctx, events[1].ID).Return(nil)

		n, err := relay.processEvents(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		stream.AssertExpectations(t)
		outbox.AssertExpectations(t)
	})

	t.Run("invalid payload is never published", func(t *testing.T) {
		stream := new(mockStream)
		outbox := new(mockOutbox)
		relay := NewRelay(outbox, stream, logger, RelayConfig{BatchSize: 10})

		event := productEvent("1001")
		event.Payload = json.RawMessage(`{"sku":`)
		outbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{event}, nil)
		outbox.On("MarkFailed", ctx, event.ID, mock.Anything).Return(nil)

		_, err := relay.processEvents(ctx)
		require.NoError(t, err)

		stream.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
		outbox.AssertExpectations(t)
	})
}

func TestRelay_StreamArgs(t *testing.T) {
	relay := NewRelay(new(mockOutbox), new(mockStream), slog.Default(), RelayConfig{})

	event := productEvent("1001")
	event.Payload = json.RawMessage(`{"sku":"1001","name":"Кофе A","regular_price":"199"}`)
	event.RetryCount = 2

	args, err := relay.streamArgs(event)
	require.NoError(t, err)

	assert.Equal(t, "stream:metro_products", args.Stream)
	assert.Equal(t, "PRODUCT_SCRAPED", streamField(args, "event_type"))
	assert.Equal(t, "product", streamField(args, "aggregate_type"))
	assert.Equal(t, event.ID.String(), streamField(args, "original_id"))

	env := decodeEnvelope(t, args)
	assert.Equal(t, event.ID.String(), env.ID)
	assert.Equal(t, "PRODUCT_SCRAPED", env.Type)
	assert.Equal(t, "1001", env.AggregateID)
	assert.JSONEq(t, string(event.Payload), string(env.Payload))
	assert.NotEmpty(t, env.Timestamp)
	assert.Equal(t, envelopeMeta{
		Source:       "metro-scraper",
		OutboxID:     event.ID.String(),
		RetryCount:   2,
		TargetStream: "stream:metro_products",
	}, env.Metadata)
}

func TestRelay_Start(t *testing.T) {
	stream := new(mockStream)
	outbox := new(mockOutbox)
	relay := NewRelay(outbox, stream, slog.Default(), RelayConfig{PollInterval: 50 * time.Millisecond, BatchSize: 10})

	outbox.On("GetPending", mock.Anything, 10).Return([]*OutboxEvent{}, nil).Maybe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- relay.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on context cancellation")
	}
	outbox.AssertCalled(t, "GetPending", mock.Anything, 10)
}

func TestRelay_Drain(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	newEvents := func(n int) []*OutboxEvent {
		events := make([]*OutboxEvent, n)
		for i := range events {
			events[i] = productEvent("Москва|https://online.metro-cc.ru/products/" + uuid.NewString())
		}
		return events
	}

	t.Run("publishes until a short batch", func(t *testing.T) {
		stream := new(mockStream)
		outbox := new(mockOutbox)
		relay := NewRelay(outbox, stream, logger, RelayConfig{BatchSize: 2})

		outbox.On("GetPending", ctx, 2).Return(newEvents(2), nil).Once()
		outbox.On("GetPending", ctx, 2).Return(newEvents(1), nil).Once()
		stream.On("XAdd", ctx, mock.Anything).Return(nil)
		outbox.On("MarkProcessed", ctx, mock.Anything).Return(nil)

		n, err := relay.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		stream.AssertNumberOfCalls(t, "XAdd", 3)
		outbox.AssertNumberOfCalls(t, "GetPending", 2)
	})

	t.Run("stops when a whole batch fails", func(t *testing.T) {
		stream := new(mockStream)
		outbox := new(mockOutbox)
		relay := NewRelay(outbox, stream, logger, RelayConfig{BatchSize: 2})

		outbox.On("GetPending", ctx, 2).Return(newEvents(2), nil).Once()
		stream.On("XAdd", ctx, mock.Anything).Return(errors.New("redis down"))
		outbox.On("MarkFailed", ctx, mock.Anything, mock.Anything).Return(nil)

		n, err := relay.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		outbox.AssertNumberOfCalls(t, "GetPending", 1)
		outbox.AssertNumberOfCalls(t, "MarkFailed", 2)
	})

	t.Run("outbox error", func(t *testing.T) {
		outbox := new(mockOutbox)
		relay := NewRelay(outbox, new(mockStream), logger, RelayConfig{BatchSize: 2})

		outbox.On("GetPending", ctx, 2).Return(nil, errors.New("connection refused"))

		_, err := relay.Drain(ctx)
		assert.ErrorContains(t, err, "failed to get pending events")
	})
}
