package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastPublishing(t *testing.T, conn *fakeConnection) (string, string, amqp.Publishing) {
	t.Helper()
	calls := conn.methodCalls("Publish")
	require.NotEmpty(t, calls)
	c := calls[len(calls)-1]
	return c.args[0].(string), c.args[1].(string), c.args[2].(amqp.Publishing)
}

func TestProducerPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("raw payloads are sent as they are", func(t *testing.T) {
		conn := newFakeConnection()
		p := NewProducer(conn, nil, WithProducerName("p"))

		require.NoError(t, p.Publish(ctx, "hello", "events", "greeting", nil))
		exchange, key, msg := lastPublishing(t, conn)
		assert.Equal(t, "events", exchange)
		assert.Equal(t, "greeting", key)
		assert.Equal(t, []byte("hello"), msg.Body)
		assert.NotContains(t, msg.Headers, SerializedHeader)
		assert.Equal(t, "text/plain", msg.ContentType)
		assert.Equal(t, amqp.Persistent, msg.DeliveryMode)

		require.NoError(t, p.Publish(ctx, []byte{0x01, 0x02}, "events", "", nil))
		_, _, msg = lastPublishing(t, conn)
		assert.Equal(t, []byte{0x01, 0x02}, msg.Body)
	})

	t.Run("other payloads are serialized and flagged", func(t *testing.T) {
		conn := newFakeConnection()
		p := NewProducer(conn, nil)

		require.NoError(t, p.Publish(ctx, map[string]int{"id": 7}, "events", "", amqp.Table{"trace": "abc"}))
		_, _, msg := lastPublishing(t, conn)
		assert.JSONEq(t, `{"id":7}`, string(msg.Body))
		assert.Equal(t, 1, msg.Headers[SerializedHeader])
		assert.Equal(t, "abc", msg.Headers["trace"])
	})

	t.Run("caller headers are not mutated", func(t *testing.T) {
		conn := newFakeConnection()
		p := NewProducer(conn, nil)
		headers := amqp.Table{"trace": "abc"}

		require.NoError(t, p.Publish(ctx, 42, "events", "", headers))
		assert.NotContains(t, headers, SerializedHeader)
	})

	t.Run("options override fixed properties", func(t *testing.T) {
		conn := newFakeConnection()
		p := NewProducer(conn, nil, WithContentType("application/json"), WithDeliveryMode(amqp.Transient))

		require.NoError(t, p.PublishWithOptions(ctx, "x", "events", "", PublishOptions{
			CorrelationID: "c-1",
			MessageID:     "m-1",
			Priority:      5,
		}))
		_, _, msg := lastPublishing(t, conn)
		assert.Equal(t, "application/json", msg.ContentType)
		assert.Equal(t, amqp.Transient, msg.DeliveryMode)
		assert.Equal(t, "c-1", msg.CorrelationId)
		assert.Equal(t, "m-1", msg.MessageId)
		assert.Equal(t, uint8(5), msg.Priority)
		assert.False(t, msg.Timestamp.IsZero())
	})

	t.Run("serializer errors are publish errors", func(t *testing.T) {
		conn := newFakeConnection()
		p := NewProducer(conn, nil, WithSerializer(func(any) ([]byte, error) {
			return nil, errors.New("cannot encode")
		}))

		err := p.Publish(ctx, 1, "events", "", nil)
		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Empty(t, conn.methodCalls("Publish"))
	})

	t.Run("broker error still fires hooks", func(t *testing.T) {
		conn := newFakeConnection()
		conn.errs["Publish"] = errors.New("channel closed")
		hooks := NewHooks()
		var events []Event
		record := func(ctx context.Context, e Event) { events = append(events, e) }
		hooks.On(BeforePublish, record)
		hooks.On(AfterPublish, record)
		p := NewProducer(conn, nil, WithProducerName("p"), WithProducerHooks(hooks))

		err := p.Publish(ctx, "x", "events", "rk", nil)
		require.Error(t, err)

		require.Len(t, events, 2)
		assert.Equal(t, BeforePublish, events[0].Name)
		assert.Equal(t, AfterPublish, events[1].Name)
		assert.Equal(t, "p", events[1].Producer)
		assert.Equal(t, "rk", events[1].RoutingKey)
		assert.Error(t, events[1].Err)
	})
}

func TestProducerSafeMode(t *testing.T) {
	ctx := context.Background()

	t.Run("missing exchange is never published to", func(t *testing.T) {
		conn := newFakeConnection()
		r := NewRouting(conn, nil, nil, nil)
		p := NewProducer(conn, r, WithSafe(true), WithProducerName("p"))

		err := p.Publish(ctx, "x", "ghost", "", nil)
		assert.ErrorIs(t, err, ErrExchangeNotFound)
		assert.Empty(t, conn.methodCalls("Publish"))
	})

	t.Run("existing exchange publishes normally", func(t *testing.T) {
		conn := newFakeConnection()
		conn.existing["events"] = true
		r := NewRouting(conn, nil, nil, nil)
		p := NewProducer(conn, r, WithSafe(true))

		require.NoError(t, p.Publish(ctx, "x", "events", "", nil))
		assert.Len(t, conn.methodCalls("Publish"), 1)
	})

	t.Run("safe mode without routing is a configuration error", func(t *testing.T) {
		p := NewProducer(newFakeConnection(), nil, WithSafe(true))
		assert.ErrorIs(t, p.Publish(ctx, "x", "events", "", nil), ErrInvalidConfiguration)
	})
}

func TestProducerAutoDeclare(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConnection()
	r := NewRouting(conn, []ExchangeDefinition{{Name: "events", Type: ExchangeDirect}}, nil, nil)
	p := NewProducer(conn, r, WithProducerAutoDeclare(true))

	require.NoError(t, p.Publish(ctx, "a", "events", "", nil))
	require.NoError(t, p.Publish(ctx, "b", "events", "", nil))

	assert.Len(t, conn.methodCalls("ExchangeDeclare"), 1)
	assert.Len(t, conn.methodCalls("Publish"), 2)
}

type orderPayload struct {
	ID    int      `json:"id"`
	Items []string `json:"items"`
	Total float64  `json:"total"`
}

func TestSerializationRoundTrip(t *testing.T) {
	ctx := context.Background()

	roundTrip := func(t *testing.T, payload any, deserializer Deserializer) *Message {
		t.Helper()
		conn := newFakeConnection()
		p := NewProducer(conn, nil)
		require.NoError(t, p.Publish(ctx, payload, "events", "", nil))
		_, _, published := lastPublishing(t, conn)

		var got *Message
		c := NewConsumer("rt", conn, map[string]Handler{
			"q": HandlerFunc(func(ctx context.Context, msg *Message) (Result, error) {
				got = msg
				return Ack, nil
			}),
		}, WithDeserializer(deserializer))

		done := make(chan error, 1)
		go func() {
			_, err := c.Consume(ctx, 1)
			done <- err
		}()
		conn.waitSubscribed(t, 1)

		d, ack := newDelivery(1, string(published.Body), published.Headers)
		ack.On("Ack", uint64(1), false).Return(nil)
		conn.deliver(t, "q", d)
		require.NoError(t, <-done)
		ack.AssertExpectations(t)
		return got
	}

	t.Run("string is sent raw", func(t *testing.T) {
		msg := roundTrip(t, "plain text", JSONDeserializer[any]())
		assert.Equal(t, "plain text", string(msg.Body))
		assert.Nil(t, msg.Payload)
	})

	t.Run("map", func(t *testing.T) {
		in := map[string]any{"a": "b", "n": float64(1)}
		msg := roundTrip(t, in, JSONDeserializer[map[string]any]())
		assert.Equal(t, in, msg.Payload)
	})

	t.Run("array", func(t *testing.T) {
		in := []string{"x", "y"}
		msg := roundTrip(t, in, JSONDeserializer[[]string]())
		assert.Equal(t, in, msg.Payload)
	})

	t.Run("integer", func(t *testing.T) {
		msg := roundTrip(t, 42, JSONDeserializer[int]())
		assert.Equal(t, 42, msg.Payload)
	})

	t.Run("float", func(t *testing.T) {
		msg := roundTrip(t, 3.25, JSONDeserializer[float64]())
		assert.Equal(t, 3.25, msg.Payload)
	})

	t.Run("null", func(t *testing.T) {
		msg := roundTrip(t, nil, JSONDeserializer[any]())
		assert.Equal(t, "null", string(msg.Body))
		assert.Nil(t, msg.Payload)
	})

	t.Run("struct", func(t *testing.T) {
		in := orderPayload{ID: 9, Items: []string{"book"}, Total: 12.5}
		msg := roundTrip(t, in, JSONDeserializer[orderPayload]())
		assert.Equal(t, in, msg.Payload)
	})
}

func TestIsSerialized(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    bool
	}{
		{"missing", nil, false},
		{"int one", amqp.Table{SerializedHeader: 1}, true},
		{"int32 one", amqp.Table{SerializedHeader: int32(1)}, true},
		{"zero", amqp.Table{SerializedHeader: int64(0)}, false},
		{"string one", amqp.Table{SerializedHeader: "1"}, true},
		{"string zero", amqp.Table{SerializedHeader: "0"}, false},
		{"bool", amqp.Table{SerializedHeader: true}, true},
		{"float", amqp.Table{SerializedHeader: 0.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isSerialized(tt.headers))
		})
	}
}
