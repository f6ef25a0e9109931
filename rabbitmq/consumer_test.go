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
)

type consumeResult struct {
	code int
	err  error
}

// startConsume runs Consume on its own goroutine
func startConsume(ctx context.Context, c *Consumer, limit int) <-chan consumeResult {
	done := make(chan consumeResult, 1)
	go func() {
		code, err := c.Consume(ctx, limit)
		done <- consumeResult{code: code, err: err}
	}()
	return done
}

func waitResult(t *testing.T, done <-chan consumeResult) consumeResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not return")
		return consumeResult{}
	}
}

func ackHandler() Handler {
	return HandlerFunc(func(ctx context.Context, msg *Message) (Result, error) {
		return Ack, nil
	})
}

func TestNewConsumer(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := NewConsumer("worker", newFakeConnection(), map[string]Handler{"b": ackHandler(), "a": ackHandler()})

		assert.Equal(t, "worker", c.Name())
		assert.Equal(t, []string{"a", "b"}, c.Queues())
		assert.Nil(t, c.qos)
		assert.Nil(t, c.idleExitCode)
		assert.False(t, c.proceedOnError)
		assert.NotNil(t, c.deserializer)
		assert.NotNil(t, c.logger)
	})

	t.Run("options", func(t *testing.T) {
		c := NewConsumer("worker", newFakeConnection(), nil,
			WithQoS(QoS{PrefetchCount: 5}),
			WithIdleTimeout(time.Second),
			WithIdleTimeoutExitCode(3),
			WithProceedOnError(true),
			WithMemoryLimit(1024),
			WithStandoff(time.Millisecond),
		)

		assert.Equal(t, 5, c.qos.PrefetchCount)
		assert.Equal(t, time.Second, c.idleTimeout)
		assert.Equal(t, 3, *c.idleExitCode)
		assert.True(t, c.proceedOnError)
		assert.Equal(t, uint64(1024), c.memoryLimit)
		assert.Equal(t, time.Millisecond, c.standoff)
	})
}

func TestConsumeSubscriptions(t *testing.T) {
	t.Run("subscribes every queue and blocks until stopped", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{"orders": ackHandler(), "invoices": ackHandler()})

		done := startConsume(context.Background(), c, 0)
		tags := conn.waitSubscribed(t, 2)

		select {
		case <-done:
			t.Fatal("consume returned without a stop condition")
		case <-time.After(50 * time.Millisecond):
		}

		assert.ElementsMatch(t, tags, c.Tags())
		for _, call := range conn.methodCalls("Consume") {
			assert.Equal(t, false, call.args[2], "deliveries must be acknowledged manually")
		}

		c.Stop()
		res := waitResult(t, done)
		require.NoError(t, res.err)
		assert.Equal(t, ExitCodeNormal, res.code)

		cancels := conn.methodCalls("Cancel")
		require.Len(t, cancels, 2)
		assert.ElementsMatch(t, tags, []string{cancels[0].args[0].(string), cancels[1].args[0].(string)})
		assert.Empty(t, c.Tags())
	})

	t.Run("tags combine queue, consumer and run id", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{"orders": ackHandler()})

		done := startConsume(context.Background(), c, 0)
		tags := conn.waitSubscribed(t, 1)
		c.Stop()
		waitResult(t, done)

		assert.Regexp(t, `^orders-worker-[0-9a-f-]{36}$`, tags[0])
	})

	t.Run("qos is applied before subscribing", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{"orders": ackHandler()},
			WithQoS(QoS{PrefetchCount: 10, PrefetchSize: 0, Global: true}))

		done := startConsume(context.Background(), c, 0)
		conn.waitSubscribed(t, 1)
		c.Stop()
		waitResult(t, done)

		qos := conn.methodCalls("Qos")
		require.Len(t, qos, 1)
		assert.Equal(t, []any{10, 0, true}, qos[0].args)
	})

	t.Run("auto declare runs before subscribing", func(t *testing.T) {
		conn := newFakeConnection()
		r := NewRouting(conn, nil, []QueueDefinition{{Name: "orders"}}, nil)
		c := NewConsumer("worker", conn, map[string]Handler{"orders": ackHandler()},
			WithConsumerRouting(r), WithConsumerAutoDeclare(true))

		done := startConsume(context.Background(), c, 0)
		conn.waitSubscribed(t, 1)
		c.Stop()
		waitResult(t, done)

		assert.Len(t, conn.methodCalls("QueueDeclare"), 1)
	})

	t.Run("subscribe failure is returned", func(t *testing.T) {
		conn := newFakeConnection()
		conn.errs["Consume"] = errors.New("NOT_FOUND")
		c := NewConsumer("worker", conn, map[string]Handler{"orders": ackHandler()})

		code, err := c.Consume(context.Background(), 0)
		assert.Equal(t, ExitCodeFailure, code)
		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "subscribe", consumerErr.Op)
		assert.Equal(t, "orders", consumerErr.Queue)
	})

	t.Run("negative limit is invalid", func(t *testing.T) {
		c := NewConsumer("worker", newFakeConnection(), nil)
		_, err := c.Consume(context.Background(), -1)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestConsumeMessageLimit(t *testing.T) {
	conn := newFakeConnection()
	results := []Result{Ack, Reject, Requeue}
	var mu sync.Mutex
	calls := 0
	handler := HandlerFunc(func(ctx context.Context, msg *Message) (Result, error) {
		mu.Lock()
		defer mu.Unlock()
		r := results[calls]
		calls++
		return r, nil
	})
	c := NewConsumer("worker", conn, map[string]Handler{"orders": handler})

	done := startConsume(context.Background(), c, 3)
	conn.waitSubscribed(t, 1)

	d1, a1 := newDelivery(1, "one", nil)
	a1.On("Ack", uint64(1), false).Return(nil)
	d2, a2 := newDelivery(2, "two", nil)
	a2.On("Reject", uint64(2), false).Return(nil)
	d3, a3 := newDelivery(3, "three", nil)
	a3.On("Reject", uint64(3), true).Return(nil)
	d4, a4 := newDelivery(4, "four", nil)

	for _, d := range []amqp.Delivery{d1, d2, d3, d4} {
		conn.deliver(t, "orders", d)
	}

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, ExitCodeNormal, res.code)
	assert.Equal(t, 3, c.Processed())
	assert.Len(t, conn.methodCalls("Cancel"), 1)

	a1.AssertExpectations(t)
	a2.AssertExpectations(t)
	a3.AssertExpectations(t)
	a4.AssertNotCalled(t, "Ack", uint64(4), false)
}

func TestConsumeOrdersScenario(t *testing.T) {
	conn := newFakeConnection()
	first := true
	handler := HandlerFunc(func(ctx context.Context, msg *Message) (Result, error) {
		if first {
			first = false
			return Requeue, nil
		}
		var implicit Result
		return implicit, nil
	})
	c := NewConsumer("orders-worker", conn, map[string]Handler{"orders": handler})

	done := startConsume(context.Background(), c, 2)
	conn.waitSubscribed(t, 1)

	d1, a1 := newDelivery(1, `{"id":1}`, nil)
	a1.On("Reject", uint64(1), true).Return(nil)
	d2, a2 := newDelivery(2, `{"id":1}`, nil)
	a2.On("Ack", uint64(2), false).Return(nil)
	conn.deliver(t, "orders", d1)
	conn.deliver(t, "orders", d2)

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, 2, c.Processed())
	a1.AssertExpectations(t)
	a2.AssertExpectations(t)
}

func TestConsumeResults(t *testing.T) {
	t.Run("unknown result acknowledges", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{
			"q": HandlerFunc(func(ctx context.Context, msg *Message) (Result, error) {
				return Result(42), nil
			}),
		})

		done := startConsume(context.Background(), c, 1)
		conn.waitSubscribed(t, 1)
		d, ack := newDelivery(1, "x", nil)
		ack.On("Ack", uint64(1), false).Return(nil)
		conn.deliver(t, "q", d)

		require.NoError(t, waitResult(t, done).err)
		ack.AssertExpectations(t)
	})

	t.Run("result names", func(t *testing.T) {
		assert.Equal(t, "ack", Ack.String())
		assert.Equal(t, "reject", Reject.String())
		assert.Equal(t, "requeue", Requeue.String())
		assert.Equal(t, "ack", Result(-1).String())
	})
}

func TestConsumeErrors(t *testing.T) {
	failing := HandlerFunc(func(ctx context.Context, msg *Message) (Result, error) {
		return Ack, errHandler
	})

	t.Run("handler error aborts the loop after counting", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{"q": failing})

		done := startConsume(context.Background(), c, 0)
		conn.waitSubscribed(t, 1)
		d, ack := newDelivery(1, "x", nil)
		conn.deliver(t, "q", d)

		res := waitResult(t, done)
		assert.Equal(t, ExitCodeFailure, res.code)
		assert.ErrorIs(t, res.err, errHandler)

		var consumerErr *ConsumerError
		require.ErrorAs(t, res.err, &consumerErr)
		assert.Equal(t, "q", consumerErr.Queue)
		assert.Equal(t, 1, c.Processed())
		ack.AssertNotCalled(t, "Ack", uint64(1), false)
	})

	t.Run("proceed on error keeps consuming", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{"q": failing}, WithProceedOnError(true))

		done := startConsume(context.Background(), c, 1)
		conn.waitSubscribed(t, 1)
		d, _ := newDelivery(1, "x", nil)
		conn.deliver(t, "q", d)

		res := waitResult(t, done)
		require.NoError(t, res.err)
		assert.Equal(t, ExitCodeNormal, res.code)
		assert.Equal(t, 1, c.Processed())
	})

	t.Run("panics are recovered into errors", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{
			"q": HandlerFunc(func(ctx context.Context, msg *Message) (Result, error) {
				panic("nil map")
			}),
		})

		done := startConsume(context.Background(), c, 0)
		conn.waitSubscribed(t, 1)
		d, _ := newDelivery(1, "x", nil)
		conn.deliver(t, "q", d)

		res := waitResult(t, done)
		assert.ErrorIs(t, res.err, ErrHandlerPanic)
		assert.Contains(t, res.err.Error(), "nil map")
	})

	t.Run("deserializer errors count as handler errors", func(t *testing.T) {
		conn := newFakeConnection()
		called := false
		c := NewConsumer("worker", conn, map[string]Handler{
			"q": HandlerFunc(func(ctx context.Context, msg *Message) (Result, error) {
				called = true
				return Ack, nil
			}),
		})

		done := startConsume(context.Background(), c, 0)
		conn.waitSubscribed(t, 1)
		d, _ := newDelivery(1, "{not json", amqp.Table{SerializedHeader: int32(1)})
		conn.deliver(t, "q", d)

		res := waitResult(t, done)
		require.Error(t, res.err)
		assert.Contains(t, res.err.Error(), "deserialize message")
		assert.False(t, called)
		assert.Equal(t, 1, c.Processed())
	})

	t.Run("ack failure is an error", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{"q": ackHandler()})

		done := startConsume(context.Background(), c, 0)
		conn.waitSubscribed(t, 1)
		d, ack := newDelivery(1, "x", nil)
		ack.On("Ack", uint64(1), false).Return(amqp.ErrClosed)
		conn.deliver(t, "q", d)

		res := waitResult(t, done)
		assert.ErrorIs(t, res.err, amqp.ErrClosed)
	})
}

func TestConsumeIdleTimeout(t *testing.T) {
	t.Run("configured exit code is returned", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{"q": ackHandler()},
			WithIdleTimeout(20*time.Millisecond), WithIdleTimeoutExitCode(3))

		code, err := c.Consume(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, 3, code)
	})

	t.Run("without exit code the timeout is an error", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{"q": ackHandler()},
			WithIdleTimeout(20*time.Millisecond))

		code, err := c.Consume(context.Background(), 0)
		assert.Equal(t, ExitCodeFailure, code)
		assert.ErrorIs(t, err, ErrIdleTimeout)
	})

	t.Run("timeout is per wait", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{"q": ackHandler()},
			WithIdleTimeout(100*time.Millisecond), WithIdleTimeoutExitCode(3))

		done := startConsume(context.Background(), c, 0)
		conn.waitSubscribed(t, 1)
		for i := uint64(1); i <= 3; i++ {
			time.Sleep(40 * time.Millisecond)
			d, ack := newDelivery(i, "x", nil)
			ack.On("Ack", i, false).Return(nil)
			conn.deliver(t, "q", d)
		}

		res := waitResult(t, done)
		assert.Equal(t, 3, res.code)
		assert.Equal(t, 3, c.Processed())
	})
}

func TestConsumeStopConditions(t *testing.T) {
	t.Run("memory limit stops before waiting", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{"q": ackHandler()},
			WithMemoryLimit(100), WithMemoryUsage(func() uint64 { return 100 }))

		code, err := c.Consume(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, ExitCodeNormal, code)
		assert.Len(t, conn.methodCalls("Cancel"), 1)
	})

	t.Run("memory limit set after construction", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{"q": ackHandler()},
			WithMemoryUsage(func() uint64 { return 64 << 20 }))
		c.SetMemoryLimit(32 << 20)

		code, err := c.Consume(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, ExitCodeNormal, code)
	})

	t.Run("context cancellation stops the loop", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{"q": ackHandler()})

		ctx, cancel := context.WithCancel(context.Background())
		done := startConsume(ctx, c, 0)
		conn.waitSubscribed(t, 1)
		cancel()

		res := waitResult(t, done)
		require.NoError(t, res.err)
		assert.Equal(t, ExitCodeNormal, res.code)
	})

	t.Run("broker cancel removes the subscription", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{"a": ackHandler(), "b": ackHandler()})

		done := startConsume(context.Background(), c, 0)
		conn.waitSubscribed(t, 2)
		conn.closeSub("a")

		require.Eventually(t, func() bool { return len(c.Tags()) == 1 }, time.Second, 5*time.Millisecond)
		conn.closeSub("b")

		res := waitResult(t, done)
		require.NoError(t, res.err)
	})

	t.Run("stop lets the in-flight message finish", func(t *testing.T) {
		conn := newFakeConnection()
		entered := make(chan struct{})
		release := make(chan struct{})
		c := NewConsumer("worker", conn, map[string]Handler{
			"q": HandlerFunc(func(ctx context.Context, msg *Message) (Result, error) {
				close(entered)
				<-release
				return Ack, nil
			}),
		})

		done := startConsume(context.Background(), c, 0)
		conn.waitSubscribed(t, 1)
		d, ack := newDelivery(1, "x", nil)
		ack.On("Ack", uint64(1), false).Return(nil)
		conn.deliver(t, "q", d)

		<-entered
		c.Stop()
		select {
		case <-done:
			t.Fatal("consume returned while a message was in flight")
		case <-time.After(30 * time.Millisecond):
		}
		close(release)

		res := waitResult(t, done)
		require.NoError(t, res.err)
		assert.Equal(t, ExitCodeNormal, res.code)
		ack.AssertExpectations(t)
		assert.Equal(t, 1, c.Processed())
	})

	t.Run("consume can run again after stop", func(t *testing.T) {
		conn := newFakeConnection()
		c := NewConsumer("worker", conn, map[string]Handler{"q": ackHandler()})

		done := startConsume(context.Background(), c, 0)
		conn.waitSubscribed(t, 1)
		c.Stop()
		require.NoError(t, waitResult(t, done).err)

		done = startConsume(context.Background(), c, 0)
		conn.waitSubscribed(t, 1)
		c.Stop()
		require.NoError(t, waitResult(t, done).err)
	})
}

func TestConsumeRestart(t *testing.T) {
	conn := newFakeConnection()
	c := NewConsumer("worker", conn, map[string]Handler{"q": ackHandler()})

	done := startConsume(context.Background(), c, 0)
	before := conn.waitSubscribed(t, 1)

	c.Restart()
	after := conn.waitSubscribed(t, 1)

	assert.NotEqual(t, before[0], after[0])
	assert.Equal(t, 1, conn.renewCount())
	cancels := conn.methodCalls("Cancel")
	require.Len(t, cancels, 1)
	assert.Equal(t, before[0], cancels[0].args[0])
	require.Eventually(t, func() bool {
		tags := c.Tags()
		return len(tags) == 1 && tags[0] == after[0]
	}, time.Second, 5*time.Millisecond)

	// the new subscription still dispatches
	d, ack := newDelivery(1, "x", nil)
	ack.On("Ack", uint64(1), false).Return(nil)
	conn.deliver(t, "q", d)
	require.Eventually(t, func() bool { return c.Processed() == 1 }, time.Second, 5*time.Millisecond)

	c.Stop()
	require.NoError(t, waitResult(t, done).err)
	ack.AssertExpectations(t)
}

func TestConsumeHooks(t *testing.T) {
	conn := newFakeConnection()
	hooks := NewHooks()
	var mu sync.Mutex
	var events []Event
	record := func(ctx context.Context, e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}
	hooks.On(BeforeConsume, record)
	hooks.On(AfterConsume, record)

	c := NewConsumer("worker", conn, map[string]Handler{
		"q": HandlerFunc(func(ctx context.Context, msg *Message) (Result, error) {
			return Reject, nil
		}),
	}, WithConsumerHooks(hooks))

	done := startConsume(context.Background(), c, 1)
	conn.waitSubscribed(t, 1)
	d, ack := newDelivery(1, "x", nil)
	ack.On("Reject", uint64(1), false).Return(nil)
	conn.deliver(t, "q", d)
	require.NoError(t, waitResult(t, done).err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, BeforeConsume, events[0].Name)
	assert.Equal(t, AfterConsume, events[1].Name)
	assert.Equal(t, "worker", events[1].Consumer)
	assert.Equal(t, "q", events[1].Queue)
	assert.Equal(t, Reject, events[1].Result)
	assert.NoError(t, events[1].Err)
}

func TestConsumerPurgeAndDelete(t *testing.T) {
	conn := newFakeConnection()
	c := NewConsumer("worker", conn, map[string]Handler{"a": ackHandler(), "b": ackHandler()})

	require.NoError(t, c.Purge(context.Background()))
	require.NoError(t, c.Delete(context.Background()))

	assert.Len(t, conn.methodCalls("QueuePurge"), 2)
	assert.Len(t, conn.methodCalls("QueueDelete"), 2)
}
