package event_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventflow/pkg/eventflow/audit"
	flowerrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	bus := newTestBus(t, event.BusConfig{})

	err := bus.Publish(context.Background(), event.New("user.login", "auth", nil))
	require.NoError(t, err)

	stats := bus.Stats()
	assert.Equal(t, 1, stats.TotalEvents)
	assert.Equal(t, 0, stats.ActiveSubscriptions)
	require.NotNil(t, stats.LastEvent)
	assert.Equal(t, "user.login", stats.LastEvent.Type)
}

func TestBus_FanOut(t *testing.T) {
	bus := newTestBus(t, event.BusConfig{})

	var first, second atomic.Int32
	bus.Subscribe("order.created", func(context.Context, *event.Event) error {
		first.Add(1)
		return nil
	})
	bus.Subscribe("order.created", func(context.Context, *event.Event) error {
		second.Add(1)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), event.New("order.created", "shop", nil)))

	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestBus_WildcardAndTypeMatching(t *testing.T) {
	bus := newTestBus(t, event.BusConfig{})

	var exact, all atomic.Int32
	bus.Subscribe("a", func(context.Context, *event.Event) error { exact.Add(1); return nil })
	bus.Subscribe(event.Wildcard, func(context.Context, *event.Event) error { all.Add(1); return nil })

	ctx := context.Background()
	for _, typ := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(ctx, event.New(typ, "test", nil)))
	}

	assert.Equal(t, int32(1), exact.Load())
	assert.Equal(t, int32(3), all.Load())
	assert.Equal(t, []string{"a", "b", "c"}, bus.Stats().EventTypes)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := newTestBus(t, event.BusConfig{})

	var calls atomic.Int32
	id := bus.Subscribe("x", func(context.Context, *event.Event) error { calls.Add(1); return nil })
	require.NotEmpty(t, id)

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe("missing"))

	require.NoError(t, bus.Publish(context.Background(), event.New("x", "test", nil)))
	assert.Zero(t, calls.Load())
	assert.Equal(t, 0, bus.Stats().ActiveSubscriptions)
}

func TestBus_RetriesUntilSuccess(t *testing.T) {
	bus := newTestBus(t, event.BusConfig{MaxAttempts: 3})

	var calls atomic.Int32
	var attempts []int
	var mu sync.Mutex
	bus.Subscribe("flaky", func(ctx context.Context, _ *event.Event) error {
		d, ok := event.DeliveryFromContext(ctx)
		assert.True(t, ok)
		mu.Lock()
		attempts = append(attempts, d.Attempt)
		mu.Unlock()
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), event.New("flaky", "test", nil)))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestBus_ExhaustedRetriesReportHandlerError(t *testing.T) {
	sink := audit.NewMemorySink()
	bus := newTestBus(t, event.BusConfig{MaxAttempts: 3, Audit: sink})

	var failing, healthy atomic.Int32
	failID := bus.Subscribe("order.created", func(context.Context, *event.Event) error {
		failing.Add(1)
		return errors.New("inventory down")
	})
	bus.Subscribe("order.created", func(context.Context, *event.Event) error {
		healthy.Add(1)
		return nil
	})

	evt := event.New("order.created", "shop", nil)
	err := bus.Publish(context.Background(), evt)
	require.Error(t, err)

	var herr *flowerrors.HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, failID, herr.SubscriptionID)
	assert.Equal(t, evt.ID(), herr.EventID)
	assert.ErrorContains(t, err, "inventory down")

	assert.Equal(t, int32(3), failing.Load())
	assert.Equal(t, int32(1), healthy.Load(), "one failing handler must not affect others")

	assert.Len(t, sink.ByKind(audit.KindHandlerError), 1)
	published := sink.ByKind(audit.KindPublished)
	require.Len(t, published, 1)
	assert.NotEmpty(t, published[0].Error)
	assert.Equal(t, "RESTRICTED", published[0].Classification)
}

func TestBus_WithAttemptsOverride(t *testing.T) {
	bus := newTestBus(t, event.BusConfig{MaxAttempts: 5})

	var calls atomic.Int32
	bus.Subscribe("x", func(context.Context, *event.Event) error {
		calls.Add(1)
		return errors.New("nope")
	}, event.WithAttempts(1))

	require.Error(t, bus.Publish(context.Background(), event.New("x", "test", nil)))
	assert.Equal(t, int32(1), calls.Load())
}

func TestBus_ValidationErrorsAreNotRetried(t *testing.T) {
	bus := newTestBus(t, event.BusConfig{MaxAttempts: 3})

	var calls atomic.Int32
	bus.Subscribe("x", func(context.Context, *event.Event) error {
		calls.Add(1)
		return &flowerrors.ValidationError{Message: "bad input"}
	})

	err := bus.Publish(context.Background(), event.New("x", "test", nil))
	require.Error(t, err)
	assert.True(t, flowerrors.IsValidation(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestBus_HandlerTimeout(t *testing.T) {
	bus := newTestBus(t, event.BusConfig{MaxAttempts: 3, HandlerTimeout: 20 * time.Millisecond})

	var calls atomic.Int32
	bus.Subscribe("slow", func(ctx context.Context, _ *event.Event) error {
		calls.Add(1)
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	})

	start := time.Now()
	err := bus.Publish(context.Background(), event.New("slow", "test", nil))
	require.Error(t, err)
	assert.True(t, flowerrors.IsTimeout(err))
	assert.Equal(t, int32(1), calls.Load(), "timeouts are not retried")
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestBus_HandlerPanic(t *testing.T) {
	bus := newTestBus(t, event.BusConfig{MaxAttempts: 1})
	bus.Subscribe("boom", func(context.Context, *event.Event) error {
		panic("kaboom")
	})

	err := bus.Publish(context.Background(), event.New("boom", "test", nil))
	require.Error(t, err)
	assert.ErrorContains(t, err, "kaboom")
}

func TestBus_HandlersReceiveCopies(t *testing.T) {
	bus := newTestBus(t, event.BusConfig{})

	var seen *event.Event
	bus.Subscribe("user.registered", func(_ context.Context, evt *event.Event) error {
		seen = evt
		evt.Metadata.Attributes = map[string]string{"mutated": "yes"}
		evt.Type = "changed"
		return nil
	})

	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	evt := event.New("user.registered", "auth", event.Record{"email": "ada@example.com"}, event.WithTimestamp(ts))
	id := evt.ID()
	require.NoError(t, bus.Publish(context.Background(), evt))

	require.NotNil(t, seen)
	assert.Equal(t, id, seen.ID())
	assert.Equal(t, "user.registered", evt.Type)
	assert.Nil(t, evt.Metadata.Attributes)
	assert.Equal(t, id, evt.ID())
	assert.Equal(t, ts, evt.Timestamp())

	c := seen.Metadata.Compliance
	assert.Equal(t, event.Restricted, c.Classification)
	assert.True(t, c.ContainsPersonalData)
	assert.Equal(t, "7y", c.RetentionHint)
}

func TestBus_HistoryIsBounded(t *testing.T) {
	bus := newTestBus(t, event.BusConfig{HistoryLimit: 3})

	var ids []string
	for i := 0; i < 5; i++ {
		evt := event.New("tick", "test", nil)
		ids = append(ids, evt.ID())
		require.NoError(t, bus.Publish(context.Background(), evt))
	}

	history := bus.History()
	require.Len(t, history, 3)
	assert.Equal(t, ids[2], history[0].ID())
	assert.Equal(t, ids[4], history[2].ID())
	assert.Equal(t, 3, bus.Stats().TotalEvents)

	bus.ClearHistory()
	assert.Empty(t, bus.History())
	assert.Nil(t, bus.Stats().LastEvent)
}

func TestBus_CleanupCancelsRetryWaits(t *testing.T) {
	bus := newTestBus(t, event.BusConfig{MaxAttempts: 3, RetryDelay: 10 * time.Second})

	var calls atomic.Int32
	bus.Subscribe("stuck", func(context.Context, *event.Event) error {
		calls.Add(1)
		return errors.New("fail")
	})

	done := make(chan error, 1)
	go func() {
		done <- bus.Publish(context.Background(), event.New("stuck", "test", nil))
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	bus.Cleanup()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not return after Cleanup")
	}

	stats := bus.Stats()
	assert.Equal(t, 0, stats.TotalEvents)
	assert.Equal(t, 0, stats.ActiveSubscriptions)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBus_Close(t *testing.T) {
	bus := event.NewBus(event.BusConfig{Logger: discardLogger()})
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(context.Background(), event.New("x", "test", nil)), event.ErrBusClosed)
	assert.Empty(t, bus.Subscribe("x", func(context.Context, *event.Event) error { return nil }))
}

func TestBus_PublishNil(t *testing.T) {
	bus := newTestBus(t, event.BusConfig{})
	err := bus.Publish(context.Background(), nil)
	assert.ErrorIs(t, err, event.ErrNilEvent)
	assert.True(t, flowerrors.IsValidation(err))
}

func TestDelivery_Final(t *testing.T) {
	transient := errors.New("transient")
	assert.False(t, event.Delivery{Attempt: 1, MaxAttempts: 3}.Final(transient))
	assert.True(t, event.Delivery{Attempt: 3, MaxAttempts: 3}.Final(transient))
	assert.True(t, event.Delivery{Attempt: 1, MaxAttempts: 3}.Final(&flowerrors.TimeoutError{}))
}
