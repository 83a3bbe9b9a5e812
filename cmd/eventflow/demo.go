package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow"
	"github.com/randalmurphal/eventflow/pkg/eventflow/config"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/saga"
)

const orderSaga = "order-fulfilment"

// DemoCmd publishes order events and lets a saga fulfil each one.
type DemoCmd struct {
	Orders      int           `short:"n" help:"Number of orders to publish" default:"5"`
	FailStep    string        `name:"fail-step" help:"Step that always fails, to exercise compensation"`
	Spread      time.Duration `help:"Spread order publication over this window using scheduled publishes" default:"0s"`
	MetricsAddr string        `name:"metrics-addr" help:"Serve Prometheus metrics on this address (overrides metrics.addr)"`
	Wait        time.Duration `help:"How long to wait for sagas to settle" default:"30s"`
	Watch       bool          `help:"Log configuration file changes while running"`
}

// Run implements the demo command.
func (cmd *DemoCmd) Run(cli *CLI) error {
	s, err := cli.Settings()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cmd.MetricsAddr != "" {
		s.Metrics.Backend = config.MetricsPrometheus
		s.Metrics.Addr = cmd.MetricsAddr
	}
	logger := cli.logger

	engine, err := eventflow.NewFromSettings(s, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := engine.Close(ctx); err != nil {
			logger.Warn("engine close", slog.String("error", err.Error()))
		}
	}()

	if prom := engine.Prometheus(); prom != nil && s.Metrics.Addr != "" {
		srv := &http.Server{Addr: s.Metrics.Addr, Handler: metricsMux(prom.Handler()), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", slog.String("error", err.Error()))
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
		logger.Info("serving metrics", slog.String("addr", s.Metrics.Addr))
	}

	if cmd.Watch && cli.Config != "" {
		stop, err := config.Watch(cli.Config, func(c config.Config) {
			next := config.FromConfig(c)
			logger.Info("configuration changed; restart to apply",
				slog.String("log_level", next.LogLevel),
				slog.Int("bus.max_attempts", next.Bus.MaxAttempts),
				slog.Bool("valid", next.Validate() == nil),
			)
		}, func(err error) {
			logger.Warn("configuration watch", slog.String("error", err.Error()))
		})
		if err != nil {
			return err
		}
		defer stop()
	}

	if err := engine.Sagas().Register(cmd.definition()); err != nil {
		return err
	}
	if _, err := engine.TriggerSaga("order.created", orderSaga, nil, event.SubscriptionOptions{
		DeadLetterQueue: true,
	}); err != nil {
		return err
	}

	var settled atomic.Int32
	done := make(chan struct{})
	onSettled := func(_ context.Context, evt *event.Event) error {
		if p, ok := evt.Payload.(event.SagaPayload); ok {
			logger.Info("saga settled",
				slog.String("saga_id", p.SagaID),
				slog.String("status", p.Status),
				slog.Any("completed", p.CompletedSteps),
				slog.Any("compensated", p.CompensatedSteps),
			)
		}
		if int(settled.Add(1)) == cmd.Orders {
			close(done)
		}
		return nil
	}
	engine.Subscriber().SubscribeToMultiple([]string{
		eventflow.EventSagaCompleted,
		eventflow.EventSagaCompensated,
		eventflow.EventSagaTimeout,
	}, onSettled, event.SubscriptionOptions{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.publishOrders(ctx, engine.Publisher()); err != nil {
		return err
	}
	if cmd.Orders == 0 {
		close(done)
	}

	select {
	case <-done:
	case <-ctx.Done():
		logger.Info("interrupted")
	case <-time.After(cmd.Wait + cmd.Spread):
		logger.Warn("timed out waiting for sagas", slog.Int("settled", int(settled.Load())))
	}

	stats := engine.Stats()
	fmt.Printf("events published:  %d\n", stats.Bus.TotalEvents)
	fmt.Printf("sagas completed:   %d\n", stats.Sagas.Succeeded)
	fmt.Printf("sagas failed:      %d\n", stats.Sagas.Failed)
	fmt.Printf("success rate:      %.1f%%\n", stats.Sagas.SuccessRate*100)
	fmt.Printf("dead letters:      %d\n", stats.DeadLetters)
	return nil
}

func (cmd *DemoCmd) publishOrders(ctx context.Context, pub *event.Publisher) error {
	step := time.Duration(0)
	if cmd.Orders > 1 {
		step = cmd.Spread / time.Duration(cmd.Orders-1)
	}
	for i := range cmd.Orders {
		evt := event.New("order.created", "eventflow-demo", event.Record{
			"order_id": fmt.Sprintf("ord-%04d", i+1),
			"amount":   float64(10 * (i + 1)),
		}, event.WithClassification(event.Open))

		var err error
		if delay := step * time.Duration(i); delay > 0 {
			err = pub.Publish(ctx, evt, event.WithDelay(delay))
		} else {
			err = pub.Publish(ctx, evt)
		}
		if err != nil {
			return fmt.Errorf("publish order %d: %w", i+1, err)
		}
	}
	return nil
}

func (cmd *DemoCmd) definition() saga.Definition {
	action := func(name string) saga.ExecuteFunc {
		return func(ctx context.Context, sc *saga.Context) (any, error) {
			if name == cmd.FailStep {
				return nil, fmt.Errorf("%s unavailable", name)
			}
			select {
			case <-time.After(10 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			id, _ := sc.Get("order_id")
			return fmt.Sprintf("%s:%v", name, id), nil
		}
	}
	undo := func(name string) saga.CompensateFunc {
		return func(_ context.Context, sc *saga.Context) error {
			id, _ := sc.Get("order_id")
			slog.Debug("compensating", slog.String("step", name), slog.Any("order_id", id))
			return nil
		}
	}
	return saga.Definition{
		Name: orderSaga,
		Steps: []saga.Step{
			{Name: "reserve", Execute: action("reserve"), Compensate: undo("reserve")},
			{Name: "charge", Execute: action("charge"), Compensate: undo("charge"), Critical: true},
			{Name: "ship", Execute: action("ship"), Compensate: undo("ship")},
		},
		Timeout:     5 * time.Second,
		RetryPolicy: saga.RetryPolicy{MaxRetries: 1, BaseDelay: 20 * time.Millisecond},
	}
}

func metricsMux(h http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	return mux
}
