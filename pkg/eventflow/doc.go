/*
Package eventflow is an in-process event-driven workflow engine: a
publish/subscribe event bus combined with a saga orchestrator that runs
multi-step workflows with retries, timeouts, and compensating rollback.

# Overview

The engine is assembled from independent packages:

  - event: events, the LocalBus, the Subscriber and Publisher layers
  - saga: saga definitions and the Orchestrator
  - audit: audit records and sinks (memory, slog, SQLite)
  - observability: slog helpers, OpenTelemetry and Prometheus metrics, spans
  - config: YAML/JSON settings with EVENTFLOW_* overrides and hot reload
  - errors: the shared error taxonomy and retry runner

Engine wires them together around one logger, audit sink, and metrics
recorder. Every Engine is independent; tests and tenants build their own.

# Basic Usage

	engine, err := eventflow.New(eventflow.Options{Logger: logger})
	if err != nil {
	    log.Fatal(err)
	}
	defer engine.Close(context.Background())

	err = engine.Sagas().Register(saga.Definition{
	    Name: "fulfil-order",
	    Steps: []saga.Step{
	        {Name: "reserve", Execute: reserve, Compensate: release},
	        {Name: "charge", Execute: charge, Compensate: refund},
	        {Name: "ship", Execute: ship},
	    },
	})

	// Start the saga for every order.created event.
	_, err = engine.TriggerSaga("order.created", "fulfil-order", nil, event.SubscriptionOptions{})

	err = engine.Publisher().Publish(ctx, event.New("order.created", "shop",
	    event.Record{"order_id": "o-1"}))

# Saga Lifecycle Events

When an execution reaches a terminal state the engine publishes
saga.completed, saga.compensated, or saga.timeout with a SagaPayload, so
other subscribers can react to workflow outcomes:

	engine.Bus().Subscribe(eventflow.EventSagaCompensated, notifyOps)

# Configuration

NewFromSettings builds an engine from config.Settings, choosing the audit
sink (none, log, memory, sqlite) and metrics backend (none, otel,
prometheus) they name.
*/
package eventflow
