// Package event provides the in-process publish/subscribe layer of eventflow.
//
// # Overview
//
//   - Event: an identified, timestamped occurrence with a typed payload and
//     a sensitivity classification
//   - LocalBus: fan-out delivery with per-handler retries and a bounded
//     history
//   - Subscriber: filtering, compliance checks, middleware and a dead-letter
//     queue on top of bus subscriptions
//   - Publisher: delayed, scheduled and batched publishing with compliance
//     validation
//
// # Events
//
// Events are created with New. ID and Timestamp are fixed at creation:
//
//	evt := event.New("order.created", "orders",
//	    event.Record{"order_id": "o-1", "total": 42.5},
//	    event.WithClassification(event.Confidential),
//	)
//
// Payloads are one of Record, Text, SagaPayload or Blob. Handlers always
// receive their own copy of an event, so changes they make stay local.
//
// # Bus
//
//	bus := event.NewBus(event.BusConfig{RetryDelay: 100 * time.Millisecond})
//	bus.Subscribe("order.created", func(ctx context.Context, evt *event.Event) error {
//	    return ship(evt)
//	})
//	err := bus.Publish(ctx, evt) // joined errors of handlers that kept failing
//
// Publish stamps compliance metadata (classification, personal-data flag,
// retention hint) before delivery. Each handler is tried up to MaxAttempts
// times; handler timeouts and validation failures are not retried.
//
// # Subscriber
//
// Subscriber runs a pipeline per delivery: filter, compliance check,
// middleware, handler. Filtered events are not counted. Middleware returns
// a Verdict; Halt stops the pipeline without an error:
//
//	sub := event.NewSubscriber(bus, event.SubscriberConfig{})
//	id, err := sub.SubscribeWithPattern(`^payment\.`, handler, event.SubscriptionOptions{
//	    Filter:          event.Filter{Sources: []string{"payments"}},
//	    Middleware:      []event.Middleware{requireTenant},
//	    DeadLetterQueue: true,
//	})
//
// Failed deliveries are dead-lettered once, after the bus gives up.
// ProcessDeadLetterQueue replays them through the bus.
//
// # Publisher
//
//	pub, _ := event.NewPublisher(bus, event.PublisherConfig{})
//	defer pub.Close()
//	pub.Publish(ctx, evt, event.WithDelay(time.Second))
//	pub.StartBatch("nightly", time.Minute)
//	pub.Publish(ctx, evt, event.InBatch("nightly"))
package event
