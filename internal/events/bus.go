// Package events carries execution lifecycle notifications over a watermill
// GoChannel pub/sub.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/rendis/outreach/pkg/schema"
)

// Topic is the watermill topic for execution events.
const Topic = "outreach.executions"

const eventTypeMetadataKey = "event_type"

// Handler consumes one event. Errors are logged; the message is acked anyway.
type Handler func(ctx context.Context, ev schema.ExecutionEvent) error

// Filter selects events for a subscription. Empty fields match everything.
type Filter struct {
	ExecutionID string
	WorkflowID  string
	EventTypes  []string
}

func (f Filter) matches(ev schema.ExecutionEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != ev.ExecutionID {
		return false
	}
	if f.WorkflowID != "" && f.WorkflowID != ev.WorkflowID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == ev.Type {
			return true
		}
	}
	return false
}

type subscriber struct {
	filter Filter
	ch     chan schema.ExecutionEvent
}

// Bus publishes and dispatches execution events.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	subs     map[int]*subscriber
	nextSub  int
	started  bool
}

// NewBus creates an in-memory bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
	return &Bus{
		pubsub:   pubsub,
		logger:   logger,
		handlers: make(map[string][]Handler),
		subs:     make(map[int]*subscriber),
	}
}

// Publish sends ev to every handler and matching subscription.
func (b *Bus) Publish(ctx context.Context, ev schema.ExecutionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(eventTypeMetadataKey, ev.Type)
	msg.SetContext(ctx)
	return b.pubsub.Publish(Topic, msg)
}

// Handle registers a handler for one event type. An empty type receives all.
// Handlers must be registered before Start.
func (b *Bus) Handle(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Subscribe returns a channel of matching events and a function that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (b *Bus) Subscribe(filter Filter) (<-chan schema.ExecutionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	s := &subscriber{filter: filter, ch: make(chan schema.ExecutionEvent, 64)}
	b.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Start consumes the topic until ctx is done or the bus is closed.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return err
	}
	go func() {
		for msg := range messages {
			b.deliver(ctx, msg)
			msg.Ack()
		}
	}()
	return nil
}

func (b *Bus) deliver(ctx context.Context, msg *message.Message) {
	var ev schema.ExecutionEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		b.logger.Warn("dropping malformed execution event",
			slog.String("message_id", msg.UUID),
			slog.String("error", err.Error()))
		return
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Type]...)
	handlers = append(handlers, b.handlers[""]...)
	var targets []*subscriber
	for _, s := range b.subs {
		if s.filter.matches(ev) {
			targets = append(targets, s)
		}
	}
	for _, s := range targets {
		select {
		case s.ch <- ev:
		default:
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			b.logger.Warn("execution event handler failed",
				slog.String("event_type", ev.Type),
				slog.String("execution_id", ev.ExecutionID),
				slog.String("error", err.Error()))
		}
	}
}

// Close shuts the pub/sub down. Open subscriptions stay open until cancelled.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
