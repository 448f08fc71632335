// Package notifier distributes wakeup hints between engine instances.
//
// Queue state lives in the datastore, so polling alone is always
// correct; the notifier only shortens the latency between "notification
// written" and "worker looks". On Postgres deployments it rides
// LISTEN/NOTIFY through the driver's Listener; on drivers without
// listener support (database/sql) the engine falls back to polling and
// this package degrades to a no-op receiver.
//
// Payloads are intentionally thin: a queue name or session id, never
// the work itself. A lost notification costs one poll interval, nothing
// more.
package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quarryhq/quarry/driver"
)

// EventType represents the type of event.
type EventType string

// Event types that can be subscribed to.
const (
	// EventQueueNotify fires when a session notification lands on a
	// worker queue. Payload: the queue name ("W", "H", ...).
	EventQueueNotify EventType = "queue_notify"

	// EventHuntResults fires when hunt results are queued for the
	// output processor. Payload: the hunt session id.
	EventHuntResults EventType = "hunt_results"

	// EventInstanceRegistered fires when an engine instance registers.
	EventInstanceRegistered EventType = "instance_registered"

	// EventInstanceDeregistered fires when an engine instance leaves.
	EventInstanceDeregistered EventType = "instance_deregistered"

	// EventLeaderChanged fires when leadership moves between instances.
	EventLeaderChanged EventType = "leader_changed"
)

// Event represents a notification event.
type Event struct {
	// Type is the event type.
	Type EventType

	// Payload is the event payload (queue name, session id, instance id).
	Payload string

	// ReceivedAt is when the event was received.
	ReceivedAt time.Time
}

// Handler is called when an event is received.
type Handler func(event *Event)

// Config holds configuration for the notifier.
type Config struct {
	// ReconnectDelay is how long to wait before reconnecting after a
	// disconnect. Default: 5 seconds
	ReconnectDelay time.Duration

	// OnError is called when an error occurs.
	OnError func(err error)

	// OnReconnect is called when the listener reconnects.
	OnReconnect func()
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ReconnectDelay: 5 * time.Second,
	}
}

// channelToEventType maps notification channel names to event types.
var channelToEventType = map[string]EventType{
	driver.ChannelQueueNotify:          EventQueueNotify,
	driver.ChannelHuntResults:          EventHuntResults,
	driver.ChannelInstanceRegistered:   EventInstanceRegistered,
	driver.ChannelInstanceDeregistered: EventInstanceDeregistered,
	driver.ChannelLeaderChanged:        EventLeaderChanged,
}

// eventTypeToChannel maps event types to notification channel names.
var eventTypeToChannel = map[EventType]string{
	EventQueueNotify:          driver.ChannelQueueNotify,
	EventHuntResults:          driver.ChannelHuntResults,
	EventInstanceRegistered:   driver.ChannelInstanceRegistered,
	EventInstanceDeregistered: driver.ChannelInstanceDeregistered,
	EventLeaderChanged:        driver.ChannelLeaderChanged,
}

// Subscription represents an active subscription to events.
type Subscription struct {
	eventType EventType
	handler   Handler
	id        int64
}

// Notifier provides event notification capabilities.
type Notifier struct {
	getListener func(ctx context.Context) (driver.Listener, error)
	notifier    driver.Notifier
	config      *Config

	mu            sync.RWMutex
	subscriptions map[EventType][]*Subscription
	nextSubID     int64

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// New creates a notifier. The getListener function returns a fresh
// listener for receiving notifications; the driver notifier sends them.
// A nil getListener puts the notifier in send-only mode.
func New(
	getListener func(ctx context.Context) (driver.Listener, error),
	notifier driver.Notifier,
	config *Config,
) *Notifier {
	if config == nil {
		config = DefaultConfig()
	}

	return &Notifier{
		getListener:   getListener,
		notifier:      notifier,
		config:        config,
		subscriptions: make(map[EventType][]*Subscription),
		done:          make(chan struct{}),
	}
}

// Start begins listening for notifications. Without listener support
// the loop just waits for cancellation; sends still work.
func (n *Notifier) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, n.cancel = context.WithCancel(ctx)
	go n.run(ctx)

	return nil
}

// Stop stops the notifier.
func (n *Notifier) Stop(ctx context.Context) error {
	if !n.started.Load() {
		return ErrNotStarted
	}

	n.cancel()
	<-n.done

	n.started.Store(false)
	return nil
}

// Subscribe registers a handler for the given event type.
// Returns a function to unsubscribe.
func (n *Notifier) Subscribe(eventType EventType, handler Handler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &Subscription{
		eventType: eventType,
		handler:   handler,
		id:        n.nextSubID,
	}
	n.nextSubID++

	n.subscriptions[eventType] = append(n.subscriptions[eventType], sub)

	return func() {
		n.unsubscribe(eventType, sub.id)
	}
}

// unsubscribe removes a subscription.
func (n *Notifier) unsubscribe(eventType EventType, id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs := n.subscriptions[eventType]
	for i, sub := range subs {
		if sub.id == id {
			n.subscriptions[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Notify sends a notification to every listening instance.
func (n *Notifier) Notify(ctx context.Context, eventType EventType, payload string) error {
	if n.notifier == nil {
		return ErrNotifyNotSupported
	}

	channel, ok := eventTypeToChannel[eventType]
	if !ok {
		return ErrUnknownEventType
	}

	return n.notifier.Notify(ctx, channel, payload)
}

// run is the main notification loop.
func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := n.listenLoop(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				if n.config.OnError != nil {
					n.config.OnError(err)
				}
				// Wait before reconnecting
				select {
				case <-ctx.Done():
					return
				case <-time.After(n.config.ReconnectDelay):
					if n.config.OnReconnect != nil {
						n.config.OnReconnect()
					}
				}
			}
		}
	}
}

// listenLoop creates a listener and processes notifications until an
// error occurs.
func (n *Notifier) listenLoop(ctx context.Context) error {
	if n.getListener == nil {
		// No listener support, just wait for context cancellation
		<-ctx.Done()
		return ctx.Err()
	}

	listener, err := n.getListener(ctx)
	if err != nil {
		return err
	}
	if listener == nil {
		// Driver doesn't support listeners
		<-ctx.Done()
		return ctx.Err()
	}
	defer func() { _ = listener.Close(ctx) }()

	// Subscribe to all channels
	for channel := range channelToEventType {
		if err := listener.Listen(ctx, channel); err != nil {
			return err
		}
	}

	// Process notifications
	for {
		notification, err := listener.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		eventType, ok := channelToEventType[notification.Channel]
		if !ok {
			continue
		}

		event := &Event{
			Type:       eventType,
			Payload:    notification.Payload,
			ReceivedAt: time.Now(),
		}

		n.dispatch(event)
	}
}

// dispatch sends an event to all subscribed handlers. Handlers run
// synchronously to keep per-channel ordering; anything slow belongs in
// the handler's own goroutine.
func (n *Notifier) dispatch(event *Event) {
	n.mu.RLock()
	subs := make([]*Subscription, len(n.subscriptions[event.Type]))
	copy(subs, n.subscriptions[event.Type])
	n.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(event)
	}
}

// IsRunning returns true if the notifier is running.
func (n *Notifier) IsRunning() bool {
	return n.started.Load()
}
