// Package updatebus implements a lightweight pub/sub event router keyed by
// (symbol, interval), used to fan out kline close notifications from
// KlineStore to TraderScheduler without either depending on the other.
package updatebus

import (
	"fmt"

	"github.com/asaskevich/EventBus"
	"github.com/rs/zerolog"
)

const globalTopic = "__global__"

// UpdateEvent is delivered to subscribers on every bar-close notification.
type UpdateEvent struct {
	Symbol   string
	Interval string
	OpenTime int64
	WasClose bool
}

// Bus is a single-writer-multiple-reader event router keyed by
// (symbol, interval). Listeners are invoked synchronously, in the order
// Emit is called, but a panic in one listener never suppresses delivery to
// the rest: it is recovered and reported through the onPanic hook.
type Bus struct {
	raw     EventBus.Bus
	onPanic func(topic string, recovered any)
	log     zerolog.Logger
}

// New constructs a Bus. onPanic is invoked (outside any internal lock) when
// a listener panics; pass nil to ignore. The screener wires onPanic to
// ErrorMonitor under the REALTIME category.
func New(log zerolog.Logger, onPanic func(topic string, recovered any)) *Bus {
	return &Bus{
		raw:     EventBus.New(),
		onPanic: onPanic,
		log:     log.With().Str("component", "updatebus").Logger(),
	}
}

func topicFor(symbol, interval string) string {
	return symbol + ":" + interval
}

// wrap guards a listener with panic recovery so one bad subscriber cannot
// break delivery to the rest.
func (b *Bus) wrap(topic string, listener func(UpdateEvent)) func(UpdateEvent) {
	return func(ev UpdateEvent) {
		defer func() {
			if r := recover(); r != nil {
				if b.onPanic != nil {
					b.onPanic(topic, r)
				} else {
					b.log.Error().Str("topic", topic).Interface("panic", r).Msg("updatebus listener panicked")
				}
			}
		}()
		listener(ev)
	}
}

// Subscribe registers listener for a specific (symbol, interval). The
// returned func removes the subscription.
func (b *Bus) Subscribe(symbol, interval string, listener func(UpdateEvent)) func() {
	topic := topicFor(symbol, interval)
	wrapped := b.wrap(topic, listener)
	if err := b.raw.Subscribe(topic, wrapped); err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("subscribe failed")
		return func() {}
	}
	return func() {
		_ = b.raw.Unsubscribe(topic, wrapped)
	}
}

// SubscribeAll registers listener for every Emit regardless of key.
func (b *Bus) SubscribeAll(listener func(UpdateEvent)) func() {
	wrapped := b.wrap(globalTopic, listener)
	if err := b.raw.Subscribe(globalTopic, wrapped); err != nil {
		b.log.Error().Err(err).Msg("subscribeAll failed")
		return func() {}
	}
	return func() {
		_ = b.raw.Unsubscribe(globalTopic, wrapped)
	}
}

// Emit delivers ev to specific-key listeners first, then global listeners,
// both synchronously and in the order Emit was called.
func (b *Bus) Emit(symbol, interval string, ev UpdateEvent) {
	topic := topicFor(symbol, interval)
	b.raw.Publish(topic, ev)
	b.raw.Publish(globalTopic, ev)
}

// String renders a human-readable key, useful for logging/metrics labels.
func (ev UpdateEvent) String() string {
	return fmt.Sprintf("%s@%s", ev.Symbol, ev.Interval)
}
