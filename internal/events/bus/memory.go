package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/common/logger"
)

// subscriberBuffer is how many events a slow in-process subscriber may fall
// behind before events to it are dropped.
const subscriberBuffer = 256

// MemoryEventBus implements EventBus in process. Every subscription has its
// own delivery goroutine, so a slow subscriber never blocks publishers or
// other subscribers.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[*memorySubscription]struct{}
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler

	events chan delivery
	once   sync.Once
	done   chan struct{}

	mu     sync.Mutex
	active bool
}

type delivery struct {
	ctx     context.Context
	subject string
	event   *Event
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[*memorySubscription]struct{}),
		logger:        log.WithFields(zap.String("component", "memory-bus")),
	}
}

// Publish hands the event to every matching subscriber.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for sub := range b.subscriptions {
		if !matches(subject, sub.subject, sub.pattern) {
			continue
		}
		sub.offer(delivery{ctx: context.WithoutCancel(ctx), subject: subject, event: event}, b.logger)
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		events:  make(chan delivery, subscriberBuffer),
		done:    make(chan struct{}),
		active:  true,
	}
	b.subscriptions[sub] = struct{}{}
	go sub.run(b.logger)

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close closes the event bus
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscriptions {
		sub.stop()
	}
	b.subscriptions = make(map[*memorySubscription]struct{})
	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true until the bus is closed.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) offer(d delivery, log *logger.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	select {
	case s.events <- d:
	default:
		log.Warn("Subscriber is not keeping up, dropping event",
			zap.String("subscription", s.subject),
			zap.String("event_type", d.event.Type))
	}
}

func (s *memorySubscription) run(log *logger.Logger) {
	for {
		select {
		case d := <-s.events:
			if err := s.handler(d.ctx, d.event); err != nil {
				log.Error("Event handler error",
					zap.String("subject", d.subject),
					zap.String("event_type", d.event.Type),
					zap.Error(err))
			}
		case <-s.done:
			return
		}
	}
}

func (s *memorySubscription) stop() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe removes the subscription. Events already queued for it are
// discarded.
func (s *memorySubscription) Unsubscribe() error {
	s.stop()
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s)
	s.bus.mu.Unlock()
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// matches checks if a subject matches a pattern
// Supports NATS-style wildcards: * (single token) and > (multiple tokens)
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regex, nil when the
// pattern has no wildcards.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
