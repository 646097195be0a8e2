// Package events provides the in-process publish/subscribe bus. Channels
// are named, per-subscriber buffers are bounded, and overflow drops the
// oldest undelivered events rather than blocking publishers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Well-known channels.
const (
	ChannelDeployments = "deployments"
	ChannelPipelines   = "pipelines"
	ChannelCompliance  = "compliance"
	ChannelHealth      = "health"
	ChannelAlerts      = "alerts"
)

// Deployment event types.
const (
	TypeStarted           = "started"
	TypeStageUpdate       = "stage-update"
	TypeCompleted         = "completed"
	TypeFailed            = "failed"
	TypeRollbackInitiated = "rollback-initiated"
	TypeRollbackCompleted = "rollback-completed"
)

// TypeOverflow is the meta-event emitted after a subscriber's buffer
// dropped events.
const TypeOverflow = "overflow"

// DefaultBufferSize is the per-subscriber buffer bound.
const DefaultBufferSize = 256

// Event is the bus payload.
type Event struct {
	ID         string         `json:"id"`
	Channel    string         `json:"channel"`
	Type       string         `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Repository string         `json:"repository,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Subscription is one subscriber's view of a channel. Events arrive on
// C in publish order; Close releases the subscription.
type Subscription struct {
	channel string
	out     chan Event
	notify  chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	buf     []Event
	dropped int
	closed  bool
}

// C returns the receive channel for this subscription.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Close stops delivery. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
}

// push appends ev, evicting the oldest buffered event when full.
// Returns the number of events dropped by this push.
func (s *Subscription) push(ev Event, limit int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	dropped := 0
	if len(s.buf) >= limit {
		s.buf = s.buf[1:]
		dropped = 1
		s.dropped++
	}
	s.buf = append(s.buf, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// dispatch drains the buffer to the out channel, injecting a single
// overflow meta-event once a drop batch has been observed.
func (s *Subscription) dispatch() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next Event
		have := false
		if s.dropped > 0 && len(s.buf) > 0 {
			next = Event{
				ID:        uuid.NewString(),
				Channel:   s.channel,
				Type:      TypeOverflow,
				Timestamp: time.Now().UTC(),
				Payload:   map[string]any{"dropped": s.dropped},
			}
			s.dropped = 0
			have = true
		} else if len(s.buf) > 0 {
			next = s.buf[0]
			s.buf = s.buf[1:]
			have = true
		}
		closed := s.closed
		s.mu.Unlock()

		if have {
			select {
			case s.out <- next:
				continue
			case <-s.done:
				return
			}
		}
		if closed {
			return
		}
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}

// Bus is the in-process event bus.
type Bus struct {
	logger     zerolog.Logger
	bufferSize int

	mu        sync.RWMutex
	subs      map[string][]*Subscription
	published map[string]int64
	dropped   map[string]int64
}

// New creates a bus with the given per-subscriber buffer size
// (DefaultBufferSize when <= 0).
func New(logger zerolog.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		logger:     logger.With().Str("component", "event_bus").Logger(),
		bufferSize: bufferSize,
		subs:       make(map[string][]*Subscription),
		published:  make(map[string]int64),
		dropped:    make(map[string]int64),
	}
}

// Subscribe registers a new subscriber on the channel.
func (b *Bus) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		channel: channel,
		out:     make(chan Event),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go sub.dispatch()

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	b.logger.Debug().Str("channel", channel).Msg("subscriber registered")
	return sub
}

// Publish delivers the event to every subscriber of the channel. Never
// blocks; full subscriber buffers lose their oldest event instead.
func (b *Bus) Publish(channel, eventType, repository string, payload map[string]any) Event {
	ev := Event{
		ID:         uuid.NewString(),
		Channel:    channel,
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		Repository: repository,
		Payload:    payload,
	}

	b.mu.Lock()
	subs := make([]*Subscription, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.published[channel]++
	b.mu.Unlock()

	droppedTotal := 0
	for _, sub := range subs {
		droppedTotal += sub.push(ev, b.bufferSize)
	}
	if droppedTotal > 0 {
		b.mu.Lock()
		b.dropped[channel] += int64(droppedTotal)
		b.mu.Unlock()
		b.logger.Warn().
			Str("channel", channel).
			Int("dropped", droppedTotal).
			Msg("subscriber buffer overflow, oldest events dropped")
	}
	return ev
}

// Stats returns cumulative published and dropped counts per channel.
func (b *Bus) Stats() (published, dropped map[string]int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	published = make(map[string]int64, len(b.published))
	dropped = make(map[string]int64, len(b.dropped))
	for k, v := range b.published {
		published[k] = v
	}
	for k, v := range b.dropped {
		dropped[k] = v
	}
	return published, dropped
}

// Close shuts down every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.Close()
		}
	}
	b.subs = make(map[string][]*Subscription)
}
