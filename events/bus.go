package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/KyberNetwork/logger"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/queue"
)

// ErrBusStopped is returned when publishing to or subscribing on a stopped bus.
var ErrBusStopped = fmt.Errorf("event bus stopped")

// DefaultQueueSize is the buffered part of each subscriber's queue. Events
// beyond it overflow into an unbounded list so publishers never block on a
// slow subscriber.
const DefaultQueueSize = 20

// Subscription receives the events its owner subscribed to, in publish order.
type Subscription struct {
	id     uuid.UUID
	kinds  map[Kind]struct{}
	cancel func()

	updates *queue.ConcurrentQueue
	quit    chan struct{}
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Updates delivers events. Every value is an Event.
func (s *Subscription) Updates() <-chan interface{} {
	return s.updates.ChanOut()
}

// Quit is closed when the bus stops delivering to this subscription.
func (s *Subscription) Quit() <-chan struct{} {
	return s.quit
}

// Cancel ends the subscription.
func (s *Subscription) Cancel() {
	s.cancel()
}

func (s *Subscription) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus fans events out to subscribers from a single handler goroutine, so
// every subscriber observes events in the order they were published.
type Bus struct {
	started atomic.Bool
	stopped atomic.Bool

	subs        map[uuid.UUID]*Subscription
	subRequests chan subRequest
	events      chan Event

	quit chan struct{}
	wg   sync.WaitGroup
}

type subRequest struct {
	cancel bool
	id     uuid.UUID
	sub    *Subscription
}

// NewBus returns a bus; call Start before use.
func NewBus() *Bus {
	return &Bus{
		subs:        make(map[uuid.UUID]*Subscription),
		subRequests: make(chan subRequest),
		events:      make(chan Event),
		quit:        make(chan struct{}),
	}
}

// Start launches the handler goroutine.
func (b *Bus) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}

	b.wg.Add(1)
	go b.handler()
}

// Stop stops delivery and closes every subscription's Quit channel.
func (b *Bus) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}

	close(b.quit)
	b.wg.Wait()
}

// Subscribe registers a subscriber for the given kinds, or all kinds if none
// are given.
func (b *Bus) Subscribe(kinds ...Kind) (*Subscription, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	sub := &Subscription{
		id:      id,
		kinds:   make(map[Kind]struct{}, len(kinds)),
		updates: queue.NewConcurrentQueue(DefaultQueueSize),
		quit:    make(chan struct{}),
	}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}
	sub.cancel = func() {
		select {
		case b.subRequests <- subRequest{cancel: true, id: id}:
		case <-b.quit:
		}
	}

	select {
	case b.subRequests <- subRequest{id: id, sub: sub}:
	case <-b.quit:
		return nil, ErrBusStopped
	}
	return sub, nil
}

// Publish hands ev to the handler. It blocks only until the handler accepts
// the event, never on subscribers.
func (b *Bus) Publish(ev Event) error {
	select {
	case b.events <- ev:
		return nil
	case <-b.quit:
		return ErrBusStopped
	}
}

// handler owns the subscriber set.
//
// NOTE: MUST be run as a goroutine.
func (b *Bus) handler() {
	defer b.wg.Done()

	for {
		select {
		case req := <-b.subRequests:
			if req.cancel {
				if sub, ok := b.subs[req.id]; ok {
					sub.updates.Stop()
					close(sub.quit)
					delete(b.subs, req.id)
				}
				continue
			}

			req.sub.updates.Start()
			b.subs[req.id] = req.sub

		case ev := <-b.events:
			for _, sub := range b.subs {
				if !sub.wants(ev.Kind()) {
					continue
				}
				select {
				case sub.updates.ChanIn() <- ev:
				case <-sub.quit:
				case <-b.quit:
					b.shutdown()
					return
				}
			}

		case <-b.quit:
			b.shutdown()
			return
		}
	}
}

// shutdown stops every subscriber queue and closes its Quit channel.
func (b *Bus) shutdown() {
	n := len(b.subs)
	for id, sub := range b.subs {
		sub.updates.Stop()
		close(sub.quit)
		delete(b.subs, id)
	}
	logger.WithFields(logger.Fields{"subscribers": n}).Debug("event bus stopped")
}
