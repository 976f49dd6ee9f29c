package statemachine

import (
	"sync"
	"time"
)

// defaultDrainGrace is how long a stopped machine keeps delivering queued
// events to a subscriber that is not receiving them.
const defaultDrainGrace = time.Minute

// SubscribeOption configures a Subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	replayCurrent bool
}

// WithReplayCurrent makes the subscription start with the most recently
// published activation, if the machine is active. Later activations follow in
// order with no gap and no duplicate.
func WithReplayCurrent() SubscribeOption {
	return func(o *subscribeOptions) {
		o.replayCurrent = true
	}
}

// Subscription is one consumer of a machine's activation stream.
//
// Events are queued without bound so that a slow subscriber never blocks the
// machine. The channel returned by C is closed after the machine stops, once
// all queued events were received, or after Unsubscribe. Events still queued a
// minute after the machine stopped are dropped and the channel is closed.
type Subscription struct {
	out  chan Activation
	wake chan struct{}
	quit chan struct{}

	mu     sync.Mutex
	queue  []Activation
	closed bool

	once     sync.Once
	quitOnce sync.Once
	detach   func(*Subscription)
	grace    time.Duration
}

func newSubscription(detach func(*Subscription), grace time.Duration) *Subscription {
	sub := &Subscription{
		out:    make(chan Activation),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		detach: detach,
		grace:  grace,
	}

	go sub.pump()

	return sub
}

// C returns the ordered stream of activations.
func (s *Subscription) C() <-chan Activation {
	return s.out
}

// Unsubscribe detaches the subscription and closes its channel. Queued events
// that were not received yet are dropped. Calling it more than once is safe.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.detach != nil {
			s.detach(s)
		}

		s.stopPump()
	})
}

func (s *Subscription) stopPump() {
	s.quitOnce.Do(func() {
		close(s.quit)
	})
}

func (s *Subscription) push(activation Activation) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, activation)
	}
	s.mu.Unlock()

	s.notify()
}

// end marks the stream complete; the pump closes the channel once drained,
// or when the drain grace period is over.
func (s *Subscription) end() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.notify()

	if s.grace > 0 {
		time.AfterFunc(s.grace, s.stopPump)
	}
}

func (s *Subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump hands queued events to the output channel one at a time, in order.
func (s *Subscription) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()

		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()

			if closed {
				return
			}

			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}

		next := s.queue[0]
		s.mu.Unlock()

		select {
		case s.out <- next:
			s.mu.Lock()
			s.queue[0] = Activation{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
		case <-s.quit:
			return
		}
	}
}

// publisher fans activations out to subscriptions in publish order.
type publisher struct {
	mu         sync.Mutex
	subs       map[*Subscription]struct{}
	last       *Activation
	closed     bool
	drainGrace time.Duration
}

func newPublisher() *publisher {
	return &publisher{
		subs:       make(map[*Subscription]struct{}),
		drainGrace: defaultDrainGrace,
	}
}

func (p *publisher) subscribe(opts subscribeOptions) *Subscription {
	sub := newSubscription(p.detach, p.drainGrace)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		sub.end()

		return sub
	}

	if opts.replayCurrent && p.last != nil {
		sub.push(*p.last)
	}

	p.subs[sub] = struct{}{}

	return sub
}

func (p *publisher) detach(sub *Subscription) {
	p.mu.Lock()
	delete(p.subs, sub)
	p.mu.Unlock()
}

// publish must be called in hand-off order; the machine calls it while
// holding its transition lock.
func (p *publisher) publish(activation Activation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.last = &activation

	for sub := range p.subs {
		sub.push(activation)
	}
}

// close ends every subscription. It is idempotent.
func (p *publisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	p.last = nil

	for sub := range p.subs {
		sub.end()
	}

	p.subs = nil
}
