package record

import "sync"

// Broker fans record changes out to subscribers. Each subscriber has its own
// delivery goroutine holding only the latest undelivered record, so a slow
// subscriber never blocks writers and always ends up seeing the newest state.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscription]struct{})}
}

type subscription struct {
	fn func(Record)

	pendingMu sync.Mutex
	pending   *Record

	// deliverMu is held while fn runs.
	deliverMu sync.Mutex
	stopped   bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// Subscribe registers fn for changes to record id. If initial is non-nil it
// is delivered first. The returned function stops delivery; once it returns
// fn will not be invoked again. It must not be called from inside fn.
func (b *Broker) Subscribe(id string, initial *Record, fn func(Record)) func() {
	s := &subscription{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	set, ok := b.subs[id]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[id] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	go s.run()
	if initial != nil {
		s.offer(*initial)
	}

	return func() {
		b.mu.Lock()
		if set, ok := b.subs[id]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, id)
			}
		}
		b.mu.Unlock()
		s.stop()
	}
}

// Publish delivers r to every subscriber of r.ID.
func (b *Broker) Publish(r Record) {
	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs[r.ID]))
	for s := range b.subs[r.ID] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.offer(r)
	}
}

// Subscribers returns the number of live subscriptions for id.
func (b *Broker) Subscribers(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}

// Close stops every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	var all []*subscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*subscription]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
}

func (s *subscription) offer(r Record) {
	r = r.Public()
	s.pendingMu.Lock()
	s.pending = &r
	s.pendingMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.pendingMu.Lock()
		r := s.pending
		s.pending = nil
		s.pendingMu.Unlock()
		if r == nil {
			continue
		}

		s.deliverMu.Lock()
		if s.stopped {
			s.deliverMu.Unlock()
			return
		}
		s.fn(*r)
		s.deliverMu.Unlock()
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		close(s.done)
		s.deliverMu.Lock()
		s.stopped = true
		s.deliverMu.Unlock()
	})
}
