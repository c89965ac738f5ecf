package pocket

import "sync"

// Subscription is a live feed of store changes for a set of tables. The
// channel fires after every committed write touching a subscribed table,
// whether the write came from a user action or from a pull. Notifications
// coalesce: a subscriber that has not drained the channel sees one pending
// notification, not a backlog.
type Subscription struct {
	ch     chan struct{}
	cancel func()
}

// C returns the notification channel. It is closed on Cancel.
func (s *Subscription) C() <-chan struct{} {
	return s.ch
}

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.cancel()
}

type observerRegistry struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*registeredSub
}

type registeredSub struct {
	tables map[string]struct{}
	ch     chan struct{}
}

func newObserverRegistry() *observerRegistry {
	return &observerRegistry{subs: make(map[int]*registeredSub)}
}

// Observe subscribes to changes on the given tables. With no tables it
// subscribes to every table.
func (s *Store) Observe(tables ...string) *Subscription {
	return s.observers.observe(tables...)
}

func (r *observerRegistry) observe(tables ...string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &registeredSub{ch: make(chan struct{}, 1)}
	if len(tables) > 0 {
		sub.tables = make(map[string]struct{}, len(tables))
		for _, t := range tables {
			sub.tables[t] = struct{}{}
		}
	}

	id := r.nextID
	r.nextID++
	r.subs[id] = sub

	return &Subscription{
		ch: sub.ch,
		cancel: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if registered, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(registered.ch)
			}
		},
	}
}

// notify wakes every subscriber matching at least one of the tables. With
// no tables it wakes everyone; pull and push touch the whole store.
func (r *observerRegistry) notify(tables ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs {
		if len(tables) > 0 && !sub.matches(tables) {
			continue
		}
		select {
		case sub.ch <- struct{}{}:
		default: // already pending, coalesce
		}
	}
}

func (s *registeredSub) matches(tables []string) bool {
	if s.tables == nil {
		return true
	}
	for _, t := range tables {
		if _, ok := s.tables[t]; ok {
			return true
		}
	}
	return false
}
