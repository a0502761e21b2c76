package event

// Scoped is a view over a shared Bus that remembers the subscriptions made through it. It can only
// unsubscribe those, so one mod can never remove another mod's listeners.
type Scoped struct {
	bus   *Bus
	owned map[SubscriptionID]struct{}
}

// Subscribe subscribes fn on the underlying bus and records ownership.
func (s *Scoped) Subscribe(topic string, fn Handler) SubscriptionID {
	id := s.bus.Subscribe(topic, fn)
	s.owned[id] = struct{}{}
	return id
}

// Unsubscribe removes a subscription made through this scope. Returns false for subscriptions the
// scope doesn't own.
func (s *Scoped) Unsubscribe(id SubscriptionID) bool {
	if _, ok := s.owned[id]; !ok {
		return false
	}
	delete(s.owned, id)
	return s.bus.Unsubscribe(id)
}

// Publish publishes on the underlying bus. Every subscriber receives the event, not just this
// scope's.
func (s *Scoped) Publish(topic string, payload any) error {
	return s.bus.Publish(topic, payload)
}

// RemoveAll removes every subscription owned by this scope and returns how many were removed.
func (s *Scoped) RemoveAll() int {
	removed := 0
	for id := range s.owned {
		if s.bus.Unsubscribe(id) {
			removed++
		}
	}
	clear(s.owned)
	return removed
}

// Len returns the number of live subscriptions owned by this scope.
func (s *Scoped) Len() int {
	return len(s.owned)
}
