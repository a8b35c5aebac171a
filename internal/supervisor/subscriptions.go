package supervisor

import (
	"slices"

	"github.com/mattjoyce/plapperkasten/internal/feed"
)

// Register subscribes who to ev. Registering twice has no effect. With
// exclusive set, who becomes the only subscriber.
func (s *Supervisor) Register(ev, who string, exclusive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exclusive {
		s.subs[ev] = []string{who}
		return
	}
	if slices.Contains(s.subs[ev], who) {
		return
	}
	s.subs[ev] = append(s.subs[ev], who)
}

// Unregister removes who from ev. Removing a non-member is logged, not an
// error.
func (s *Supervisor) Unregister(ev, who string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisterLocked(ev, who)
}

func (s *Supervisor) unregisterLocked(ev, who string) {
	subs := s.subs[ev]
	i := slices.Index(subs, who)
	if i < 0 {
		s.logger.Error("not registered", "event", ev, "plugin", who)
		return
	}
	subs = slices.Delete(slices.Clone(subs), i, i+1)
	if len(subs) == 0 {
		delete(s.subs, ev)
		return
	}
	s.subs[ev] = subs
}

// UnregisterFromAll removes who from every event.
func (s *Supervisor) UnregisterFromAll(who string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisterAllLocked(who)
}

func (s *Supervisor) unregisterAllLocked(who string) {
	for ev, subs := range s.subs {
		if slices.Contains(subs, who) {
			s.unregisterLocked(ev, who)
		}
	}
}

// Subscribers returns a copy of the subscribers of ev in registration order.
func (s *Supervisor) Subscribers(ev string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.subs[ev])
}

// dropSubscriber forgets who entirely after its queue vanished.
func (s *Supervisor) dropSubscriber(who string) {
	s.mu.Lock()
	s.unregisterAllLocked(who)
	delete(s.queues, who)
	n := len(s.queues)
	s.mu.Unlock()

	s.opts.Metrics.SetPlugins(n)
	s.publish(feed.KindRemoved, map[string]string{"plugin": who})
}
