package agency

import (
	"sync"

	"github.com/agencykit/agentd/internal/events"
)

// Envelope is one relayed event with its origin attached.
type Envelope struct {
	AgencyID string       `json:"agencyId"`
	AgentID  string       `json:"agentId"`
	Event    events.Event `json:"event"`
}

// Relay fans agent events out to live subscribers. Slow subscribers
// drop events rather than block the emitting actor.
type Relay struct {
	agencyID string

	mu   sync.Mutex
	next int64
	subs map[int64]*Subscription
}

// Subscription is one live event listener. The filter can be swapped
// while subscribed; an empty filter receives everything.
type Subscription struct {
	relay *Relay
	id    int64
	ch    chan Envelope

	mu     sync.Mutex
	filter map[string]bool
}

// NewRelay builds a relay for one agency.
func NewRelay(agencyID string) *Relay {
	return &Relay{agencyID: agencyID, subs: make(map[int64]*Subscription)}
}

// Subscribe registers a listener narrowed to agentIDs (nil for all).
func (r *Relay) Subscribe(agentIDs []string) *Subscription {
	sub := &Subscription{relay: r, ch: make(chan Envelope, 256)}
	sub.SetFilter(agentIDs)

	r.mu.Lock()
	sub.id = r.next
	r.next++
	r.subs[sub.id] = sub
	r.mu.Unlock()
	return sub
}

// C is the delivery channel. It closes when the subscription does.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// SetFilter replaces the agent filter; nil or empty means all agents.
func (s *Subscription) SetFilter(agentIDs []string) {
	var filter map[string]bool
	if len(agentIDs) > 0 {
		filter = make(map[string]bool, len(agentIDs))
		for _, id := range agentIDs {
			filter[id] = true
		}
	}
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
}

// Mute drops all delivery until the next SetFilter.
func (s *Subscription) Mute() {
	s.mu.Lock()
	s.filter = map[string]bool{}
	s.mu.Unlock()
}

// Add extends the filter with more agents. A nil (match-all) filter
// stays match-all.
func (s *Subscription) Add(agentIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter == nil {
		return
	}
	for _, id := range agentIDs {
		s.filter[id] = true
	}
}

// Remove drops agents from the filter.
func (s *Subscription) Remove(agentIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter == nil {
		return
	}
	for _, id := range agentIDs {
		delete(s.filter, id)
	}
}

func (s *Subscription) matches(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter == nil || s.filter[agentID]
}

// Close cancels the subscription and closes its channel.
func (s *Subscription) Close() {
	r := s.relay
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[s.id]; ok {
		delete(r.subs, s.id)
		close(s.ch)
	}
}

// Publish delivers one event to all matching subscribers.
func (r *Relay) Publish(agentID string, e events.Event) {
	env := Envelope{AgencyID: r.agencyID, AgentID: agentID, Event: e}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if !sub.matches(agentID) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Subscriber is not keeping up; drop.
		}
	}
}
