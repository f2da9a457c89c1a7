package node

import (
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Handler consumes the payload of one delivered application message. The
// bytes are exactly what the remote publisher passed to Publish.
type Handler func(payload []byte)

// Subscription is the handle returned by Subscribe and consumed by
// Unsubscribe. Handles stand in for function identity, since Go func values
// cannot be compared.
type Subscription struct {
	class string
	seq   uint64
}

// Class returns the message class this subscription listens on.
func (s *Subscription) Class() string { return s.class }

// subscribers is the local subscription table: message class to active
// handlers. Presence of at least one handler decides both inbound dispatch
// and which classes the node advertises in heartbeats.
type subscribers struct {
	mu      sync.RWMutex
	seq     uint64
	byClass map[string]map[uint64]Handler
}

func newSubscribers() *subscribers {
	return &subscribers{byClass: make(map[string]map[uint64]Handler)}
}

func (s *subscribers) add(class string, h Handler) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	if s.byClass[class] == nil {
		s.byClass[class] = make(map[uint64]Handler)
	}
	s.byClass[class][s.seq] = h
	return &Subscription{class: class, seq: s.seq}
}

func (s *subscribers) remove(sub *Subscription) {
	if sub == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	handlers := s.byClass[sub.class]
	delete(handlers, sub.seq)
	if len(handlers) == 0 {
		delete(s.byClass, sub.class)
	}
}

func (s *subscribers) hasActive(class string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byClass[class]) > 0
}

// classes returns the sorted set of classes with at least one handler.
func (s *subscribers) classes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.byClass))
	for class := range s.byClass {
		out = append(out, class)
	}
	slices.Sort(out)
	return out
}

// dispatch invokes every handler registered for the class. Handlers run on
// the caller's goroutine; a panicking handler is logged and must not take
// down the receive path.
func (s *subscribers) dispatch(class string, payload []byte) {
	s.mu.RLock()
	handlers := make([]Handler, 0, len(s.byClass[class]))
	for _, h := range s.byClass[class] {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("dispatch: handler for %q panicked: %v", class, r)
				}
			}()
			h(payload)
		}()
	}
}

func (s *subscribers) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byClass = make(map[string]map[uint64]Handler)
}
