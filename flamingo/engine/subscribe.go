package engine

import (
	"sync"

	"github.com/d4hines/window-alm-3/flamingo"
)

// Notification describes a committed transaction and its Output changes
type Notification struct {
	TxID       uint64
	Kind       Kind
	DispatchID string
	Output     []flamingo.Change
}

type subscribers struct {
	mu     sync.Mutex
	chans  map[uint64]chan Notification
	next   uint64
	closed bool
}

func (s *subscribers) init() {
	s.chans = make(map[uint64]chan Notification)
}

func (s *subscribers) add(buffer int) (uint64, chan Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Notification, buffer)
	if s.closed {
		close(ch)
		return 0, ch, false
	}
	s.next++
	s.chans[s.next] = ch
	return s.next, ch, true
}

func (s *subscribers) remove(id uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.chans[id]; ok {
		delete(s.chans, id)
		close(ch)
	}
	return len(s.chans)
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.chans {
		delete(s.chans, id)
		close(ch)
	}
	s.closed = true
}

// Subscribe registers for notifications of committed transactions. A full
// subscriber misses notifications rather than blocking commits; buffer <= 0
// uses Options.SubscriptionBuffer. The returned cancel func closes the
// channel and is safe to call more than once. Subscribing to a stopped
// engine returns a closed channel.
func (e *Engine) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = e.opts.SubscriptionBuffer
	}
	id, ch, ok := e.subs.add(buffer)
	if !ok {
		return ch, func() {}
	}
	e.metrics.SetSubscribers(e.subs.count())

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.metrics.SetSubscribers(e.subs.remove(id))
		})
	}
}

func (s *subscribers) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chans)
}

func (e *Engine) publish(n Notification) {
	e.subs.mu.Lock()
	defer e.subs.mu.Unlock()
	for id, ch := range e.subs.chans {
		select {
		case ch <- n:
		default:
			e.metrics.RecordDrop()
			e.log.Warn().Uint64("subscriber", id).Uint64("tx", n.TxID).Msg("subscriber full, notification dropped")
		}
	}
}
