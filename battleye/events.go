package battleye

import "sync"

// EventKind discriminates the variants of the Event sum type emitted by
// a Connection and by a Multiplexer over a typed channel, rather than
// a callback-registry/emitter-with-many-listeners design.
type EventKind int

const (
	// Connection-level events.
	EventMessage EventKind = iota
	EventCommand
	EventConnected
	EventDisconnected
	EventDebug
	EventError

	// Multiplexer-level events.
	EventListening
	EventReceived
	EventSent
)

// Event is a single occurrence on a Connection or Multiplexer. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// EventMessage / EventCommand
	Text     string
	Resolved bool // EventCommand only: true iff a pending request matched
	Packet   *Packet

	// EventDisconnected
	Reason error

	// EventDebug
	Debug string

	// EventError
	Err error

	// EventConnected / EventReceived / EventSent / EventListening
	Connection *Connection
	Buffer     []byte
	Bytes      int
	Remote     string
}

// subscribers fans a stream of Events out to any number of registered
// channels. It is embedded by both Connection and Multiplexer.
type subscribers struct {
	mu   sync.Mutex
	subs []chan Event
}

// Subscribe registers a new channel that receives every subsequent
// Event. The returned channel must eventually be passed to Unsubscribe.
func (s *subscribers) Subscribe(buffer int) chan Event {
	ch := make(chan Event, buffer)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (s *subscribers) Unsubscribe(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.subs {
		if c == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// emit fans ev out to every subscriber without blocking; a subscriber
// whose buffer is full misses the event rather than stalling the engine.
func (s *subscribers) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}
