package battleye

import (
	"sync"
	"time"
)

// ConnectionStats is a point-in-time, read-only snapshot of a
// Connection's traffic counters, suitable for JSON encoding by the
// httpstatus package.
//
// Counters are accumulated in memory only; persisting them across
// restarts is out of scope for this engine.
type ConnectionStats struct {
	CommandsSent     int           `json:"commandsSent"`
	CommandsResolved int           `json:"commandsResolved"`
	CommandsFailed   int           `json:"commandsFailed"`
	Retransmissions  int           `json:"retransmissions"`
	ReconnectCount   int           `json:"reconnectCount"`
	LastKeepAliveRTT time.Duration `json:"lastKeepAliveRTT"`
	MessagesReceived int           `json:"messagesReceived"`
}

type connStats struct {
	mu    sync.Mutex
	stats ConnectionStats
}

func (s *connStats) recordSent() {
	s.mu.Lock()
	s.stats.CommandsSent++
	s.mu.Unlock()
}

func (s *connStats) recordResolved() {
	s.mu.Lock()
	s.stats.CommandsResolved++
	s.mu.Unlock()
}

func (s *connStats) recordFailed() {
	s.mu.Lock()
	s.stats.CommandsFailed++
	s.mu.Unlock()
}

func (s *connStats) recordRetransmission() {
	s.mu.Lock()
	s.stats.Retransmissions++
	s.mu.Unlock()
}

func (s *connStats) recordReconnect() {
	s.mu.Lock()
	s.stats.ReconnectCount++
	s.mu.Unlock()
}

func (s *connStats) recordMessage() {
	s.mu.Lock()
	s.stats.MessagesReceived++
	s.mu.Unlock()
}

func (s *connStats) recordKeepAliveRTT(d time.Duration) {
	s.mu.Lock()
	s.stats.LastKeepAliveRTT = d
	s.mu.Unlock()
}

func (s *connStats) snapshot() ConnectionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
