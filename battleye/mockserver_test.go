package battleye

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const mockServerTestAddr = "127.0.0.1:0"

// mockServer is a minimal BattlEye-speaking UDP server used to drive
// the Connection/Multiplexer state machine end to end without a real
// game server. It answers logins, echoes a canned command response,
// reports "Unknown command" for one sentinel command, can fragment a
// reply across multiple packets, and can push an unsolicited Message.
type mockServer struct {
	t    *testing.T
	pc   net.PacketConn
	pwd  string
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	clients map[string]net.Addr

	loginCount int64
	cmdCount   int64
	ackCount   int64
}

func newMockServer(t *testing.T, pwd string) *mockServer {
	t.Helper()
	pc, err := net.ListenPacket("udp", mockServerTestAddr)
	require.NoError(t, err)

	s := &mockServer{
		t:       t,
		pc:      pc,
		pwd:     pwd,
		done:    make(chan struct{}),
		clients: make(map[string]net.Addr),
	}
	s.wg.Add(1)
	go s.serve()
	return s
}

func (s *mockServer) Addr() string { return s.pc.LocalAddr().String() }

func (s *mockServer) Close() {
	close(s.done)
	s.pc.Close()
	s.wg.Wait()
}

func (s *mockServer) serve() {
	defer s.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		_ = s.pc.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				return
			}
		}
		s.mu.Lock()
		s.clients[addr.String()] = addr
		s.mu.Unlock()

		pkt, err := DecodePacket(append([]byte(nil), buf[:n]...))
		if err != nil {
			continue
		}
		// DecodePacket reads the server->client layouts, so the fields of
		// the client's Login/Command Request are taken from the payload here.
		payload := buf[headerSize:n]
		switch pkt.Type {
		case PayloadLogin:
			pkt.Password = string(payload[2:])
		case PayloadCommand:
			pkt.Command = string(payload[3:])
		}
		s.handle(pkt, addr)
	}
}

func (s *mockServer) handle(pkt *Packet, addr net.Addr) {
	switch pkt.Type {
	case PayloadLogin:
		atomic.AddInt64(&s.loginCount, 1)
		ok := pkt.Password == s.pwd
		var ack byte
		if ok {
			ack = 1
		}
		s.write(addr, []byte{sentinelByte, byte(PayloadLogin), ack})
	case PayloadCommand:
		atomic.AddInt64(&s.cmdCount, 1)
		switch pkt.Command {
		case "unknown":
			s.reply(addr, pkt.Sequence, "Unknown command")
		case "split":
			s.writeSplit(addr, pkt.Sequence, "hello ", "world")
		default:
			s.reply(addr, pkt.Sequence, "0 players online")
		}
	case PayloadMessage:
		// client ack to a broadcast we sent.
		atomic.AddInt64(&s.ackCount, 1)
	}
}

func (s *mockServer) reply(addr net.Addr, seq byte, data string) {
	payload := append([]byte{sentinelByte, byte(PayloadCommand), seq}, []byte(data)...)
	s.write(addr, payload)
}

func (s *mockServer) writeSplit(addr net.Addr, seq byte, parts ...string) {
	total := byte(len(parts))
	for i, part := range parts {
		payload := []byte{sentinelByte, byte(PayloadCommand), seq, 0x00, total, byte(i)}
		payload = append(payload, []byte(part)...)
		s.write(addr, payload)
	}
}

// Broadcast sends an unsolicited Message to every client seen so far.
func (s *mockServer) Broadcast(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, addr := range s.clients {
		payload := append([]byte{sentinelByte, byte(PayloadMessage), 0}, []byte(text)...)
		s.write(addr, payload)
	}
}

func (s *mockServer) write(addr net.Addr, payload []byte) {
	buf := make([]byte, headerSize, headerSize+len(payload))
	buf[0], buf[1] = 'B', 'E'
	putChecksum(buf, payload)
	buf = append(buf, payload...)
	_, _ = s.pc.WriteTo(buf, addr)
}
