package battleye

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultIP is the Multiplexer bind address default.
	DefaultIP = "0.0.0.0"
	// DefaultPort is the Multiplexer bind port default.
	DefaultPort = 2310

	maxDatagramSize = 4096
)

// Multiplexer owns one UDP socket and fans it out to the Connections
// registered on it, keyed by connectionID(ip, port). Only the
// Multiplexer ever writes to the socket; writeMu serializes those
// writes across every Connection sharing it.
type Multiplexer struct {
	subscribers

	ip    string
	port  int
	clock clockwork.Clock
	log   logrus.FieldLogger

	mu                 sync.Mutex
	pconn              net.PacketConn
	listening          bool
	connections        map[string]*Connection
	pendingAutoConnect []*Connection

	writeMu sync.Mutex
}

// NewMultiplexer constructs a Multiplexer bound to ip:port once Listen
// is called. An empty ip or a zero port fall back to the package defaults.
func NewMultiplexer(ip string, port int, clock clockwork.Clock, log logrus.FieldLogger) *Multiplexer {
	if ip == "" {
		ip = DefaultIP
	}
	if port == 0 {
		port = DefaultPort
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Multiplexer{
		ip:          ip,
		port:        port,
		clock:       clock,
		log:         log,
		connections: make(map[string]*Connection),
	}
}

func connectionID(ip string, port int) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d", ip, port)))
	return hex.EncodeToString(sum[:])
}

// Connection registers a new remote endpoint. Duplicate ids (same
// ip:port) fail with ErrConnectionExists. If autoConnect is set, a
// connect() is kicked off immediately when the socket is already
// listening, or deferred until Listen succeeds.
func (m *Multiplexer) Connection(ip string, port int, password string, cfg Config, autoConnect bool) (*Connection, error) {
	id := connectionID(ip, port)

	m.mu.Lock()
	if _, exists := m.connections[id]; exists {
		m.mu.Unlock()
		return nil, ErrConnectionExists
	}
	conn := newConnection(id, ip, port, password, cfg, m, m.clock, m.log.WithField("connection", id))
	m.connections[id] = conn
	listening := m.listening
	if autoConnect && !listening {
		m.pendingAutoConnect = append(m.pendingAutoConnect, conn)
	}
	m.mu.Unlock()

	if autoConnect && listening {
		go m.connectAsync(conn)
	}
	return conn, nil
}

// Get returns a previously registered Connection by id.
func (m *Multiplexer) Get(id string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[id]
	return conn, ok
}

// Connections returns a snapshot slice of every registered Connection.
func (m *Multiplexer) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, c)
	}
	return out
}

func (m *Multiplexer) connectAsync(conn *Connection) {
	if err := conn.Connect(context.Background()); err != nil {
		conn.emit(Event{Kind: EventError, Connection: conn, Err: fmt.Errorf("connect: %w", err)})
	}
}

// Listen binds the UDP socket and runs the receive loop until ctx is
// canceled or the socket errors, at which point every registered
// Connection is killed with the socket error, or with
// ErrServerDisconnect when ctx was canceled. It blocks for the lifetime of
// the socket, in the manner of net/http's ListenAndServe.
func (m *Multiplexer) Listen(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", m.ip, m.port))
	if err != nil {
		return fmt.Errorf("battleye: listen: %w", err)
	}

	m.mu.Lock()
	m.pconn = pc
	m.listening = true
	pending := m.pendingAutoConnect
	m.pendingAutoConnect = nil
	m.mu.Unlock()

	m.log.WithField("addr", pc.LocalAddr().String()).Info("listening")
	m.emit(Event{Kind: EventListening, Remote: pc.LocalAddr().String()})

	for _, conn := range pending {
		go m.connectAsync(conn)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		pc.Close()
		return gctx.Err()
	})
	g.Go(func() error {
		return m.receiveLoop(pc)
	})

	runErr := g.Wait()

	m.mu.Lock()
	m.listening = false
	m.pconn = nil
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	killReason := runErr
	if killReason == nil || errors.Is(killReason, context.Canceled) {
		killReason = ErrServerDisconnect
	}
	m.log.WithError(killReason).Warn("socket closed")
	for _, c := range conns {
		c.kill(killReason)
	}

	return runErr
}

func (m *Multiplexer) receiveLoop(pc net.PacketConn) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			m.emit(Event{Kind: EventError, Err: err})
			return err
		}
		raw := append([]byte(nil), buf[:n]...)
		m.dispatch(raw, addr)
	}
}

func (m *Multiplexer) dispatch(raw []byte, addr net.Addr) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		m.emit(Event{Kind: EventError, Err: err})
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		m.emit(Event{Kind: EventError, Err: err})
		return
	}
	id := connectionID(host, port)

	m.mu.Lock()
	conn, ok := m.connections[id]
	m.mu.Unlock()
	if !ok {
		m.emit(Event{Kind: EventError, Err: &UnknownConnectionError{ID: id, IP: host, Port: port}})
		return
	}

	pkt, err := DecodePacket(raw)
	if err != nil {
		m.emit(Event{Kind: EventError, Connection: conn, Err: err})
		conn.emit(Event{Kind: EventError, Connection: conn, Err: err})
		return
	}

	m.emit(Event{Kind: EventReceived, Connection: conn, Packet: pkt, Buffer: raw, Bytes: len(raw), Remote: addr.String()})
	conn.receive(pkt, addr.String())
}

// send implements the Connection-facing transport capability: when
// expectReply is set it registers a pendingRequest, which assigns a
// sequence to an unsequenced Command and can itself fail with
// PacketOverflow before anything is transmitted; it then serializes and
// writes to the socket.
func (m *Multiplexer) send(conn *Connection, pkt *Packet, expectReply bool) (*pendingRequest, int, error) {
	if !pkt.Valid() {
		return nil, 0, ErrInvalidPacket
	}

	var pr *pendingRequest
	if expectReply {
		var err error
		pr, err = conn.registerPending(pkt)
		if err != nil {
			return nil, 0, err
		}
	}

	raw, err := pkt.Encode()
	if err != nil {
		if pr != nil {
			conn.failPendingRequest(pr, err)
		}
		return nil, 0, err
	}
	pkt.Timestamp = m.clock.Now()

	n, err := m.writeTo(conn, raw)
	if err != nil {
		if pr != nil {
			conn.failPendingRequest(pr, err)
		}
		return nil, 0, err
	}

	m.emit(Event{Kind: EventSent, Connection: conn, Packet: pkt, Buffer: raw, Bytes: n, Remote: remoteOf(conn)})
	return pr, n, nil
}

// resend re-serializes and re-writes an already-pending packet without
// touching its pending-table registration. sent_count advances as a
// side effect of Encode.
func (m *Multiplexer) resend(conn *Connection, pkt *Packet) (int, error) {
	raw, err := pkt.Encode()
	if err != nil {
		return 0, err
	}
	pkt.Timestamp = m.clock.Now()

	n, err := m.writeTo(conn, raw)
	if err != nil {
		return 0, err
	}
	m.emit(Event{Kind: EventSent, Connection: conn, Packet: pkt, Buffer: raw, Bytes: n, Remote: remoteOf(conn)})
	return n, nil
}

func remoteOf(conn *Connection) string {
	return fmt.Sprintf("%s:%d", conn.ip, conn.port)
}

func (m *Multiplexer) writeTo(conn *Connection, raw []byte) (int, error) {
	m.mu.Lock()
	pc := m.pconn
	m.mu.Unlock()
	if pc == nil {
		return 0, ErrNoConnection
	}

	addr, err := net.ResolveUDPAddr("udp", remoteOf(conn))
	if err != nil {
		return 0, err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return pc.WriteTo(raw, addr)
}
