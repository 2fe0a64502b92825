package battleye

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// transport is the bounded capability a Connection holds on its owning
// Multiplexer: enough to push bytes at the wire and register the
// bookkeeping a reply needs to find its way back, nothing more. A
// Connection never reaches back into the Multiplexer's connection map.
type transport interface {
	send(conn *Connection, pkt *Packet, expectReply bool) (*pendingRequest, int, error)
	resend(conn *Connection, pkt *Packet) (int, error)
}

// pendingRequest is a single in-flight send awaiting a reply, a retry
// timeout, or teardown — whichever comes first closes done exactly once.
type pendingRequest struct {
	packet *Packet

	done chan struct{}
	resp *Response
	err  error
	once sync.Once
}

func newPendingRequest(pkt *Packet) *pendingRequest {
	return &pendingRequest{packet: pkt, done: make(chan struct{})}
}

func (p *pendingRequest) complete(resp *Response) {
	p.once.Do(func() {
		p.resp = resp
		close(p.done)
	})
}

func (p *pendingRequest) fail(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Response is what a completed request yields.
type Response struct {
	Command    string
	Data       string
	Sent       *Packet
	Received   *Packet
	Connection *Connection
}

// reassemblyGroup accumulates the fragments of one multipart Command
// Reply, indexed by fragment index.
type reassemblyGroup struct {
	total  byte
	parts  [][]byte
	filled int
}

func newReassemblyGroup(total byte) *reassemblyGroup {
	return &reassemblyGroup{total: total, parts: make([][]byte, total)}
}

func (g *reassemblyGroup) put(index byte, part []byte) {
	if int(index) >= len(g.parts) {
		return
	}
	if g.parts[index] == nil {
		g.filled++
	}
	g.parts[index] = part
}

func (g *reassemblyGroup) complete() bool {
	return g.filled == len(g.parts)
}

func (g *reassemblyGroup) concat() []byte {
	var buf []byte
	for _, part := range g.parts {
		buf = append(buf, part...)
	}
	return buf
}

// retryThreshold is the sent_count at or above which a stalled multipart
// group's owning request is retransmitted by handleIncompleteReassembly;
// below it, the group is dropped and the request fails with MaxRetries.
const retryThreshold = 5

// Connection is a single remote BattlEye endpoint's session: login,
// sequence allocation, the pending-request and reassembly tables, and
// the keep-alive/timeout schedulers that drive retry and reconnect.
//
// All mutable state is guarded by mu; the schedulers and the
// Multiplexer's receive loop touch it from different goroutines.
type Connection struct {
	subscribers

	id       string
	ip       string
	port     int
	password string
	cfg      Config
	clock    clockwork.Clock
	log      logrus.FieldLogger
	socket   transport

	stats  connStats
	buffer *messageBuffer

	mu           sync.Mutex
	closed       bool
	connected    bool
	seq          byte
	lastPacketTS time.Time
	pending      [256]*pendingRequest
	loginPending *pendingRequest
	reassembly   [256]*reassemblyGroup

	generation  uint64
	cancelSched context.CancelFunc
}

func newConnection(id, ip string, port int, password string, cfg Config, socket transport, clock clockwork.Clock, log logrus.FieldLogger) *Connection {
	return &Connection{
		id:       id,
		ip:       ip,
		port:     port,
		password: password,
		cfg:      cfg,
		clock:    clock,
		log:      log,
		socket:   socket,
		buffer:   newMessageBuffer(cfg.MessageBufferSize),
		seq:      0xff,
	}
}

// ID returns the Connection's stable id (MD5 hex of "ip:port").
func (c *Connection) ID() string { return c.id }

// IP returns the remote endpoint's address.
func (c *Connection) IP() string { return c.ip }

// Port returns the remote endpoint's port.
func (c *Connection) Port() int { return c.port }

// Connected reports whether the last Login Reply accepted the password.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats returns a snapshot of this Connection's traffic counters.
func (c *Connection) Stats() ConnectionStats { return c.stats.snapshot() }

// RecentEvents returns the most recent buffered message/command Events.
func (c *Connection) RecentEvents() []Event { return c.buffer.snapshot() }

// Connect requires the owning Multiplexer's socket to already be
// listening. If already Connected it first performs a local disconnect,
// then starts the keep-alive/timeout schedulers and sends a Login
// Request, blocking until that login resolves or ctx is done.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	wasConnected := c.connected
	c.mu.Unlock()

	if wasConnected {
		c.disconnect(ErrServerDisconnect)
	}

	c.log.Debug("connecting")
	c.startSchedulers()

	login := NewLoginRequest(c.password)
	pr, _, err := c.socket.send(c, login, true)
	if err != nil {
		return err
	}

	select {
	case <-pr.done:
		return pr.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect tears the session down explicitly; reconnect never fires
// for this reason.
func (c *Connection) Disconnect() {
	c.disconnect(ErrServerDisconnect)
}

// Close permanently retires the Connection: it disconnects, refuses any
// further reconnect attempt already in flight, and closes every
// subscriber channel.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.disconnect(ErrServerDisconnect)
	c.closeAll()
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Command sends an application command and blocks for its reply,
// failure, or ctx cancellation. An empty command is valid — it is
// exactly what the keep-alive scheduler sends.
func (c *Connection) Command(ctx context.Context, command string) (*Response, error) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil, ErrNoConnection
	}

	pkt := newOpenCommandRequest(command)
	pr, _, err := c.socket.send(c, pkt, true)
	if err != nil {
		return nil, err
	}
	c.stats.recordSent()

	select {
	case <-pr.done:
		return pr.resp, pr.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// registerPending assigns the next sequence number to pkt if it
// doesn't already have one, registers a pendingRequest for it keyed by
// that sequence, and returns it. Reusing a sequence whose slot is still
// occupied fails with ErrPacketOverflow before anything is transmitted.
// For a Login Request, the dedicated login slot is used instead of the
// sequence table.
func (c *Connection) registerPending(pkt *Packet) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pkt.Type == PayloadLogin {
		pr := newPendingRequest(pkt)
		c.loginPending = pr
		return pr, nil
	}

	if !pkt.HasSequence {
		c.seq++
		pkt.Sequence = c.seq
		pkt.HasSequence = true
	}
	if c.pending[pkt.Sequence] != nil {
		return nil, ErrPacketOverflow
	}
	pr := newPendingRequest(pkt)
	c.pending[pkt.Sequence] = pr
	return pr, nil
}

func (c *Connection) removePendingLocked(pr *pendingRequest) {
	if c.loginPending == pr {
		c.loginPending = nil
		return
	}
	if pr.packet.HasSequence && c.pending[pr.packet.Sequence] == pr {
		c.pending[pr.packet.Sequence] = nil
	}
}

func (c *Connection) failPendingRequest(pr *pendingRequest, reason error) {
	c.mu.Lock()
	c.removePendingLocked(pr)
	c.mu.Unlock()

	pr.fail(reason)
	if pr.packet.Type == PayloadCommand {
		c.stats.recordFailed()
	}
}

func (c *Connection) retransmit(pr *pendingRequest) {
	c.log.Debugf("retransmit %s", pr.packet)
	if _, err := c.socket.resend(c, pr.packet); err != nil {
		c.emit(Event{Kind: EventError, Connection: c, Err: fmt.Errorf("retransmit: %w", err)})
		return
	}
	c.stats.recordRetransmission()
	c.emit(Event{Kind: EventDebug, Connection: c, Debug: fmt.Sprintf("retransmit %s", pr.packet)})
}

// receive is the Multiplexer's entry point for a decoded inbound
// packet. It updates server-liveness bookkeeping before dispatching by
// type/direction.
func (c *Connection) receive(pkt *Packet, remote string) {
	c.mu.Lock()
	c.lastPacketTS = c.clock.Now()
	c.mu.Unlock()

	switch {
	case pkt.Type == PayloadLogin:
		c.handleLoginReply(pkt)
	case pkt.Type == PayloadCommand && pkt.Direction == DirectionSplit:
		c.handleSplitFragment(pkt)
	case pkt.Type == PayloadCommand:
		c.handleCommandReply(pkt)
	case pkt.Type == PayloadMessage:
		c.handleMessage(pkt)
	}
}

func (c *Connection) handleLoginReply(pkt *Packet) {
	c.mu.Lock()
	c.connected = pkt.LoginOK
	pr := c.loginPending
	c.loginPending = nil
	c.mu.Unlock()

	if pr != nil {
		if pkt.LoginOK {
			pr.complete(&Response{Sent: pr.packet, Received: pkt, Connection: c})
		} else {
			pr.fail(ErrInvalidPassword)
		}
	}

	if pkt.LoginOK {
		c.log.Info("login accepted")
		c.emit(Event{Kind: EventConnected, Connection: c})
		return
	}
	c.log.Warn("login rejected")
	c.disconnect(ErrInvalidPassword)
}

func (c *Connection) handleCommandReply(pkt *Packet) {
	c.mu.Lock()
	var pr *pendingRequest
	if pkt.HasSequence {
		pr = c.pending[pkt.Sequence]
		if pr != nil {
			c.pending[pkt.Sequence] = nil
		}
	}
	c.mu.Unlock()

	resolved := pr != nil

	if pkt.Data == "Unknown command" {
		cmd := ""
		if pr != nil {
			cmd = pr.packet.Command
		}
		if pr != nil {
			pr.fail(&UnknownCommandError{Command: cmd})
			c.stats.recordFailed()
		}
	} else if pr != nil {
		pr.complete(&Response{Command: pr.packet.Command, Data: pkt.Data, Sent: pr.packet, Received: pkt, Connection: c})
		c.stats.recordResolved()
	}

	ev := Event{Kind: EventCommand, Text: pkt.Data, Resolved: resolved, Packet: pkt, Connection: c}
	c.emit(ev)
	c.buffer.add(ev)
}

// handleSplitFragment stores one fragment of a multipart Command Reply
// and, once every slot in the group is filled, synthesizes the
// reassembled Reply. Completeness is evaluated on every arrival rather
// than only when the highest-indexed fragment shows up, since fragments
// may arrive in any order. A stalled group (some slot still missing) is
// left for the timeout scheduler's checkTimeouts to notice and either
// retransmit or fail — see handleIncompleteReassembly.
func (c *Connection) handleSplitFragment(pkt *Packet) {
	seq := pkt.Sequence

	if pkt.FragTotal == 0 || pkt.FragIndex >= pkt.FragTotal {
		c.emit(Event{Kind: EventError, Connection: c, Err: &InvalidSequenceError{Sequence: seq}})
		return
	}

	c.mu.Lock()
	group := c.reassembly[seq]
	if group == nil {
		group = newReassemblyGroup(pkt.FragTotal)
		c.reassembly[seq] = group
	}
	group.put(pkt.FragIndex, pkt.FragPart)

	if !group.complete() {
		c.mu.Unlock()
		return
	}

	c.reassembly[seq] = nil
	data := string(group.concat())
	c.mu.Unlock()

	c.handleCommandReply(&Packet{
		Type:        PayloadCommand,
		Direction:   DirectionReply,
		Sequence:    seq,
		HasSequence: true,
		Data:        data,
	})
}

func (c *Connection) handleMessage(pkt *Packet) {
	c.stats.recordMessage()

	ev := Event{Kind: EventMessage, Text: pkt.Message, Packet: pkt, Connection: c}
	c.emit(ev)
	c.buffer.add(ev)

	ack := NewMessageAck(pkt.Sequence)
	if _, _, err := c.socket.send(c, ack, false); err != nil {
		c.emit(Event{Kind: EventError, Connection: c, Err: fmt.Errorf("message ack: %w", err)})
	}
}

// kill reports err on the error event and tears the connection down
// with it as the disconnect reason. Used by the Multiplexer when the
// socket itself fails.
func (c *Connection) kill(err error) {
	c.emit(Event{Kind: EventError, Connection: c, Err: err})
	c.disconnect(err)
}

// disconnect cancels the schedulers, rejects every outstanding request
// (login and command slots alike) with reason, clears all per-cycle
// state, and emits disconnected. A ServerTimeout reason with reconnect
// enabled schedules a fresh connect() after the configured delay; any
// other reason is terminal.
func (c *Connection) disconnect(reason error) {
	c.stopSchedulers()

	c.mu.Lock()
	c.connected = false
	loginPR := c.loginPending
	c.loginPending = nil

	var pendings []*pendingRequest
	for i, pr := range c.pending {
		if pr != nil {
			pendings = append(pendings, pr)
			c.pending[i] = nil
		}
	}
	for i := range c.reassembly {
		c.reassembly[i] = nil
	}
	c.seq = 0xff
	c.mu.Unlock()

	if loginPR != nil {
		loginPR.fail(reason)
	}
	for _, pr := range pendings {
		pr.fail(reason)
		if pr.packet.Type == PayloadCommand {
			c.stats.recordFailed()
		}
	}

	c.log.WithError(reason).Info("disconnected")
	c.emit(Event{Kind: EventDisconnected, Connection: c, Reason: reason})

	if c.cfg.Reconnect && errors.Is(reason, ErrServerTimeout) {
		c.scheduleReconnect()
	}
}

// maxReconnectAttempts bounds how many times scheduleReconnect retries a
// failed Connect() before giving up and surfacing the error. A terminal
// InvalidPassword stops the loop immediately regardless of this bound.
const maxReconnectAttempts = 3

// scheduleReconnect drives reconnection through a real cenkalti/backoff
// BackOff: each attempt asks it for the next delay (respecting Stop, per
// the library's own convention) and sleeps on the Connection's clock so
// fake-clock tests stay deterministic. A ConstantBackOff never varies
// the interval it returns, but the state machine — asking it again on
// every failed attempt rather than reading it once — is the same shape
// doublezero drives its backoff.Retry loops with.
func (c *Connection) scheduleReconnect() {
	b := backoff.NewConstantBackOff(c.cfg.ReconnectTimeout)
	go c.reconnectLoop(b)
}

func (c *Connection) reconnectLoop(b backoff.BackOff) {
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return
		}
		c.log.WithField("delay", delay).WithField("attempt", attempt).Debug("scheduling reconnect")
		<-c.clock.After(delay)
		if c.isClosed() {
			return
		}

		c.stats.recordReconnect()
		err := c.Connect(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, ErrInvalidPassword) {
			c.emit(Event{Kind: EventError, Connection: c, Err: fmt.Errorf("reconnect: %w", err)})
			return
		}
		c.log.WithError(err).WithField("attempt", attempt).Warn("reconnect attempt failed")
		if attempt == maxReconnectAttempts {
			c.emit(Event{Kind: EventError, Connection: c, Err: fmt.Errorf("reconnect: %w", err)})
		}
	}
}

// startSchedulers bumps the generation counter and launches the
// keep-alive and timeout loops under a fresh cancellable context. Each
// loop captures its generation at start and exits the moment the
// Connection moves past it, so a stale tick from a prior cycle can
// never act on the current one.
func (c *Connection) startSchedulers() {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelSched = cancel
	c.mu.Unlock()

	if c.cfg.KeepAlive {
		go c.keepAliveLoop(ctx, gen)
	}
	if c.cfg.Timeout {
		go c.timeoutLoop(ctx, gen)
	}
}

func (c *Connection) stopSchedulers() {
	c.mu.Lock()
	cancel := c.cancelSched
	c.cancelSched = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Connection) currentGeneration(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

func (c *Connection) keepAliveLoop(ctx context.Context, gen uint64) {
	ticker := c.clock.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !c.currentGeneration(gen) {
				return
			}
			if !c.Connected() {
				continue
			}
			start := c.clock.Now()
			if _, err := c.Command(ctx, ""); err != nil {
				c.emit(Event{Kind: EventError, Connection: c, Err: fmt.Errorf("keep-alive: %w", err)})
				continue
			}
			rtt := c.clock.Now().Sub(start)
			c.stats.recordKeepAliveRTT(rtt)
			c.log.WithField("rtt", rtt).Debug("keep-alive")
			c.emit(Event{Kind: EventDebug, Connection: c, Debug: fmt.Sprintf("keep-alive rtt=%s", rtt)})
		}
	}
}

func (c *Connection) timeoutLoop(ctx context.Context, gen uint64) {
	ticker := c.clock.NewTicker(c.cfg.TimeoutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !c.currentGeneration(gen) {
				return
			}
			c.checkTimeouts()
		}
	}
}

// checkTimeouts performs the server-liveness check, the multipart-gap
// recovery check, and the per-pending-request retry/fail check, in that
// order.
func (c *Connection) checkTimeouts() {
	now := c.clock.Now()

	c.mu.Lock()
	last := c.lastPacketTS
	serverDead := !last.IsZero() && now.Sub(last) >= c.cfg.ServerTimeout
	c.mu.Unlock()

	if serverDead {
		c.disconnect(ErrServerTimeout)
		return
	}

	c.handleIncompleteReassembly()

	c.mu.Lock()
	candidates := make([]*pendingRequest, 0, len(c.pending)+1)
	if c.loginPending != nil {
		candidates = append(candidates, c.loginPending)
	}
	for _, pr := range c.pending {
		if pr != nil {
			candidates = append(candidates, pr)
		}
	}
	c.mu.Unlock()

	var retransmit, fail []*pendingRequest
	for _, pr := range candidates {
		threshold := time.Duration(pr.packet.SentCount) * c.cfg.PacketTimeout
		switch {
		case now.Sub(pr.packet.Timestamp) >= threshold:
			retransmit = append(retransmit, pr)
		case pr.packet.SentCount >= c.cfg.PacketTimeoutThresholded:
			fail = append(fail, pr)
		}
	}

	for _, pr := range retransmit {
		c.retransmit(pr)
	}
	for _, pr := range fail {
		c.failPendingRequest(pr, ErrServerTimeout)
	}
}

// handleIncompleteReassembly is the timer-driven recovery path for a
// multipart group that is still missing a slot: unlike the per-packet
// retry loop above, this decision is keyed on the owning request's
// sent_count, not on elapsed time, and it runs once per timeout tick
// rather than being triggered by whichever fragment happens to arrive
// next. A request that has already been sent at least retryThreshold
// times is retransmitted; otherwise the group is abandoned and the
// request fails with MaxRetries.
func (c *Connection) handleIncompleteReassembly() {
	c.mu.Lock()
	var pending []*pendingRequest
	for seq, group := range c.reassembly {
		if group == nil {
			continue
		}
		if pr := c.pending[seq]; pr != nil {
			pending = append(pending, pr)
		}
	}
	c.mu.Unlock()

	for _, pr := range pending {
		if pr.packet.SentCount >= retryThreshold {
			c.retransmit(pr)
			continue
		}
		c.mu.Lock()
		if pr.packet.HasSequence {
			c.reassembly[pr.packet.Sequence] = nil
		}
		c.mu.Unlock()
		c.failPendingRequest(pr, ErrMaxRetries)
	}
}
