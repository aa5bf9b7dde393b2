package headset

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/telecore/internal/registry"
)

// Indicator positions reported by AT+CIND. Order is fixed; headsets
// address +CIEV updates by position.
const (
	indCall      = 1
	indCallSetup = 2
	indCallHeld  = 3
)

const (
	atWriteWait  = 10 * time.Second
	atSendBuffer = 32
)

// atClient is one connected headset peer. All writes to the peer go
// through its send queue so result lines keep their order.
type atClient struct {
	conn net.Conn
	send chan string
}

// ATServer exposes the headset projection as a line-based AT command
// socket speaking the hands-free AG subset: ATA, AT+CHUP, AT+CLCC,
// AT+CHLD, AT+VTS, AT+CIND, AT+COPS?, AT+CNUM, plus unsolicited RING,
// +CLIP and +CIEV results. It is the Transport its own Bridge pushes
// into, fanning unsolicited results out to every connected client.
// Pushes never write the socket inline: each connection has a writer
// goroutine draining a bounded queue, so a stalled peer cannot block
// the call-processing thread.
type ATServer struct {
	addr   string
	logger *slog.Logger
	bridge *Bridge

	ln net.Listener
	wg sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]*atClient

	// Cached indicator values so only deltas are pushed.
	call      int
	callSetup int
	callHeld  int

	// cmdMu serializes command dispatch across connections. cmdConn,
	// guarded by mu, receives solicited +CLCC records while a command on
	// that connection is being served.
	cmdMu   sync.Mutex
	cmdConn net.Conn
}

// NewATServer builds the server and its bridge. Call Start to listen.
func NewATServer(reg *registry.Registry, addr string, cfg Config, logger *slog.Logger) *ATServer {
	s := &ATServer{
		addr:   addr,
		logger: logger.With("subsystem", "headset-at"),
		conns:  make(map[net.Conn]*atClient),
	}
	s.bridge = NewBridge(reg, s, cfg, logger)
	return s
}

// Bridge returns the projection behind the socket.
func (s *ATServer) Bridge() *Bridge { return s.bridge }

// Start begins accepting headset connections.
func (s *ATServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("headset listen: %w", err)
	}
	s.ln = ln
	s.logger.Info("headset socket listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveConn(conn)
			}()
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Addr returns the bound listen address, for tests using port 0.
func (s *ATServer) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and every client connection.
func (s *ATServer) Stop() {
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *ATServer) serveConn(conn net.Conn) {
	c := &atClient{conn: conn, send: make(chan string, atSendBuffer)}
	s.mu.Lock()
	s.conns[conn] = c
	s.mu.Unlock()

	s.logger.Info("headset connected", "remote", conn.RemoteAddr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writeLoop(c)
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.handleLine(conn, line)
	}
	s.drop(c)
	s.logger.Info("headset disconnected", "remote", conn.RemoteAddr().String())
}

// writeLoop drains the client's queue onto the socket. It owns the
// connection's writer; nothing else touches the socket directly.
func (s *ATServer) writeLoop(c *atClient) {
	w := bufio.NewWriter(c.conn)
	for line := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(atWriteWait))
		w.WriteString(line + "\r\n")
		if err := w.Flush(); err != nil {
			s.drop(c)
			return
		}
	}
	c.conn.Close()
}

// drop unregisters the client and closes its queue and socket. Safe to
// call more than once.
func (s *ATServer) drop(c *atClient) {
	s.mu.Lock()
	if _, ok := s.conns[c.conn]; ok {
		delete(s.conns, c.conn)
		close(c.send)
	}
	if s.cmdConn == c.conn {
		s.cmdConn = nil
	}
	s.mu.Unlock()
	c.conn.Close()
}

// handleLine serves one AT command. Commands run one at a time so
// solicited records interleave correctly with unsolicited pushes.
func (s *ATServer) handleLine(conn net.Conn, line string) {
	s.cmdMu.Lock()
	s.setCmdConn(conn)
	ok := s.dispatch(conn, line)
	s.setCmdConn(nil)
	s.cmdMu.Unlock()

	if ok {
		s.writeLine(conn, "OK")
	} else {
		s.writeLine(conn, "ERROR")
	}
}

func (s *ATServer) dispatch(conn net.Conn, line string) bool {
	cmd := strings.ToUpper(line)
	switch {
	case cmd == "AT":
		return true

	case cmd == "ATA":
		return s.bridge.Answer()

	case cmd == "AT+CHUP":
		return s.bridge.Hangup()

	case cmd == "AT+CLCC":
		return s.bridge.ListCurrentCalls()

	case strings.HasPrefix(cmd, "AT+CHLD="):
		n, err := strconv.Atoi(strings.TrimPrefix(cmd, "AT+CHLD="))
		if err != nil {
			return false
		}
		return s.bridge.ProcessChld(n)

	case strings.HasPrefix(cmd, "AT+VTS="):
		arg := strings.TrimPrefix(cmd, "AT+VTS=")
		if len(arg) != 1 {
			return false
		}
		return s.bridge.SendDTMF(rune(arg[0]))

	case cmd == "AT+COPS?":
		s.writeLine(conn, fmt.Sprintf("+COPS: 0,0,%q", s.bridge.NetworkOperator()))
		return true

	case cmd == "AT+CNUM":
		num := s.bridge.SubscriberNumber()
		toa := 129
		if strings.HasPrefix(num, "+") {
			toa = 145
		}
		s.writeLine(conn, fmt.Sprintf("+CNUM: ,%q,%d", num, toa))
		return true

	case cmd == "AT+CIND=?":
		s.writeLine(conn, `+CIND: ("call",(0,1)),("callsetup",(0-3)),("callheld",(0-2))`)
		return true

	case cmd == "AT+CIND?":
		// Force a push so the cache is current even before the first
		// state change.
		s.bridge.QueryPhoneState()
		s.mu.Lock()
		reply := fmt.Sprintf("+CIND: %d,%d,%d", s.call, s.callSetup, s.callHeld)
		s.mu.Unlock()
		s.writeLine(conn, reply)
		return true
	}

	s.logger.Debug("unsupported at command", "command", line)
	return false
}

// ---- Transport. Both callbacks run inside bridge command submits or
// registry callbacks on the work queue, so they must never block.

// PhoneStateChanged derives the three HFP indicators and pushes deltas
// as +CIEV unsolicited results. Entering the incoming state also rings.
func (s *ATServer) PhoneStateChanged(numActive, numHeld int, state WireState, ringingAddress string, ringingAddressType int) {
	call := 0
	if numActive+numHeld > 0 {
		call = 1
	}

	setup := 0
	switch state {
	case WireIncoming, WireWaiting:
		setup = 1
	case WireDialing:
		setup = 2
	case WireAlerting:
		setup = 3
	}

	held := 0
	switch {
	case numHeld > 0 && numActive > 0:
		held = 1
	case numHeld > 0:
		held = 2
	}

	s.mu.Lock()
	ringNow := setup == 1 && s.callSetup != 1
	var lines []string
	if call != s.call {
		s.call = call
		lines = append(lines, fmt.Sprintf("+CIEV: %d,%d", indCall, call))
	}
	if setup != s.callSetup {
		s.callSetup = setup
		lines = append(lines, fmt.Sprintf("+CIEV: %d,%d", indCallSetup, setup))
	}
	if held != s.callHeld {
		s.callHeld = held
		lines = append(lines, fmt.Sprintf("+CIEV: %d,%d", indCallHeld, held))
	}
	if ringNow {
		lines = append(lines, "RING",
			fmt.Sprintf("+CLIP: %q,%d", ringingAddress, ringingAddressType))
	}
	clients := make([]*atClient, 0, len(s.conns))
	for _, c := range s.conns {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		for _, line := range lines {
			s.send(c, line)
		}
	}
}

// ClccResponse queues one call record for the connection whose AT+CLCC
// is being served. The zero-index end marker is absorbed; the command
// loop's OK terminates the list.
func (s *ATServer) ClccResponse(index, direction int, state WireState, multiparty bool, address string, addressType int) {
	if index == 0 {
		return
	}
	mpty := 0
	if multiparty {
		mpty = 1
	}
	line := fmt.Sprintf("+CLCC: %d,%d,%d,0,%d,%q,%d",
		index, direction, int(state), mpty, address, addressType)

	s.mu.Lock()
	conn := s.cmdConn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.writeLine(conn, line)
}

func (s *ATServer) setCmdConn(conn net.Conn) {
	s.mu.Lock()
	s.cmdConn = conn
	s.mu.Unlock()
}

// writeLine queues one result line for a single connection.
func (s *ATServer) writeLine(conn net.Conn, line string) {
	s.mu.Lock()
	c := s.conns[conn]
	s.mu.Unlock()
	if c != nil {
		s.send(c, line)
	}
}

// send enqueues without ever blocking. Indicator deltas cannot be
// dropped and resynthesized, so a peer that stops draining its queue is
// disconnected instead. The queue is only written while the client is
// still registered, so it cannot race the close in drop.
func (s *ATServer) send(c *atClient, line string) {
	stalled := false
	s.mu.Lock()
	if _, ok := s.conns[c.conn]; ok {
		select {
		case c.send <- line:
		default:
			stalled = true
		}
	}
	s.mu.Unlock()

	if stalled {
		s.logger.Warn("headset peer not draining, disconnecting",
			"remote", c.conn.RemoteAddr().String())
		s.drop(c)
	}
}
