// Package bridge hosts the TCP server side of the EA link: newline
// framed JSON in both directions, a liveness watchdog and one-at-a-time
// command/response correlation.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/raykavin/sarbridge/core"
)

// Config tunes the server. Zero values fall back to the defaults below.
type Config struct {
	Host              string
	Port              int
	CommandTimeout    time.Duration
	HeartbeatInterval time.Duration
	MalformedLimit    int
}

const (
	defaultHost              = "127.0.0.1"
	defaultPort              = 9090
	defaultCommandTimeout    = 5 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultMalformedLimit    = 10

	// heartbeatTimeoutFactor: silence beyond factor*interval closes the
	// connection.
	heartbeatTimeoutFactor = 3

	writeDeadline = 5 * time.Second
	maxFrameSize  = 1 << 20
)

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.MalformedLimit <= 0 {
		c.MalformedLimit = defaultMalformedLimit
	}
	return c
}

// pending holds the reply channels of the single in-flight command.
type pending struct {
	orderResult chan orderResultMsg
	response    chan responseMsg
	rates       chan []core.Bar
}

// Server implements core.Bridge over a single-client TCP listener. A
// new EA connection supersedes a stale one.
type Server struct {
	cfg   Config
	cache *Cache
	log   core.Logger

	listener net.Listener

	connMu sync.Mutex
	conn   net.Conn

	stateMu sync.RWMutex
	state   core.ConnState

	lastSeenMu sync.Mutex
	lastSeen   time.Time

	// cmdMu serializes commands so replies correlate by arrival order.
	cmdMu  sync.Mutex
	pendMu sync.Mutex
	pend   *pending

	// lastRates remembers the (symbol, timeframe) of the in-flight
	// GET_RATES so the response lands under the right cache key.
	ratesSymbol    string
	ratesTimeframe int

	fatal chan error
	done  chan struct{}
}

// NewServer builds a server bound to cfg, writing market data into cache.
func NewServer(cfg Config, cache *Cache, log core.Logger) *Server {
	return &Server{
		cfg:   cfg.withDefaults(),
		cache: cache,
		log:   log,
		state: core.ConnListening,
		fatal: make(chan error, 1),
		done:  make(chan struct{}),
	}
}

// Start binds the listener and launches the accept loop. It returns
// once listening; a bind failure is returned immediately.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.log.WithField("addr", addr).Info("bridge listening")
	go s.acceptLoop()
	return nil
}

// Stop tears the server down.
func (s *Server) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.dropConn(nil)
	s.setState(core.ConnClosed)
}

// Fatal reports an unrecoverable listener failure.
func (s *Server) Fatal() <-chan error {
	return s.fatal
}

// State implements core.Bridge.
func (s *Server) State() core.ConnState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Server) setState(state core.ConnState) {
	s.stateMu.Lock()
	prev := s.state
	s.state = state
	s.stateMu.Unlock()

	if prev != state {
		s.log.WithFields(map[string]any{"from": prev, "to": state}).Info("bridge state")
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.WithError(err).Error("bridge accept failed")
			select {
			case s.fatal <- err:
			default:
			}
			return
		}

		s.adoptConn(conn)
	}
}

// adoptConn installs the new connection, superseding any previous one.
func (s *Server) adoptConn(conn net.Conn) {
	s.connMu.Lock()
	old := s.conn
	s.conn = conn
	s.connMu.Unlock()

	if old != nil {
		s.log.WithField("remote", old.RemoteAddr().String()).Warn("superseding stale EA connection")
		old.Close()
	}

	s.touch()
	s.setState(core.ConnConnected)
	s.log.WithField("remote", conn.RemoteAddr().String()).Info("EA connected")

	go s.readLoop(conn)
	go s.watchdog(conn)
}

// dropConn closes conn if it is still the active one (nil drops any).
func (s *Server) dropConn(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return
	}
	if conn != nil && s.conn != conn {
		return
	}
	s.conn.Close()
	s.conn = nil
}

func (s *Server) activeConn() net.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *Server) touch() {
	s.lastSeenMu.Lock()
	s.lastSeen = time.Now()
	s.lastSeenMu.Unlock()
}

func (s *Server) silence() time.Duration {
	s.lastSeenMu.Lock()
	defer s.lastSeenMu.Unlock()
	return time.Since(s.lastSeen)
}

// watchdog degrades the connection after one missed heartbeat interval
// and closes it after three.
func (s *Server) watchdog(conn net.Conn) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	timeout := time.Duration(heartbeatTimeoutFactor) * s.cfg.HeartbeatInterval

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		if s.activeConn() != conn {
			return
		}

		silence := s.silence()
		switch {
		case silence > timeout:
			s.log.WithField("silence", silence.Round(time.Second).String()).
				Error("heartbeat timeout, closing EA connection")
			s.dropConn(conn)
			s.setState(core.ConnClosed)
			s.setState(core.ConnListening)
			return
		case silence > s.cfg.HeartbeatInterval:
			if s.State() == core.ConnConnected {
				s.setState(core.ConnDegraded)
			}
		default:
			if s.State() == core.ConnDegraded {
				s.setState(core.ConnConnected)
			}
		}
	}
}

func (s *Server) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	malformed := 0
	for scanner.Scan() {
		if s.activeConn() != conn {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		s.touch()
		if s.State() == core.ConnDegraded {
			s.setState(core.ConnConnected)
		}

		if err := s.dispatch([]byte(line)); err != nil {
			malformed++
			s.log.WithError(err).WithField("count", malformed).Warn("malformed frame dropped")
			if malformed >= s.cfg.MalformedLimit {
				s.log.Error("too many malformed frames, resetting EA connection")
				break
			}
			continue
		}
		malformed = 0
	}

	if err := scanner.Err(); err != nil && s.activeConn() == conn {
		s.log.WithError(err).Warn("bridge read failed")
	}

	if s.activeConn() == conn {
		s.dropConn(conn)
		s.setState(core.ConnClosed)
		s.setState(core.ConnListening)
		s.log.Info("EA disconnected")
	}
}

func (s *Server) dispatch(frame []byte) error {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return fmt.Errorf("parse frame: %w", err)
	}

	switch env.Type {
	case typeMarketData:
		var msg marketDataMsg
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		if msg.Symbol == "" {
			return errors.New("market_data missing symbol")
		}
		s.cache.SetMarketData(msg.tick(time.Now()), msg.account())

	case typePosition:
		var msg positionMsg
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		pos, err := msg.position()
		if err != nil {
			return err
		}
		s.cache.UpsertPosition(pos)

	case typeRates:
		var msg ratesMsg
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		s.deliverRates(msg.bars())

	case typeOrderResult:
		var msg orderResultMsg
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		s.deliverOrderResult(msg)

	case typeResponse:
		var msg responseMsg
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		s.deliverResponse(msg)

	case typeHeartbeat:
		var msg heartbeatMsg
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		s.log.WithField("status", msg.Status).Trace("heartbeat")

	default:
		return fmt.Errorf("unknown frame type %q", env.Type)
	}

	return nil
}

func (s *Server) deliverOrderResult(msg orderResultMsg) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	if s.pend != nil && s.pend.orderResult != nil {
		select {
		case s.pend.orderResult <- msg:
		default:
		}
		return
	}
	s.log.WithField("ticket", msg.Ticket).Warn("unsolicited order_result dropped")
}

func (s *Server) deliverResponse(msg responseMsg) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	if s.pend != nil && s.pend.response != nil {
		select {
		case s.pend.response <- msg:
		default:
		}
		return
	}
	s.log.WithField("status", msg.Status).Debug("unsolicited response dropped")
}

func (s *Server) deliverRates(bars []core.Bar) {
	s.pendMu.Lock()
	symbol, timeframe := s.ratesSymbol, s.ratesTimeframe
	pend := s.pend
	s.pendMu.Unlock()

	if symbol != "" {
		s.cache.SetBars(symbol, timeframe, bars)
	}

	if pend != nil && pend.rates != nil {
		select {
		case pend.rates <- bars:
		default:
		}
	}
}

// send writes one command frame to the active connection.
func (s *Server) send(cmd command) error {
	conn := s.activeConn()
	if conn == nil || s.State() == core.ConnListening || s.State() == core.ConnClosed {
		return core.ErrNotConnected
	}

	data, err := cmd.encode()
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if _, err := conn.Write(data); err != nil {
		s.log.WithError(err).Error("bridge write failed")
		s.dropConn(conn)
		s.setState(core.ConnClosed)
		s.setState(core.ConnListening)
		return fmt.Errorf("%w: %v", core.ErrNotConnected, err)
	}
	return nil
}

// order sends a BUY or SELL and waits for the order_result frame.
func (s *Server) order(ctx context.Context, action string, req core.OpenOrderRequest) (core.OrderResult, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	ch := make(chan orderResultMsg, 1)
	s.installPending(&pending{orderResult: ch})
	defer s.clearPending()

	cmd := command{
		Action:  action,
		Volume:  req.Volume,
		SL:      req.StopLoss,
		TP:      req.TakeProfit,
		Comment: req.Comment,
	}
	if err := s.send(cmd); err != nil {
		return core.OrderResult{}, err
	}

	select {
	case msg := <-ch:
		result := msg.result()
		if !result.Success {
			return result, fmt.Errorf("%s rejected by EA: %s", action, result.Message)
		}
		return result, nil
	case <-ctx.Done():
		return core.OrderResult{}, ctx.Err()
	case <-time.After(s.cfg.CommandTimeout):
		return core.OrderResult{}, core.ErrCommandTimeout
	}
}

// Buy implements core.Bridge.
func (s *Server) Buy(ctx context.Context, req core.OpenOrderRequest) (core.OrderResult, error) {
	return s.order(ctx, actionBuy, req)
}

// Sell implements core.Bridge.
func (s *Server) Sell(ctx context.Context, req core.OpenOrderRequest) (core.OrderResult, error) {
	return s.order(ctx, actionSell, req)
}

// ack sends a command acknowledged by a generic response frame.
func (s *Server) ack(ctx context.Context, cmd command) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	ch := make(chan responseMsg, 1)
	s.installPending(&pending{response: ch})
	defer s.clearPending()

	if err := s.send(cmd); err != nil {
		return err
	}

	select {
	case msg := <-ch:
		if msg.Status != "SUCCESS" {
			return fmt.Errorf("%s failed: %s", cmd.Action, msg.Message)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.CommandTimeout):
		return core.ErrCommandTimeout
	}
}

// Close implements core.Bridge.
func (s *Server) Close(ctx context.Context, ticket int64) error {
	return s.ack(ctx, command{Action: actionClose, Ticket: ticket})
}

// Modify implements core.Bridge.
func (s *Server) Modify(ctx context.Context, ticket int64, sl, tp float64) error {
	return s.ack(ctx, command{Action: actionModify, Ticket: ticket, SL: sl, TP: tp})
}

// GetPositions implements core.Bridge. The refreshed positions stream
// in as position frames and land in the cache.
func (s *Server) GetPositions(ctx context.Context) error {
	return s.ack(ctx, command{Action: actionGetPositions})
}

// GetRates implements core.Bridge.
func (s *Server) GetRates(ctx context.Context, count, timeframeMinutes int) ([]core.Bar, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	ch := make(chan []core.Bar, 1)
	s.installPending(&pending{rates: ch})
	defer s.clearPending()

	s.pendMu.Lock()
	if tick, ok := s.cache.LatestTick(); ok {
		s.ratesSymbol = tick.Symbol
	}
	s.ratesTimeframe = timeframeMinutes
	s.pendMu.Unlock()

	if err := s.send(command{Action: actionGetRates, Count: count, Timeframe: timeframeMinutes}); err != nil {
		return nil, err
	}

	select {
	case bars := <-ch:
		return bars, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.cfg.CommandTimeout):
		return nil, core.ErrCommandTimeout
	}
}

func (s *Server) installPending(p *pending) {
	s.pendMu.Lock()
	s.pend = p
	s.pendMu.Unlock()
}

func (s *Server) clearPending() {
	s.pendMu.Lock()
	s.pend = nil
	s.pendMu.Unlock()
}

// RemoveCachedPosition is a convenience pass-through for the executor.
func (s *Server) RemoveCachedPosition(ticket int64) {
	s.cache.RemovePosition(ticket)
}
