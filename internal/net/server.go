package net

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	. "matchcore/internal/common"
	"matchcore/internal/engine"
	"matchcore/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	defaultNWorkers     = 10
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
	sessionOutboxSize   = 256
	lingerTimeout       = time.Second
)

var (
	ErrImproperConversion = errors.New("improper type conversion")
	ErrServerNotReady     = errors.New("server not listening")
	ErrServerFull         = errors.New("server at connection capacity")
)

// Submitter is the single path into the matching engine, normally a
// *sequencer.Sequencer.
type Submitter interface {
	Submit(ctx context.Context, order Order) (engine.Result, error)
	Cancel(ctx context.Context, id string) (engine.Result, error)
}

// ClientSession contains relevant information pertaining to an individual
// connected TCP session. Everything written to the client goes through out
// so that reports from the matching goroutine and from the connection
// handler never interleave mid-frame.
type ClientSession struct {
	address string
	conn    net.Conn
	out     chan []byte
	done    chan struct{}
	once    sync.Once
}

func newClientSession(conn net.Conn) *ClientSession {
	return &ClientSession{
		address: conn.RemoteAddr().String(),
		conn:    conn,
		out:     make(chan []byte, sessionOutboxSize),
		done:    make(chan struct{}),
	}
}

// send queues a report, waiting for outbox space. It returns false once the
// session is closed.
func (c *ClientSession) send(report Report) bool {
	frame, ok := c.encode(report)
	if !ok {
		return false
	}
	select {
	case c.out <- frame:
		return true
	case <-c.done:
		return false
	}
}

// trySend queues a report only if there is room right now.
func (c *ClientSession) trySend(report Report) bool {
	frame, ok := c.encode(report)
	if !ok {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *ClientSession) encode(report Report) ([]byte, bool) {
	buf, err := report.Serialize()
	if err != nil {
		log.Error().Err(err).Str("address", c.address).Msg("unable to serialize report")
		return nil, false
	}
	return Frame(buf), true
}

// writeLoop sends queued reports until the outbox is closed and empty, or
// the session is closed outright.
func (c *ClientSession) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame, ok := <-c.out:
			if !ok {
				lingerClose(c.conn)
				c.close()
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
				log.Error().Err(err).Str("address", c.address).Msg("failed setting write deadline")
				c.close()
				return
			}
			if _, err := c.conn.Write(frame); err != nil {
				log.Error().Err(err).Str("address", c.address).Msg("unable to send report")
				c.close()
				return
			}
		}
	}
}

// finish lets the writer deliver what is queued and then close. Nothing may
// send on the session afterwards.
func (c *ClientSession) finish() {
	close(c.out)
}

// lingerClose shuts the write side first and waits briefly for the client
// to close its end, so reports already written are not lost to a reset.
func lingerClose(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcp.CloseWrite(); err != nil {
		return
	}
	if err := tcp.SetReadDeadline(time.Now().Add(lingerTimeout)); err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, tcp)
}

// close drops the connection at once, discarding anything still queued.
func (c *ClientSession) close() {
	c.once.Do(func() {
		close(c.done)
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Str("address", c.address).Msg("unable to close connection")
		}
	})
}

// ownedOrder remembers which session placed an order that may still trade,
// and how much of it is still open.
type ownedOrder struct {
	session   string
	remaining int64
}

type Option func(*Server)

func WithWorkers(n int) Option {
	return func(s *Server) {
		s.pool = utils.NewWorkerPool(n)
	}
}

// WithReadTimeout closes connections idle for longer than d.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithIDGenerator replaces the uuid order id generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Server) {
		s.newID = newID
	}
}

type Server struct {
	address     string
	port        int
	readTimeout time.Duration
	pool        *utils.WorkerPool
	submitter   Submitter
	newID       func() string

	clientSessions     map[string]*ClientSession
	owners             map[string]ownedOrder
	clientSessionsLock sync.Mutex

	connections atomic.Int32 // Connections holding a worker.

	listener net.Listener
	ready    chan struct{}
}

func New(address string, port int, submitter Submitter, opts ...Option) *Server {
	s := &Server{
		address:        address,
		port:           port,
		readTimeout:    defaultReadTimeout,
		pool:           utils.NewWorkerPool(defaultNWorkers),
		submitter:      submitter,
		newID:          uuid.NewString,
		clientSessions: make(map[string]*ClientSession),
		owners:         make(map[string]ownedOrder),
		ready:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound listener address.
func (s *Server) Addr() (net.Addr, error) {
	select {
	case <-s.ready:
		return s.listener.Addr(), nil
	default:
		return nil, ErrServerNotReady
	}
}

// Run accepts connections until ctx is done. Each connection is served by a
// worker from the pool for as long as it stays open.
func (s *Server) Run(ctx context.Context) error {
	t, ctx := tomb.WithContext(ctx)

	// Start a tcp listener.
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		log.Error().Err(err).Msg("unable to start listener")
		return err
	}
	s.listener = listener
	close(s.ready)

	// Start the worker pool.
	s.pool.Setup(t, s.handleConnection)

	// Unblock Accept and every blocked read once we are shutting down.
	t.Go(func() error {
		<-t.Dying()
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Msg("unable to close listener")
		}
		s.closeClientSessions()
		return nil
	})

	log.Info().Str("address", listener.Addr().String()).Msg("server running")

	// Start accepting connections.
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !t.Alive() {
				break
			}
			log.Error().Err(err).Msg("error accepting client")
			continue
		}

		log.Info().
			Str("address", conn.RemoteAddr().String()).
			Msg("new client connected")

		// Every worker is serving a connection, so this one would never be read.
		if int(s.connections.Load()) >= s.pool.Size() {
			go s.refuse(conn)
			continue
		}

		// Pass over the connection to be served.
		s.connections.Add(1)
		if !s.pool.AddTask(t, conn) {
			s.connections.Add(-1)
			_ = conn.Close()
		}
	}

	log.Info().Msg("server shutting down")
	err = t.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// refuse tells a client there is no worker free for it and hangs up.
func (s *Server) refuse(conn net.Conn) {
	defer conn.Close()
	address := conn.RemoteAddr().String()
	log.Warn().Str("address", address).Int("workers", s.pool.Size()).Msg("refusing client")

	report := rejectReport("", Side(0), ErrServerFull)
	buf, err := report.Serialize()
	if err != nil {
		return
	}
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return
	}
	if err := WriteFrame(conn, buf); err != nil {
		log.Error().Err(err).Str("address", address).Msg("unable to send report")
		return
	}
	lingerClose(conn)
}

// handleConnection serves one client until it disconnects, its read times
// out or the server shuts down. Any error returned from here is fatal.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	conn, ok := task.(net.Conn)
	if !ok {
		s.connections.Add(-1)
		return ErrImproperConversion
	}

	session := s.addClientSession(conn)
	defer s.deleteClientSession(session)
	defer s.connections.Add(-1)
	go session.writeLoop()

	ctx := t.Context(nil)
	for t.Alive() {
		// Set max read timeout.
		if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			log.Error().
				Err(err).
				Str("address", session.address).
				Msg("failed setting deadline for connection")
			return nil
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				log.Info().Str("address", session.address).Msg("client disconnected")
			case errors.Is(err, ErrFrameTooLarge):
				session.send(rejectReport("", Side(0), err))
				log.Warn().Err(err).Str("address", session.address).Msg("oversized frame")
			default:
				log.Error().
					Err(err).
					Str("address", session.address).
					Msg("error reading from connection")
			}
			return nil
		}

		s.handleMessage(ctx, session, frame)
	}
	return nil
}

// handleMessage parses one frame and pushes it through the sequencer. The
// acknowledgement is only written once the engine has processed it.
func (s *Server) handleMessage(ctx context.Context, session *ClientSession, frame []byte) {
	message, err := ParseMessage(frame)
	if err != nil {
		log.Warn().Err(err).Str("address", session.address).Msg("error parsing message")
		session.send(rejectReport("", Side(0), err))
		return
	}

	switch m := message.(type) {
	case NewOrderMessage:
		s.placeOrder(ctx, session, m)
	case CancelOrderMessage:
		s.cancelOrder(ctx, session, m)
	case BaseMessage:
		// Heartbeat: reading it already refreshed the deadline.
	}
}

func (s *Server) placeOrder(ctx context.Context, session *ClientSession, m NewOrderMessage) {
	id := s.newID()
	order, err := m.Order(id, session.address)
	if err != nil {
		session.send(rejectReport(id, m.Side, err))
		return
	}

	// Ownership is registered before submission so that the order can be
	// attributed if it rests and trades before this handler runs again.
	s.trackOwner(id, session.address, order.Quantity)
	result, err := s.submitter.Submit(ctx, order)
	if err != nil {
		s.untrackOwner(id)
		log.Debug().Err(err).Str("order", id).Msg("order rejected")
		session.send(rejectReport(id, m.Side, err))
		return
	}

	session.send(ackReport(result))
	for _, trade := range result.Trades {
		session.send(executionReport(trade, order.Side))
	}
}

// cancelOrder only lets a session cancel orders it placed. Anything else is
// reported as not found, the same as an id that never rested.
func (s *Server) cancelOrder(ctx context.Context, session *ClientSession, m CancelOrderMessage) {
	if !s.owns(session.address, m.OrderID) {
		session.send(rejectReport(m.OrderID, Side(0), ErrOrderNotFound))
		return
	}

	result, err := s.submitter.Cancel(ctx, m.OrderID)
	if err != nil {
		session.send(rejectReport(m.OrderID, Side(0), err))
		return
	}
	s.untrackOwner(m.OrderID)
	session.send(ackReport(result))
}

// OnTrade reports a fill to the resting order's session. It runs on the
// matching goroutine and so never blocks on a slow client.
func (s *Server) OnTrade(trade Trade) error {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	s.fill(trade.TakerID(), trade.Quantity)
	owner, ok := s.fill(trade.MakerID(), trade.Quantity)
	if !ok {
		return nil
	}
	session, ok := s.clientSessions[owner]
	if !ok {
		return nil
	}
	if !session.trySend(executionReport(trade, trade.TakerSide.Opposite())) {
		log.Warn().
			Str("address", session.address).
			Uint64("trade", trade.Seq).
			Msg("dropped execution report for slow client")
	}
	return nil
}

// fill takes qty off an owned order, forgetting it once fully filled. The
// caller holds clientSessionsLock.
func (s *Server) fill(id string, qty int64) (string, bool) {
	owned, ok := s.owners[id]
	if !ok {
		return "", false
	}
	owned.remaining -= qty
	if owned.remaining <= 0 {
		delete(s.owners, id)
	} else {
		s.owners[id] = owned
	}
	return owned.session, true
}

func (s *Server) owns(session, id string) bool {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	owned, ok := s.owners[id]
	return ok && owned.session == session
}

func (s *Server) trackOwner(id, session string, qty int64) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	s.owners[id] = ownedOrder{session: session, remaining: qty}
}

func (s *Server) untrackOwner(id string) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	delete(s.owners, id)
}

// Sessions is the number of connected clients.
func (s *Server) Sessions() int {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	return len(s.clientSessions)
}

// addClientSession is an atomic map add
func (s *Server) addClientSession(conn net.Conn) *ClientSession {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	session := newClientSession(conn)
	s.clientSessions[session.address] = session
	return session
}

// deleteClientSession is an atomic map remove. Reports already queued are
// still delivered before the connection closes.
func (s *Server) deleteClientSession(session *ClientSession) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	if s.clientSessions[session.address] == session {
		delete(s.clientSessions, session.address)
	}
	session.finish()
}

func (s *Server) closeClientSessions() {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	for _, session := range s.clientSessions {
		session.close()
	}
}
