package aggregator

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Inbox receives connection lifecycle events and decoded peer messages.
// *Aggregator implements it.
type Inbox interface {
	Connected(conn ConnID)
	Disconnected(conn ConnID)
	Deliver(conn ConnID, msg any)
}

// ShardStatsSink stores the latest statistics blob reported by a shard.
type ShardStatsSink interface {
	Put(shard ShardID, blob []byte, version uint64) error
}

// Server accepts node and shard peers. Frames of one connection are decoded
// and delivered in arrival order. It routes outbound messages by node id and
// by connection id.
type Server struct {
	cfg   ServerConfig
	log   zerolog.Logger
	cache ShardStatsSink

	mu     sync.RWMutex
	ln     net.Listener
	conns  map[ConnID]*serverConn
	nodes  map[NodeID]ConnID
	nextID atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

type serverConn struct {
	id      ConnID
	c       net.Conn
	w       *bufio.Writer
	mu      sync.Mutex
	writeTO time.Duration
}

func (sc *serverConn) send(msg any) error {
	raw, err := cborEnc.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.writeTO > 0 {
		_ = sc.c.SetWriteDeadline(time.Now().Add(sc.writeTO))
	}
	return writeFrameBuf(sc.w, raw)
}

func NewServer(cfg ServerConfig, cache ShardStatsSink) *Server {
	cfg.FillDefaults()
	return &Server{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "server").Logger(),
		cache: cache,
		conns: make(map[ConnID]*serverConn),
		nodes: make(map[NodeID]ConnID),
		stop:  make(chan struct{}),
	}
}

// Listen binds the listener. Serve calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.BindAddr)
	}
	s.ln = ln
	return nil
}

// Addr is the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts peers until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context, inbox Inbox) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.RLock()
	ln := s.ln
	s.mu.RUnlock()
	s.log.Info().Stringer("addr", ln.Addr()).Msg("accepting peers")

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.stop:
		}
	}()

	tune := func(tc *net.TCPConn) {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(45 * time.Second)
	}
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				s.wg.Wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		if tc, ok := c.(*net.TCPConn); ok {
			tune(tc)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, c, inbox)
		}()
	}
}

// Close stops accepting and closes every connection. It is idempotent.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		if s.ln != nil {
			_ = s.ln.Close()
		}
		for _, sc := range s.conns {
			_ = sc.c.Close()
		}
		s.mu.Unlock()
	})
}

// SendToNode writes msg to the latest connection the node registered on.
func (s *Server) SendToNode(node NodeID, msg any) error {
	s.mu.RLock()
	sc := s.conns[s.nodes[node]]
	s.mu.RUnlock()
	if sc == nil {
		return errors.Wrapf(ErrUnknownNode, "node %d", node)
	}
	return sc.send(msg)
}

// Reply writes msg to a connection.
func (s *Server) Reply(conn ConnID, msg any) error {
	s.mu.RLock()
	sc := s.conns[conn]
	s.mu.RUnlock()
	if sc == nil {
		return errors.Wrapf(ErrUnknownConn, "conn %d", conn)
	}
	return sc.send(msg)
}

func (s *Server) register(sc *serverConn) {
	s.mu.Lock()
	s.conns[sc.id] = sc
	s.mu.Unlock()
}

func (s *Server) unregister(id ConnID) {
	s.mu.Lock()
	delete(s.conns, id)
	for node, conn := range s.nodes {
		if conn == id {
			delete(s.nodes, node)
		}
	}
	s.mu.Unlock()
}

func (s *Server) routeNode(node NodeID, id ConnID) {
	s.mu.Lock()
	s.nodes[node] = id
	s.mu.Unlock()
}

// serveConn authenticates one peer, then reads frames and hands them to a
// single worker so messages of a connection keep their order.
func (s *Server) serveConn(ctx context.Context, c net.Conn, inbox Inbox) {
	defer c.Close()

	r := bufio.NewReaderSize(c, s.cfg.ReadBufSize)
	w := bufio.NewWriterSize(c, s.cfg.WriteBufSize)

	if s.cfg.AuthToken != "" && !s.authenticate(c, r, w) {
		return
	}

	sc := &serverConn{
		id:      ConnID(s.nextID.Add(1)),
		c:       c,
		w:       w,
		writeTO: s.cfg.WriteTimeout,
	}
	log := s.log.With().Uint64("conn", uint64(sc.id)).Stringer("remote", c.RemoteAddr()).Logger()
	s.register(sc)
	inbox.Connected(sc.id)

	jobQ := make(chan []byte, s.cfg.PerConnQueue)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for buf := range jobQ {
			s.handleFrame(sc, buf, inbox, log)
			readBufPool.put(buf)
		}
	}()
	defer func() {
		close(jobQ)
		<-workerDone
		s.unregister(sc.id)
		inbox.Disconnected(sc.id)
		log.Debug().Msg("peer gone")
	}()

	var lim *rate.Limiter
	if s.cfg.MsgRate > 0 {
		lim = rate.NewLimiter(rate.Limit(s.cfg.MsgRate), s.cfg.MsgBurst)
	}

	idle := s.cfg.IdleTimeout
	if idle <= 0 {
		idle = s.cfg.ReadTimeout
	}
	for {
		if idle > 0 {
			_ = c.SetReadDeadline(time.Now().Add(idle))
		}
		buf, err := readFrameBuf(r, s.cfg.MaxFrameSize)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				log.Warn().Err(err).Msg("dropping peer")
			}
			return
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				readBufPool.put(buf)
				return
			}
		}
		// blocks when the worker falls behind so TCP applies flow control
		jobQ <- buf
	}
}

func (s *Server) authenticate(c net.Conn, r *bufio.Reader, w *bufio.Writer) bool {
	if rt := s.cfg.ReadTimeout; rt > 0 {
		_ = c.SetReadDeadline(time.Now().Add(rt))
	}
	buf, err := readFrameBuf(r, s.cfg.MaxFrameSize)
	if err != nil {
		return false
	}
	var h MsgHello
	decErr := cborDec.Unmarshal(buf, &h)
	readBufPool.put(buf)
	if decErr != nil || h.T != MTHello {
		return false
	}

	authOK := h.Token == s.cfg.AuthToken
	ack := MsgHelloResp{Base: Base{T: MTHelloResp, ID: h.ID}, OK: authOK}
	if !authOK {
		ack.Err = errUnauthorized
		s.log.Warn().Str("from", h.From).Stringer("remote", c.RemoteAddr()).Msg("peer rejected")
	}
	raw, _ := cborEnc.Marshal(&ack)
	if wt := s.cfg.WriteTimeout; wt > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(wt))
	}
	return writeFrameBuf(w, raw) == nil && authOK
}

func (s *Server) handleFrame(sc *serverConn, buf []byte, inbox Inbox, log zerolog.Logger) {
	msg, err := decodeInbound(buf)
	if err != nil {
		log.Warn().Err(err).Msg("undecodable frame")
		return
	}
	switch m := msg.(type) {
	case *MsgConnectNode:
		s.routeNode(m.Node, sc.id)
	case *MsgRequestStats:
		s.routeNode(m.Node, sc.id)
	case *MsgShardStats:
		if err := s.cache.Put(m.Shard, m.Stats, m.Version); err != nil {
			log.Error().Err(err).Uint64("shard", uint64(m.Shard)).Msg("cache shard statistics")
		}
		m.Stats = nil
	}
	inbox.Deliver(sc.id, msg)
}
