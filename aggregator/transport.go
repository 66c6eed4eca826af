package aggregator

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	penaltyBase   = 2 * time.Second // first timeout → 2s
	penaltyMax    = 8 * time.Second // cap the penalty
	backoffWindow = 5 * time.Second // time window to keep growing the streak

	errUnauthorized = "unauthorized"
)

var readBufPool = newBufPool([]int{
	1 << 10,  // 1 KiB
	4 << 10,  // 4 KiB
	16 << 10, // 16 KiB
	64 << 10, // 64 KiB
	256 << 10,
})

type bufPool struct {
	sizes       []int
	pools       []sync.Pool
	indexBySize map[int]int
}

// newBufPool creates fixed-size byte slice pools for a small set of common
// frame sizes.
func newBufPool(sizes []int) *bufPool {
	bp := &bufPool{
		sizes:       sizes,
		pools:       make([]sync.Pool, len(sizes)),
		indexBySize: make(map[int]int, len(sizes)),
	}
	for i, sz := range sizes {
		size := sz
		bp.pools[i].New = func() any {
			return make([]byte, size)
		}
		bp.indexBySize[sz] = i
	}
	return bp
}

// class returns the index of the first bucket that can hold n bytes.
func (bp *bufPool) class(n int) int {
	for i, sz := range bp.sizes {
		if n <= sz {
			return i
		}
	}
	return -1
}

// get returns a slice of length n, pooled when a bucket fits.
func (bp *bufPool) get(n int) []byte {
	if i := bp.class(n); i >= 0 {
		b := bp.pools[i].Get().([]byte)
		return b[:n]
	}
	return make([]byte, n)
}

// put returns a buffer to the bucket matching its capacity. Other sizes are
// dropped.
func (bp *bufPool) put(b []byte) {
	if i, ok := bp.indexBySize[cap(b)]; ok {
		bp.pools[i].Put(b[:bp.sizes[i]])
	}
}

// readFrameBuf reads one length-prefixed frame into a pooled buffer. The
// caller owns the buffer and returns it with readBufPool.put.
func readFrameBuf(r *bufio.Reader, maxFrame int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if maxFrame > 0 && n > maxFrame {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", n)
	}
	buf := readBufPool.get(n)
	if _, err := io.ReadFull(r, buf); err != nil {
		readBufPool.put(buf)
		return nil, err
	}
	return buf, nil
}

func writeFrameBuf(w *bufio.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

// peerConn is a client connection to one collaborator. Requests are
// multiplexed by Base.ID; a single reader routes responses to waiters.
type peerConn struct {
	addr         string
	self         string
	conn         net.Conn
	r            *bufio.Reader
	w            *bufio.Writer
	mu           sync.Mutex
	pend         sync.Map // reqID -> chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	maxFrame     int
	readTO       time.Duration
	writeTO      time.Duration
	idleTO       time.Duration
	inflightCh   chan struct{}
	token        string
	penaltyUntil int64
	lastTimeout  int64
	toStreak     uint32
}

// dialPeer connects to addr, performs the hello exchange when a token is
// configured, and starts the response reader.
func dialPeer(ctx context.Context, addr string, cfg RemoteConfig) (*peerConn, error) {
	d := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 45 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
			})
		},
	}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(45 * time.Second)
	}

	pc := &peerConn{
		addr:       addr,
		self:       cfg.Self,
		conn:       c,
		r:          bufio.NewReaderSize(c, 64<<10),
		w:          bufio.NewWriterSize(c, 64<<10),
		closed:     make(chan struct{}),
		maxFrame:   cfg.MaxFrameSize,
		readTO:     cfg.ReadTimeout,
		writeTO:    cfg.WriteTimeout,
		idleTO:     cfg.IdleTimeout,
		inflightCh: make(chan struct{}, cfg.MaxInflight),
		token:      cfg.AuthToken,
	}
	if pc.token != "" {
		if err := pc.hello(); err != nil {
			_ = c.Close()
			return nil, errors.Wrapf(err, "hello %s", addr)
		}
	}
	go pc.readLoop()
	return pc, nil
}

func (p *peerConn) hello() error {
	id := uint64(time.Now().UnixNano())
	raw, err := cborEnc.Marshal(&MsgHello{Base: Base{T: MTHello, ID: id}, From: p.self, Token: p.token})
	if err != nil {
		return err
	}
	if err := p.writeFrame(raw); err != nil {
		return err
	}

	_ = p.conn.SetReadDeadline(time.Now().Add(p.readTO))
	respRaw, err := readFrameBuf(p.r, p.maxFrame)
	if err != nil {
		return err
	}
	defer readBufPool.put(respRaw)

	var hr MsgHelloResp
	if err := cborDec.Unmarshal(respRaw, &hr); err != nil {
		return err
	}
	if hr.T != MTHelloResp {
		return errors.Wrap(ErrBadPeer, "bad hello resp")
	}
	if !hr.OK {
		if hr.Err == "" {
			hr.Err = errUnauthorized
		}
		return errors.New(hr.Err)
	}
	return nil
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		_ = p.conn.Close()
		close(p.closed)
	})
}

func (p *peerConn) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// failAll unblocks every pending request with ErrPeerClosed.
func (p *peerConn) failAll() {
	p.close()
	p.pend.Range(func(id, chAny any) bool {
		p.pend.Delete(id)
		close(chAny.(chan []byte))
		return true
	})
}

// readLoop routes response frames to the waiter registered under their ID.
// Responses nobody waits for are dropped.
func (p *peerConn) readLoop() {
	for {
		buf, err := p.readFrame()
		if err != nil {
			p.failAll()
			return
		}
		var base Base
		if err := cborDec.Unmarshal(buf, &base); err != nil {
			continue
		}
		if chAny, ok := p.pend.LoadAndDelete(base.ID); ok {
			ch := chAny.(chan []byte)
			ch <- buf
			close(ch)
		}
	}
}

// readFrame waits up to the idle timeout for a header and up to the read
// timeout for the body.
func (p *peerConn) readFrame() ([]byte, error) {
	if p.idleTO > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.idleTO))
	}
	var hdr [4]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if p.maxFrame > 0 && n > p.maxFrame {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes from %s", n, p.addr)
	}
	_ = p.conn.SetReadDeadline(time.Now().Add(p.readTO))
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *peerConn) writeFrame(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTO))
	return writeFrameBuf(p.w, payload)
}

// request sends msg and waits for the frame carrying the same id. The wait is
// bounded by ctx; expiry maps to ErrTimeout and penalizes the peer.
func (p *peerConn) request(ctx context.Context, msg any, id uint64) ([]byte, error) {
	select {
	case p.inflightCh <- struct{}{}:
	default:
		return nil, ErrInflightLimit
	}
	defer func() { <-p.inflightCh }()

	if p.isClosed() {
		return nil, ErrPeerClosed
	}
	raw, err := cborEnc.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	ch := make(chan []byte, 1)
	p.pend.Store(id, ch)
	if p.isClosed() {
		p.pend.Delete(id)
		return nil, ErrPeerClosed
	}

	if err := p.writeFrame(raw); err != nil {
		p.pend.Delete(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrPeerClosed
		}
		return resp, nil
	case <-ctx.Done():
		p.pend.Delete(id)
		p.penalizeTimeout()
		return nil, errors.Mark(errors.Wrapf(ctx.Err(), "request to %s", p.addr), ErrTimeout)
	}
}

// penalizeTimeout bumps a short penalty. Repeated timeouts within
// backoffWindow grow it (2s → 4s → 8s), capped by penaltyMax.
func (p *peerConn) penalizeTimeout() {
	now := time.Now()
	last := time.Unix(0, atomic.LoadInt64(&p.lastTimeout))
	var streak uint32
	if now.Sub(last) > backoffWindow {
		atomic.StoreUint32(&p.toStreak, 1)
		streak = 1
	} else {
		streak = atomic.AddUint32(&p.toStreak, 1)
	}
	atomic.StoreInt64(&p.lastTimeout, now.UnixNano())

	shift := streak - 1
	if shift > 3 {
		shift = 3
	}
	d := penaltyBase << shift
	if d > penaltyMax {
		d = penaltyMax
	}
	atomic.StoreInt64(&p.penaltyUntil, now.Add(d).UnixNano())
}

// penalized reports whether the peer is currently under penalty.
func (p *peerConn) penalized() bool {
	return time.Now().UnixNano() < atomic.LoadInt64(&p.penaltyUntil)
}
