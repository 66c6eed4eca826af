package aggregator

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/statsagg/internal/statscache"
)

type inboxEvent struct {
	kind string
	conn ConnID
	msg  any
}

type recordingInbox struct {
	ch chan inboxEvent
}

func newRecordingInbox() *recordingInbox { return &recordingInbox{ch: make(chan inboxEvent, 64)} }

func (r *recordingInbox) Connected(conn ConnID) { r.ch <- inboxEvent{kind: "connected", conn: conn} }
func (r *recordingInbox) Disconnected(conn ConnID) {
	r.ch <- inboxEvent{kind: "disconnected", conn: conn}
}
func (r *recordingInbox) Deliver(conn ConnID, msg any) {
	r.ch <- inboxEvent{kind: "deliver", conn: conn, msg: msg}
}

func (r *recordingInbox) next(t *testing.T) inboxEvent {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no inbox event")
		return inboxEvent{}
	}
}

func startServer(t *testing.T, token string) (*Server, *recordingInbox, *statscache.Cache[ShardID]) {
	t.Helper()
	cache := statscache.NewWithDefaults[ShardID]()
	cfg := DefaultServer()
	cfg.BindAddr = "127.0.0.1:0"
	cfg.AuthToken = token
	srv := NewServer(cfg, cache)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	inbox := newRecordingInbox()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, inbox)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, inbox, cache
}

type testPeer struct {
	c net.Conn
	r *bufio.Reader
	w *bufio.Writer
}

func dialTestPeer(t *testing.T, addr net.Addr) *testPeer {
	t.Helper()
	c, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return &testPeer{c: c, r: bufio.NewReader(c), w: bufio.NewWriter(c)}
}

func (p *testPeer) send(t *testing.T, msg any) {
	t.Helper()
	raw, err := cborEnc.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := writeFrameBuf(p.w, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (p *testPeer) recv(t *testing.T, out any) {
	t.Helper()
	_ = p.c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf, err := readFrameBuf(p.r, 1<<20)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := cborDec.Unmarshal(buf, out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestServerRejectsBadToken(t *testing.T) {
	srv, inbox, _ := startServer(t, "secret")
	p := dialTestPeer(t, srv.Addr())

	p.send(t, &MsgHello{Base: Base{T: MTHello, ID: 1}, From: "node-1", Token: "wrong"})
	var resp MsgHelloResp
	p.recv(t, &resp)
	if resp.OK || resp.Err != errUnauthorized {
		t.Fatalf("unexpected hello resp %+v", resp)
	}

	select {
	case ev := <-inbox.ch:
		t.Fatalf("unauthenticated peer reached the inbox: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServerDeliversInOrderAndRoutes(t *testing.T) {
	srv, inbox, cache := startServer(t, "secret")
	p := dialTestPeer(t, srv.Addr())

	p.send(t, &MsgHello{Base: Base{T: MTHello, ID: 1}, From: "node-1", Token: "secret"})
	var hello MsgHelloResp
	p.recv(t, &hello)
	if !hello.OK {
		t.Fatalf("hello rejected: %+v", hello)
	}

	p.send(t, &MsgShardStats{Base: Base{T: MTShardStats}, Shard: 7, Version: 2, Stats: []byte("abc"),
		Tables: []TableEntry{{Path: PathID{OwnerID: 7, LocalID: 1}}}})
	p.send(t, &MsgConnectNode{Base: Base{T: MTConnectNode}, Node: 9, Need: []ShardID{7}})
	p.send(t, &MsgKeepAlive{Base: Base{T: MTKeepAlive}, Round: 1})

	ev := inbox.next(t)
	if ev.kind != "connected" {
		t.Fatalf("want connected, got %+v", ev)
	}
	conn := ev.conn

	ss, ok := inbox.next(t).msg.(*MsgShardStats)
	if !ok || ss.Shard != 7 || len(ss.Tables) != 1 {
		t.Fatalf("want shard stats first, got %#v", ss)
	}
	if _, ok := inbox.next(t).msg.(*MsgConnectNode); !ok {
		t.Fatal("want connect node second")
	}
	if _, ok := inbox.next(t).msg.(*MsgKeepAlive); !ok {
		t.Fatal("want keep-alive third")
	}

	blob, ok := cache.Get(7)
	if !ok || string(blob) != "abc" {
		t.Fatalf("cache not written: %q %v", blob, ok)
	}

	out := &MsgPropagateStatistics{Base: Base{T: MTPropagateStatistics}, Entries: []StatsEntry{{Shard: 7, Stats: blob}}}
	if err := srv.SendToNode(9, out); err != nil {
		t.Fatalf("send to node: %v", err)
	}
	var got MsgPropagateStatistics
	p.recv(t, &got)
	if got.T != MTPropagateStatistics || len(got.Entries) != 1 || string(got.Entries[0].Stats) != "abc" {
		t.Fatalf("unexpected propagation %+v", got)
	}

	if err := srv.Reply(conn, &MsgKeepAliveAck{Base: Base{T: MTKeepAliveAck}, Round: 1}); err != nil {
		t.Fatalf("reply: %v", err)
	}
	var ack MsgKeepAliveAck
	p.recv(t, &ack)
	if ack.Round != 1 {
		t.Fatalf("unexpected ack %+v", ack)
	}

	_ = p.c.Close()
	if ev := inbox.next(t); ev.kind != "disconnected" || ev.conn != conn {
		t.Fatalf("want disconnected, got %+v", ev)
	}
	if err := srv.SendToNode(9, out); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("want ErrUnknownNode, got %v", err)
	}
	if err := srv.Reply(conn, out); !errors.Is(err, ErrUnknownConn) {
		t.Fatalf("want ErrUnknownConn, got %v", err)
	}
}

func TestServerDropsOversizedFrame(t *testing.T) {
	srv, inbox, _ := startServer(t, "")
	p := dialTestPeer(t, srv.Addr())

	if ev := inbox.next(t); ev.kind != "connected" {
		t.Fatalf("want connected, got %+v", ev)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(srv.cfg.MaxFrameSize+1))
	if _, err := p.c.Write(hdr[:]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := inbox.next(t); ev.kind != "disconnected" {
		t.Fatalf("want disconnected, got %+v", ev)
	}
}
