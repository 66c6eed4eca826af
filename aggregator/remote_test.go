package aggregator

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

// serveCollaborator answers every request frame with handler's result. A nil
// result leaves the request unanswered.
func serveCollaborator(t *testing.T, handler func(base Base, raw []byte) any) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				w := bufio.NewWriter(c)
				for {
					buf, err := readFrameBuf(r, 1<<20)
					if err != nil {
						return
					}
					var base Base
					if cborDec.Unmarshal(buf, &base) != nil {
						return
					}
					resp := handler(base, buf)
					if resp == nil {
						continue
					}
					raw, _ := cborEnc.Marshal(resp)
					if writeFrameBuf(w, raw) != nil {
						return
					}
				}
			}(c)
		}
	}()
	return ln.Addr().String()
}

func newTestRemote(t *testing.T, catalog, authority string) *Remote {
	t.Helper()
	cfg := DefaultRemote()
	cfg.Self = "agg-1"
	cfg.CatalogAddr = catalog
	cfg.AuthorityAddr = authority
	cfg.AuthorityID = 1000
	r := NewRemote(cfg)
	t.Cleanup(r.Close)
	return r
}

func TestRemoteNavigate(t *testing.T) {
	known := PathID{OwnerID: 72, LocalID: 5}
	addr := serveCollaborator(t, func(base Base, raw []byte) any {
		var req MsgNavigate
		if cborDec.Unmarshal(raw, &req) != nil {
			return nil
		}
		resp := &MsgNavigateResp{Base: Base{T: MTNavigateResp, ID: base.ID}}
		if req.Path == known {
			resp.Found = true
			resp.Schema = TableSchema{KeyColumnTypes: []uint16{4}, Columns: []Column{{Tag: 1, Name: "a"}}}
		}
		return resp
	})
	r := newTestRemote(t, addr, "")
	ctx := context.Background()

	schema, err := r.Navigate(ctx, known)
	if err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if len(schema.Columns) != 1 || schema.Columns[0].Name != "a" {
		t.Fatalf("unexpected schema %+v", schema)
	}

	_, err = r.Navigate(ctx, PathID{OwnerID: 1, LocalID: 1})
	if !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("want ErrTableNotFound, got %v", err)
	}
}

func TestRemoteReadFailuresNameTheTablet(t *testing.T) {
	addr := serveCollaborator(t, func(base Base, raw []byte) any {
		var req MsgReadStatistics
		if cborDec.Unmarshal(raw, &req) != nil {
			return nil
		}
		if req.Tablet == 13 {
			return &MsgReadStatisticsResp{Base: Base{T: MTReadStatisticsResp, ID: base.ID}, Err: "wrong tablet"}
		}
		return &MsgReadStatisticsResp{
			Base:  Base{T: MTReadStatisticsResp, ID: base.ID},
			Stats: PartitionStats{NextKey: append([]byte("next-"), req.StartKey...)},
		}
	})
	r := newTestRemote(t, "", "")
	ctx := context.Background()

	st, err := r.ReadStatistics(ctx, Partition{Tablet: 12, Addr: addr}, PathID{OwnerID: 1, LocalID: 2}, []byte("k"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(st.NextKey) != "next-k" {
		t.Fatalf("unexpected page %+v", st)
	}

	var de *DeliveryError
	_, err = r.ReadStatistics(ctx, Partition{Tablet: 13, Addr: addr}, PathID{OwnerID: 1, LocalID: 2}, nil)
	if !errors.As(err, &de) || de.Tablet != 13 {
		t.Fatalf("want delivery error for tablet 13, got %v", err)
	}

	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	dead := ln.Addr().String()
	_ = ln.Close()
	_, err = r.ReadStatistics(ctx, Partition{Tablet: 14, Addr: dead}, PathID{OwnerID: 1, LocalID: 2}, nil)
	if !errors.As(err, &de) || de.Tablet != 14 {
		t.Fatalf("want delivery error for tablet 14, got %v", err)
	}
}

func TestRemoteDistributionTimeoutPenalizes(t *testing.T) {
	addr := serveCollaborator(t, func(Base, []byte) any { return nil })
	r := newTestRemote(t, "", addr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.RequestDistribution(ctx, []TabletID{1, 2})
	var de *DeliveryError
	if !errors.As(err, &de) || de.Tablet != 1000 {
		t.Fatalf("want delivery error for the authority, got %v", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want timeout, got %v", err)
	}

	_, err = r.RequestDistribution(context.Background(), []TabletID{1})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("penalized peer should fail fast, got %v", err)
	}
}

func TestRemoteHelloAgainstServer(t *testing.T) {
	srv, inbox, _ := startServer(t, "secret")

	cfg := DefaultRemote()
	cfg.AuthToken = "secret"
	p, err := dialPeer(context.Background(), srv.Addr().String(), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer p.close()
	if ev := inbox.next(t); ev.kind != "connected" {
		t.Fatalf("want connected, got %+v", ev)
	}

	cfg.AuthToken = "nope"
	if _, err := dialPeer(context.Background(), srv.Addr().String(), cfg); err == nil {
		t.Fatal("expected hello to fail")
	}
}

func TestRemoteClosed(t *testing.T) {
	r := newTestRemote(t, "127.0.0.1:1", "")
	r.Close()
	if _, err := r.Navigate(context.Background(), PathID{OwnerID: 1, LocalID: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}
