package aggregator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

// Remote reaches the catalog, the distribution authority and partition
// holders over framed CBOR connections. It implements Catalog, Distributor and
// PartitionReader.
type Remote struct {
	cfg RemoteConfig
	log zerolog.Logger
	seq atomic.Uint64

	peersMu sync.RWMutex
	peers   map[string]*peerConn
	closed  bool
}

func NewRemote(cfg RemoteConfig) *Remote {
	cfg.FillDefaults()
	return &Remote{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "remote").Logger(),
		peers: make(map[string]*peerConn),
	}
}

func (r *Remote) AuthorityID() TabletID { return r.cfg.AuthorityID }

func (r *Remote) Navigate(ctx context.Context, path PathID) (TableSchema, error) {
	id := r.seq.Add(1)
	var resp MsgNavigateResp
	req := &MsgNavigate{Base: Base{T: MTNavigate, ID: id}, Path: path}
	if err := r.call(ctx, r.cfg.CatalogAddr, req, id, MTNavigateResp, &resp); err != nil {
		return TableSchema{}, errors.Wrapf(err, "navigate %s", path)
	}
	if resp.Err != "" {
		return TableSchema{}, errors.Newf("navigate %s: %s", path, resp.Err)
	}
	if !resp.Found {
		return TableSchema{}, errors.Wrapf(ErrTableNotFound, "navigate %s", path)
	}
	return resp.Schema, nil
}

func (r *Remote) Resolve(ctx context.Context, path PathID, startKey []byte, keyColumnTypes []uint16) ([]Partition, error) {
	id := r.seq.Add(1)
	var resp MsgResolveResp
	req := &MsgResolve{
		Base:           Base{T: MTResolve, ID: id},
		Path:           path,
		StartKey:       startKey,
		KeyColumnTypes: keyColumnTypes,
	}
	if err := r.call(ctx, r.cfg.CatalogAddr, req, id, MTResolveResp, &resp); err != nil {
		return nil, errors.Wrapf(err, "resolve %s", path)
	}
	if resp.Err != "" {
		return nil, errors.Newf("resolve %s: %s", path, resp.Err)
	}
	if !resp.Found {
		return nil, errors.Wrapf(ErrTableNotFound, "resolve %s", path)
	}
	return resp.Partitions, nil
}

// RequestDistribution asks the authority where the tablets of a column table
// live. Failures are reported against the authority.
func (r *Remote) RequestDistribution(ctx context.Context, tablets []TabletID) ([]Partition, error) {
	id := r.seq.Add(1)
	var resp MsgDistributionResp
	req := &MsgDistribution{Base: Base{T: MTDistribution, ID: id}, Tablets: slices.Clone(tablets)}
	if err := r.call(ctx, r.cfg.AuthorityAddr, req, id, MTDistributionResp, &resp); err != nil {
		return nil, &DeliveryError{Tablet: r.cfg.AuthorityID, Err: err}
	}
	if resp.Err != "" {
		return nil, &DeliveryError{Tablet: r.cfg.AuthorityID, Err: errors.New(resp.Err)}
	}
	return resp.Partitions, nil
}

// ReadStatistics reads one page from the tablet holding p. Every failure is a
// delivery problem of that tablet.
func (r *Remote) ReadStatistics(ctx context.Context, p Partition, path PathID, startKey []byte) (PartitionStats, error) {
	id := r.seq.Add(1)
	var resp MsgReadStatisticsResp
	req := &MsgReadStatistics{
		Base:     Base{T: MTReadStatistics, ID: id},
		Tablet:   p.Tablet,
		Path:     path,
		StartKey: startKey,
	}
	if err := r.call(ctx, p.Addr, req, id, MTReadStatisticsResp, &resp); err != nil {
		return PartitionStats{}, &DeliveryError{Tablet: p.Tablet, Err: err}
	}
	if resp.Err != "" {
		return PartitionStats{}, &DeliveryError{Tablet: p.Tablet, Err: errors.New(resp.Err)}
	}
	return resp.Stats, nil
}

// call sends req to addr and decodes the response into out. A fatal transport
// error drops the cached connection so the next call redials.
func (r *Remote) call(ctx context.Context, addr string, req any, id uint64, want MsgType, out any) error {
	if addr == "" {
		return errors.New("no address")
	}
	p, err := r.ensurePeer(ctx, addr)
	if err != nil {
		return err
	}
	if p.penalized() {
		return errors.Wrapf(ErrTimeout, "peer %s penalized", addr)
	}
	raw, err := p.request(ctx, req, id)
	if err != nil {
		if isFatalTransport(err) {
			r.log.Debug().Err(err).Str("addr", addr).Msg("resetting peer")
			r.resetPeer(addr, p)
		}
		return err
	}
	var base Base
	if err := cborDec.Unmarshal(raw, &base); err != nil {
		return errors.Wrap(err, "decode response header")
	}
	if base.T != want {
		return errors.Wrapf(ErrBadPeer, "want message type %d, got %d", want, base.T)
	}
	if err := cborDec.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "decode message type %d", want)
	}
	return nil
}

// ensurePeer returns the cached connection for addr, dialing one if needed.
func (r *Remote) ensurePeer(ctx context.Context, addr string) (*peerConn, error) {
	r.peersMu.RLock()
	p, closed := r.peers[addr], r.closed
	r.peersMu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if p != nil && !p.isClosed() {
		return p, nil
	}

	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if p = r.peers[addr]; p != nil && !p.isClosed() {
		return p, nil
	}
	pc, err := dialPeer(ctx, addr, r.cfg)
	if err != nil {
		return nil, err
	}
	r.peers[addr] = pc
	return pc, nil
}

// resetPeer closes p and forgets it if it is still the cached connection.
func (r *Remote) resetPeer(addr string, p *peerConn) {
	r.peersMu.Lock()
	if cur := r.peers[addr]; cur == p {
		delete(r.peers, addr)
	}
	r.peersMu.Unlock()
	p.close()
}

// Close closes every peer connection. Later calls fail with ErrClosed.
func (r *Remote) Close() {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	r.closed = true
	for addr, p := range r.peers {
		p.close()
		delete(r.peers, addr)
	}
}
