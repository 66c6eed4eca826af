package aggregator

import (
	"io"
	"net"
	"syscall"

	"github.com/cockroachdb/errors"
)

var (
	ErrTableNotFound = errors.New("table not found")
	ErrTimeout       = errors.New("timeout")
	ErrClosed        = errors.New("aggregator closed")
	ErrBadPeer       = errors.New("bad peer response")
	ErrPeerClosed    = errors.New("peer closed")
	ErrUnknownNode   = errors.New("no connection for node")
	ErrUnknownConn   = errors.New("unknown connection")
	ErrInflightLimit = errors.New("peer inflight limit")
	ErrFrameTooLarge = errors.New("frame too large")
)

// DeliveryError reports that a request to a tablet never reached it or its
// reply was lost with the transport.
type DeliveryError struct {
	Tablet TabletID
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return "delivery problem to tablet " + e.Tablet.String()
	}
	return "delivery problem to tablet " + e.Tablet.String() + ": " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// isFatalTransport reports whether an error indicates a broken or unusable
// transport that should trigger a peer reset/redial.
// Timeouts and application errors are considered non-fatal.
func isFatalTransport(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTimeout) {
		return false
	}

	if errors.Is(err, ErrPeerClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return !nerr.Timeout()
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	return false
}
