package lib

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// endpoint is the datagram side of a connection: one bound socket, segments
// out, segments in. Reliability lives above it.
type endpoint struct {
	conn    net.PacketConn
	pool    *payloadPool
	release func() // gives a pooled port back, may be nil
}

func newEndpoint(conn net.PacketConn, pool *payloadPool, release func()) *endpoint {
	return &endpoint{conn: conn, pool: pool, release: release}
}

func (e *endpoint) localAddr() net.Addr {
	return e.conn.LocalAddr()
}

// sendTo hands one segment to the OS.
func (e *endpoint) sendTo(seg *Segment, addr net.Addr) error {
	frame, err := seg.Marshal()
	if err != nil {
		return err
	}
	if _, err := e.conn.WriteTo(frame, addr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return errors.Wrap(ErrConnectionLost, err.Error())
		}
		return errors.Wrapf(err, "sending %v to %s", seg, addr)
	}
	return nil
}

// receive waits up to timeout for one datagram; 0 blocks forever.
func (e *endpoint) receive(timeout time.Duration) (*Segment, net.Addr, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	return e.receiveUntil(deadline)
}

// receiveUntil reads one datagram before deadline (zero means none) and
// decodes it. Undecodable and corrupt datagrams come back as
// ErrCorruptFormat / ErrCorruptSegment with the sender's address so the
// caller can keep waiting on the same deadline.
func (e *endpoint) receiveUntil(deadline time.Time) (*Segment, net.Addr, error) {
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, e.mapReadError(err)
	}

	payload, giveBack := e.pool.get()
	defer giveBack()

	n, addr, err := e.conn.ReadFrom(payload.Buffer())
	if err != nil {
		return nil, nil, e.mapReadError(err)
	}
	payload.SetLength(n)

	seg, err := Unmarshal(payload.GetSlice())
	if err != nil {
		return nil, addr, err
	}
	if !seg.Verify() {
		return nil, addr, errors.Wrapf(ErrCorruptSegment, "from %s: %v", addr, seg)
	}
	return seg, addr, nil
}

func (e *endpoint) mapReadError(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, net.ErrClosed) {
		return errors.Wrap(ErrConnectionLost, "socket closed")
	}
	return errors.Wrap(ErrConnectionLost, err.Error())
}

func (e *endpoint) close() error {
	err := e.conn.Close()
	if e.release != nil {
		e.release()
		e.release = nil
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debug().Err(err).Str("local", e.conn.LocalAddr().String()).Msg("closing endpoint")
		return err
	}
	return nil
}

// sameAddr compares datagram addresses by their string form; UDPAddr holds
// a slice and cannot be compared directly.
func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
