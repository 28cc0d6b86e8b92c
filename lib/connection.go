package lib

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/smallnest/ringbuffer"

	"github.com/Clouded-Sabre/reldat/config"
)

const (
	btreeDegree   = 8
	futureHorizon = seqModulus / 4 // farthest a buffered future segment may lie ahead of rcvNext
)

// Connection is one established RELDAT stream. Send, Receive and the
// handshake share the connection's socket and are serialized by ioMu; Close
// may be called from any goroutine.
type Connection struct {
	core       *Core
	ep         *endpoint
	remote     net.Addr
	windowSize int // local receive window, in segments
	maxPayload int
	cfg        *config.Config

	state atomic.Int32

	ioMu       sync.Mutex
	sendNext   Seq    // sequence number of the next new segment
	rcvNext    Seq    // next sequence number expected from the peer
	peerWindow uint32 // last window the peer advertised
	lastHeard  time.Time
	recvWindow *btree.BTreeG[*Segment] // future segments waiting for a gap to fill
	delivered  *ringbuffer.RingBuffer  // in-order bytes not yet returned by Receive
	finalAck   *Segment                // client: answer to a repeated SYN-ACK
	synAck     *Segment                // server: answer to a repeated SYN

	closeOnce sync.Once
}

func newConnection(core *Core, ep *endpoint, remote net.Addr, windowSize int) *Connection {
	if windowSize < 1 {
		windowSize = 1
	}
	cfg := core.config
	maxPayload := MaxPayload(cfg.MSS)
	c := &Connection{
		core:       core,
		ep:         ep,
		remote:     remote,
		windowSize: windowSize,
		maxPayload: maxPayload,
		cfg:        cfg,
		peerWindow: 1,
		recvWindow: btree.NewG[*Segment](btreeDegree, func(a, b *Segment) bool {
			return isLess(a.Seq(), b.Seq())
		}),
		delivered: ringbuffer.New(2 * max(windowSize, cfg.MaxSendWindow) * maxPayload),
	}
	c.setState(StateClosed)
	return c
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// IsConnected reports whether the connection is established and not closed.
func (c *Connection) IsConnected() bool {
	return c.State() == StateEstablished
}

// RemoteAddr is the peer's per-connection address learned in the handshake.
func (c *Connection) RemoteAddr() net.Addr {
	return c.remote
}

func (c *Connection) LocalAddr() net.Addr {
	return c.ep.localAddr()
}

func (c *Connection) WindowSize() int {
	return c.windowSize
}

func (c *Connection) advertisedWindow() uint32 {
	return uint32(c.windowSize)
}

// ackSegment is a pure cumulative ACK for everything delivered so far.
func (c *Connection) ackSegment() *Segment {
	return NewSegmentBuilder(c.sendNext, c.advertisedWindow()).ACK(c.rcvNext).Build()
}

func (c *Connection) sendAck() error {
	return c.ep.sendTo(c.ackSegment(), c.remote)
}

// readSegment returns the next valid segment from the peer within timeout.
// Corrupt datagrams and datagrams from other addresses are dropped without
// extending the deadline. Control segments (FIN, repeated handshake
// segments) are handled here; only ACK and data segments are returned.
func (c *Connection) readSegment(timeout time.Duration) (*Segment, error) {
	deadline := time.Now().Add(timeout)
	for {
		seg, addr, err := c.ep.receiveUntil(deadline)
		switch {
		case err == nil:
		case errors.Is(err, ErrCorruptFormat), errors.Is(err, ErrCorruptSegment):
			log.Debug().Err(err).Str("remote", c.remote.String()).Msg("discarding corrupt datagram")
			continue
		case isTimeout(err):
			if time.Since(c.lastHeard) >= c.cfg.IdleTimeout {
				return nil, c.dropIdle()
			}
			return nil, err
		default:
			c.teardown(false)
			return nil, err
		}

		if !sameAddr(addr, c.remote) {
			log.Debug().Str("from", addr.String()).Str("remote", c.remote.String()).Msg("ignoring datagram from foreign address")
			continue
		}
		c.lastHeard = time.Now()
		c.peerWindow = seg.Window()

		switch {
		case seg.IsFIN():
			log.Info().Str("remote", c.remote.String()).Msg("peer closed the connection")
			_ = c.sendAck()
			c.teardown(false)
			return nil, errors.Wrap(ErrConnectionLost, "closed by peer")
		case seg.IsSYN():
			c.handleRepeatedSYN(seg)
			continue
		}
		return seg, nil
	}
}

// handleRepeatedSYN answers a SYN-ACK retransmitted because our final ACK
// was lost. SYNs never reach an accepted connection's endpoint.
func (c *Connection) handleRepeatedSYN(seg *Segment) {
	if seg.IsACK() && c.finalAck != nil {
		log.Debug().Str("remote", c.remote.String()).Msg("repeated SYN-ACK, resending final ACK")
		if err := c.ep.sendTo(c.finalAck, c.remote); err != nil {
			log.Warn().Err(err).Msg("resending final ACK")
		}
	}
}

// resendSynAck is used by the service when the peer repeats its SYN.
func (c *Connection) resendSynAck() {
	if c.synAck == nil || !c.IsConnected() {
		return
	}
	if err := c.ep.sendTo(c.synAck, c.remote); err != nil {
		log.Warn().Err(err).Str("remote", c.remote.String()).Msg("resending SYN-ACK")
	}
}

func (c *Connection) dropIdle() error {
	log.Warn().Str("remote", c.remote.String()).Dur("idle", time.Since(c.lastHeard)).Msg("connection idle, dropping it")
	c.teardown(true)
	return errors.Wrap(ErrConnectionLost, "idle timeout")
}

// Close sends FIN best-effort and releases the socket. When Send or Receive
// is running in another goroutine the FIN is skipped and the blocked call
// returns ErrConnectionLost.
func (c *Connection) Close() error {
	if c.ioMu.TryLock() {
		defer c.ioMu.Unlock()
		c.teardown(true)
		return nil
	}
	c.teardown(false)
	return nil
}

// teardown closes the connection once. Callers holding ioMu may ask for FIN.
func (c *Connection) teardown(sendFin bool) {
	c.closeOnce.Do(func() {
		wasConnected := c.IsConnected()
		c.setState(StateClosed)
		if sendFin && wasConnected {
			fin := NewSegmentBuilder(c.sendNext, c.advertisedWindow()).FIN().Build()
			for i := 0; i < c.cfg.FinRepeat; i++ {
				if err := c.ep.sendTo(fin, c.remote); err != nil {
					log.Debug().Err(err).Msg("sending FIN")
					break
				}
			}
		}
		if err := c.ep.close(); err != nil {
			log.Debug().Err(err).Msg("closing connection endpoint")
		}
		c.core.forget(c)
		log.Info().Str("remote", c.remote.String()).Msg("connection closed")
	})
}

func (c *Connection) checkOpen() error {
	if !c.IsConnected() {
		return errors.Wrap(ErrConnectionLost, "connection is closed")
	}
	return nil
}
