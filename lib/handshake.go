package lib

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// dialHandshake runs SYN_SENT until a SYN-ACK acknowledging our SYN arrives,
// resending the SYN on each handshake timeout. The peer's per-connection
// address is taken from the SYN-ACK.
func (c *Connection) dialHandshake() error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	isn, err := GenerateISN()
	if err != nil {
		return errors.Wrap(err, "generating initial sequence number")
	}
	c.setState(StateSynSent)
	syn := NewSegmentBuilder(isn, c.advertisedWindow()).SYN().Build()
	expected := syn.NextSeq()
	target := c.remote

	for attempt := 0; attempt <= c.cfg.HandshakeRetries; attempt++ {
		log.Debug().Str("remote", target.String()).Int("attempt", attempt).Uint32("seq", uint32(isn)).Msg("sending SYN")
		if err := c.ep.sendTo(syn, target); err != nil {
			return err
		}

		deadline := time.Now().Add(c.cfg.HandshakeTimeout)
		for {
			seg, addr, err := c.ep.receiveUntil(deadline)
			if err != nil {
				if isTimeout(err) {
					break
				}
				if errors.Is(err, ErrCorruptFormat) || errors.Is(err, ErrCorruptSegment) {
					continue
				}
				return err
			}
			if !seg.IsSYN() || !seg.IsACK() || seg.Ack() != expected {
				log.Debug().Str("from", addr.String()).Stringer("segment", seg).Msg("unexpected segment while connecting")
				continue
			}

			c.remote = addr
			c.sendNext = expected
			c.rcvNext = seg.NextSeq()
			c.peerWindow = seg.Window()
			c.finalAck = c.ackSegment()
			if err := c.ep.sendTo(c.finalAck, c.remote); err != nil {
				return err
			}
			c.lastHeard = time.Now()
			c.setState(StateEstablished)
			log.Info().Str("remote", c.remote.String()).Uint32("window", c.peerWindow).Msg("connection established")
			return nil
		}
	}
	c.setState(StateClosed)
	return errors.Wrapf(ErrConnectFailed, "no SYN-ACK from %s after %d attempts", target, c.cfg.HandshakeRetries+1)
}

// acceptHandshake answers syn from peer on the connection's own endpoint
// and waits for the final ACK. A data segment carrying the same ack also
// completes the handshake, since the final ACK may have been lost.
func (c *Connection) acceptHandshake(syn *Segment, peer net.Addr) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	isn, err := GenerateISN()
	if err != nil {
		return errors.Wrap(err, "generating initial sequence number")
	}
	c.setState(StateSynReceived)
	c.rcvNext = syn.NextSeq()
	c.peerWindow = syn.Window()
	c.synAck = NewSegmentBuilder(isn, c.advertisedWindow()).SYN().ACK(c.rcvNext).Build()
	c.sendNext = c.synAck.NextSeq()

	for attempt := 0; attempt <= c.cfg.HandshakeRetries; attempt++ {
		log.Debug().Str("remote", peer.String()).Int("attempt", attempt).Uint32("seq", uint32(isn)).Msg("sending SYN-ACK")
		if err := c.ep.sendTo(c.synAck, peer); err != nil {
			return err
		}

		deadline := time.Now().Add(c.cfg.HandshakeTimeout)
		for {
			seg, addr, err := c.ep.receiveUntil(deadline)
			if err != nil {
				if isTimeout(err) {
					break
				}
				if errors.Is(err, ErrCorruptFormat) || errors.Is(err, ErrCorruptSegment) {
					continue
				}
				return err
			}
			if !sameAddr(addr, peer) || seg.IsSYN() || !seg.IsACK() || seg.Ack() != c.sendNext {
				continue
			}

			c.peerWindow = seg.Window()
			c.lastHeard = time.Now()
			c.setState(StateEstablished)
			if seg.hasPayload() {
				c.absorb(seg)
			}
			log.Info().Str("remote", peer.String()).Uint32("window", c.peerWindow).Msg("connection accepted")
			return nil
		}
	}
	c.setState(StateClosed)
	return errors.Wrapf(ErrConnectFailed, "no final ACK from %s after %d attempts", peer, c.cfg.HandshakeRetries+1)
}
