package lib

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/smallnest/ringbuffer"
)

// Receive blocks until length bytes have been delivered in order, or the
// connection is lost. Bytes that arrive beyond length are kept for the next
// call.
func (c *Connection) Receive(length int) ([]byte, error) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if length <= 0 {
		return []byte{}, nil
	}
	out := c.drainDelivered(make([]byte, 0, length), length)
	if len(out) == length {
		return out, nil
	}
	if err := c.checkOpen(); err != nil {
		c.unread(out)
		return nil, err
	}

	for len(out) < length {
		perAttempt := splitTimeout(c.cfg.Timeout, c.windowSize)
		for attempt := 0; attempt < c.windowSize && len(out) < length; attempt++ {
			seg, err := c.readSegment(perAttempt)
			if err != nil {
				if isTimeout(err) {
					continue
				}
				log.Debug().Err(err).Int("received", len(out)).Int("wanted", length).Msg("receive aborted")
				return nil, err
			}
			if seg.hasPayload() {
				out = c.accept(seg, out, length)
			}
		}
	}
	return out, nil
}

// accept places one data segment relative to rcvNext. The next expected
// segment is always taken, even with a full window; old ones are
// re-acknowledged and dropped; future ones wait in the window while there
// is room. It then delivers every contiguous segment, appending to out up to
// length and keeping the rest in the delivered buffer.
func (c *Connection) accept(seg *Segment, out []byte, length int) []byte {
	switch {
	case seg.Seq() == c.rcvNext:
		c.recvWindow.ReplaceOrInsert(seg)
	case isLess(seg.Seq(), c.rcvNext):
		log.Debug().Uint32("seq", uint32(seg.Seq())).Uint32("ack", uint32(c.rcvNext)).Msg("duplicate segment, re-acknowledging")
		if err := c.sendAck(); err != nil {
			log.Debug().Err(err).Msg("re-acknowledging")
		}
		return out
	case seqDistance(c.rcvNext, seg.Seq()) >= futureHorizon:
		return out
	case c.recvWindow.Has(seg):
		return out
	case c.recvWindow.Len() < c.windowSize:
		c.recvWindow.ReplaceOrInsert(seg)
		return out
	default:
		log.Debug().Uint32("seq", uint32(seg.Seq())).Int("window", c.windowSize).Msg("receive window full, dropping future segment")
		return out
	}
	return c.deliverInOrder(out, length)
}

// absorb takes data that arrives while this side is sending.
func (c *Connection) absorb(seg *Segment) {
	c.accept(seg, nil, 0)
}

func (c *Connection) deliverInOrder(out []byte, length int) []byte {
	for {
		next, ok := c.recvWindow.Min()
		if !ok {
			return out
		}
		if isLess(next.Seq(), c.rcvNext) {
			c.recvWindow.DeleteMin()
			continue
		}
		if next.Seq() != c.rcvNext {
			return out
		}

		payload := next.Payload()
		room := length - len(out)
		if room < 0 {
			room = 0
		}
		if len(payload) > room+c.delivered.Free() {
			log.Debug().Int("pending", c.delivered.Length()).Msg("delivered buffer full, holding segment")
			return out
		}
		c.recvWindow.DeleteMin()

		n := min(room, len(payload))
		out = append(out, payload[:n]...)
		if n < len(payload) {
			if _, err := c.delivered.Write(payload[n:]); err != nil {
				log.Error().Err(err).Msg("buffering delivered bytes")
			}
		}
		c.rcvNext = next.NextSeq()
		if err := c.sendAck(); err != nil {
			log.Debug().Err(err).Msg("acknowledging segment")
		}
	}
}

// drainDelivered moves buffered bytes into out, up to length.
func (c *Connection) drainDelivered(out []byte, length int) []byte {
	if c.delivered.IsEmpty() {
		return out
	}
	buf := make([]byte, min(length-len(out), c.delivered.Length()))
	n, err := c.delivered.Read(buf)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		log.Error().Err(err).Msg("reading delivered bytes")
	}
	return append(out, buf[:n]...)
}

// unread puts drained bytes back when Receive fails on a closed
// connection. drainDelivered emptied the buffer, so order is kept.
func (c *Connection) unread(out []byte) {
	if len(out) == 0 {
		return
	}
	if _, err := c.delivered.Write(out); err != nil {
		log.Error().Err(err).Msg("restoring delivered bytes")
	}
}
