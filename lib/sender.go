package lib

import (
	"github.com/rs/zerolog/log"
)

// Send blocks until every byte of data is acknowledged by the peer.
//
// Go-back-N: each round tops the in-flight window up to the peer's
// advertised window, transmits the whole window, then makes one receive
// attempt per in-flight segment within the base timeout. Cumulative ACKs
// retire segments from the front; whatever is left goes out again next
// round.
func (c *Connection) Send(data []byte) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}

	var window []*Segment
	offset := 0
	for offset < len(data) || len(window) > 0 {
		limit := min(c.cfg.MaxSendWindow, max(1, int(c.peerWindow)))
		for len(window) < limit && offset < len(data) {
			end := min(offset+c.maxPayload, len(data))
			seg := NewSegmentBuilder(c.sendNext, c.advertisedWindow()).ACK(c.rcvNext).Payload(data[offset:end]).Build()
			c.sendNext = seg.NextSeq()
			window = append(window, seg)
			offset = end
		}

		for i, seg := range window {
			if seg.Ack() != c.rcvNext {
				seg = c.refreshAck(seg)
				window[i] = seg
			}
			if err := c.ep.sendTo(seg, c.remote); err != nil {
				c.teardown(false)
				return err
			}
		}

		perAttempt := splitTimeout(c.cfg.Timeout, len(window))
		for attempts := len(window); attempts > 0 && len(window) > 0; attempts-- {
			seg, err := c.readSegment(perAttempt)
			if err != nil {
				if isTimeout(err) {
					continue
				}
				log.Debug().Err(err).Int("unsent", len(data)-offset).Int("inflight", len(window)).Msg("send aborted")
				return err
			}
			if seg.hasPayload() {
				c.absorb(seg)
			}
			if seg.IsACK() {
				window = retire(window, seg.Ack())
			}
		}
		if len(window) > 0 {
			log.Debug().Uint32("seq", uint32(window[0].Seq())).Int("inflight", len(window)).Msg("retransmitting window")
		}
	}
	return nil
}

// refreshAck rebuilds an unacknowledged segment with the current cumulative
// ack for the reverse stream.
func (c *Connection) refreshAck(seg *Segment) *Segment {
	return NewSegmentBuilder(seg.Seq(), c.advertisedWindow()).ACK(c.rcvNext).Payload(seg.Payload()).Build()
}

// retire drops every segment from the front of window whose next sequence
// number is covered by ack.
func retire(window []*Segment, ack Seq) []*Segment {
	n := 0
	for n < len(window) && isLessOrEqual(window[n].NextSeq(), ack) {
		n++
	}
	return window[n:]
}
