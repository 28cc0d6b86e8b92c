package lib

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Wire layout, network byte order:
//
//	offset 0:  flags        (uint8)   SYN / ACK / FIN bits
//	offset 1:  payload size (uint16)
//	offset 3:  window       (uint32)  advertised receive window, in segments
//	offset 7:  seq          (uint32)  < 2^31
//	offset 11: ack          (uint32)  < 2^31, meaningful with ACK only
//	offset 15: digest       (16 bytes) md5 over bytes [0,15) and the payload
//	offset 31: payload
const (
	offFlags  = 0
	offSize   = 1
	offWindow = 3
	offSeq    = 7
	offAck    = 11
	offDigest = 15
)

var headerSize = func() int {
	b, err := NewSegmentBuilder(0, 0).Build().Marshal()
	if err != nil {
		panic(err)
	}
	return len(b)
}()

// HeaderSize is the encoded length of a segment without payload.
func HeaderSize() int {
	return headerSize
}

// MaxPayload is the largest payload that fits a datagram of mss bytes.
func MaxPayload(mss int) int {
	return mss - headerSize
}

// Segment is one RELDAT packet. It is read-only once built; use
// SegmentBuilder to make one.
type Segment struct {
	flags   uint8
	window  uint32
	seq     Seq
	ack     Seq
	digest  [digestLength]byte
	payload []byte
}

func (s *Segment) Flags() uint8      { return s.flags }
func (s *Segment) IsSYN() bool       { return s.flags&SYNFlag != 0 }
func (s *Segment) IsACK() bool       { return s.flags&ACKFlag != 0 }
func (s *Segment) IsFIN() bool       { return s.flags&FINFlag != 0 }
func (s *Segment) Window() uint32    { return s.window }
func (s *Segment) Seq() Seq          { return s.seq }
func (s *Segment) Ack() Seq          { return s.ack }
func (s *Segment) Payload() []byte   { return s.payload }
func (s *Segment) PayloadSize() int  { return len(s.payload) }
func (s *Segment) Digest() [16]byte  { return s.digest }
func (s *Segment) hasPayload() bool  { return len(s.payload) > 0 }
func (s *Segment) isPureAck() bool   { return s.flags == ACKFlag && len(s.payload) == 0 }

// NextSeq is the cumulative ack that acknowledges this segment.
func (s *Segment) NextSeq() Seq {
	return SeqIncrementBy(s.seq, uint32(len(s.payload))+1)
}

// Marshal encodes the segment. It only fails when the payload is too long
// for the size field.
func (s *Segment) Marshal() ([]byte, error) {
	if len(s.payload) > math.MaxUint16 {
		return nil, errors.Errorf("payload of %d bytes does not fit a segment", len(s.payload))
	}
	frame := make([]byte, offDigest+digestLength+len(s.payload))
	s.putHeaderFields(frame)
	copy(frame[offDigest:], s.digest[:])
	copy(frame[offDigest+digestLength:], s.payload)
	return frame, nil
}

// Unmarshal decodes a datagram into a new Segment. The payload is copied so
// data may be reused afterwards. The digest is not checked; call Verify.
func Unmarshal(data []byte) (*Segment, error) {
	if len(data) < headerSize {
		return nil, errors.Wrapf(ErrCorruptFormat, "datagram of %d bytes is shorter than the header", len(data))
	}
	size := int(binary.BigEndian.Uint16(data[offSize:]))
	if len(data)-headerSize != size {
		return nil, errors.Wrapf(ErrCorruptFormat, "declared payload %d bytes, got %d", size, len(data)-headerSize)
	}
	seq := binary.BigEndian.Uint32(data[offSeq:])
	ack := binary.BigEndian.Uint32(data[offAck:])
	if seq > seqMask || ack > seqMask {
		return nil, errors.Wrap(ErrCorruptFormat, "sequence number outside 31-bit space")
	}
	s := &Segment{
		flags:  data[offFlags],
		window: binary.BigEndian.Uint32(data[offWindow:]),
		seq:    Seq(seq),
		ack:    Seq(ack),
	}
	copy(s.digest[:], data[offDigest:offDigest+digestLength])
	if size > 0 {
		s.payload = make([]byte, size)
		copy(s.payload, data[headerSize:])
	}
	return s, nil
}

// Verify recomputes the digest from the current fields.
func (s *Segment) Verify() bool {
	return s.computeDigest() == s.digest
}

func (s *Segment) putHeaderFields(b []byte) {
	b[offFlags] = s.flags
	binary.BigEndian.PutUint16(b[offSize:], uint16(len(s.payload)))
	binary.BigEndian.PutUint32(b[offWindow:], s.window)
	binary.BigEndian.PutUint32(b[offSeq:], uint32(s.seq))
	binary.BigEndian.PutUint32(b[offAck:], uint32(s.ack))
}

// computeDigest hashes flags, payload size, window, seq, ack and payload in
// wire order.
func (s *Segment) computeDigest() [digestLength]byte {
	var hdr [offDigest]byte
	s.putHeaderFields(hdr[:])
	h := md5.New()
	h.Write(hdr[:])
	h.Write(s.payload)
	var d [digestLength]byte
	copy(d[:], h.Sum(nil))
	return d
}

// Equal compares every field, digest included. A nil and an empty payload
// are the same.
func (s *Segment) Equal(other *Segment) bool {
	return s.flags == other.flags &&
		s.window == other.window &&
		s.seq == other.seq &&
		s.ack == other.ack &&
		s.digest == other.digest &&
		bytes.Equal(s.payload, other.payload)
}

func (s *Segment) String() string {
	var names []string
	if s.IsSYN() {
		names = append(names, "SYN")
	}
	if s.IsACK() {
		names = append(names, "ACK")
	}
	if s.IsFIN() {
		names = append(names, "FIN")
	}
	if len(names) == 0 {
		names = append(names, "DATA")
	}
	return fmt.Sprintf("%s seq=%d ack=%d win=%d len=%d", strings.Join(names, "|"), s.seq, s.ack, s.window, len(s.payload))
}

// SegmentBuilder collects the fields of a segment; Build computes the digest
// once.
type SegmentBuilder struct {
	seg Segment
}

// NewSegmentBuilder starts a segment carrying the sender's sequence number
// and advertised window.
func NewSegmentBuilder(seq Seq, window uint32) *SegmentBuilder {
	return &SegmentBuilder{seg: Segment{seq: seq & seqMask, window: window}}
}

func (b *SegmentBuilder) SYN() *SegmentBuilder {
	b.seg.flags |= SYNFlag
	return b
}

func (b *SegmentBuilder) FIN() *SegmentBuilder {
	b.seg.flags |= FINFlag
	return b
}

// ACK sets the ACK flag with a cumulative acknowledgment number.
func (b *SegmentBuilder) ACK(ack Seq) *SegmentBuilder {
	b.seg.flags |= ACKFlag
	b.seg.ack = ack & seqMask
	return b
}

// Payload copies data into the segment.
func (b *SegmentBuilder) Payload(data []byte) *SegmentBuilder {
	if len(data) == 0 {
		b.seg.payload = nil
		return b
	}
	b.seg.payload = append([]byte(nil), data...)
	return b
}

func (b *SegmentBuilder) Build() *Segment {
	seg := b.seg
	seg.digest = seg.computeDigest()
	return &seg
}
