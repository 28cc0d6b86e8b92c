package lib

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

// LayerTypeReldat lets gopacket dissect RELDAT datagrams, e.g. the UDP
// payload captured by the drop gateway.
var LayerTypeReldat = gopacket.RegisterLayerType(4242, gopacket.LayerTypeMetadata{
	Name:    "RELDAT",
	Decoder: gopacket.DecodeFunc(decodeReldat),
})

// ReldatLayer is the gopacket view of one segment. Valid reports whether the
// digest matched when the layer was decoded.
type ReldatLayer struct {
	layers.BaseLayer
	Segment *Segment
	Valid   bool
}

func (r *ReldatLayer) LayerType() gopacket.LayerType { return LayerTypeReldat }

func (r *ReldatLayer) CanDecode() gopacket.LayerClass { return LayerTypeReldat }

func (r *ReldatLayer) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

func (r *ReldatLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	seg, err := Unmarshal(data)
	if err != nil {
		df.SetTruncated()
		return err
	}
	r.Segment = seg
	r.Valid = seg.Verify()
	r.BaseLayer = layers.BaseLayer{Contents: data[:headerSize], Payload: data[headerSize:]}
	return nil
}

// SerializeTo writes the whole segment, payload included.
func (r *ReldatLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if r.Segment == nil {
		return errors.New("reldat layer has no segment")
	}
	frame, err := r.Segment.Marshal()
	if err != nil {
		return err
	}
	bytes, err := b.PrependBytes(len(frame))
	if err != nil {
		return err
	}
	copy(bytes, frame)
	return nil
}

func decodeReldat(data []byte, p gopacket.PacketBuilder) error {
	r := &ReldatLayer{}
	if err := r.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(r)
	return p.NextDecoder(r.NextLayerType())
}

// DecodeLayer dissects a datagram with gopacket and returns its RELDAT layer.
func DecodeLayer(data []byte) (*ReldatLayer, error) {
	packet := gopacket.NewPacket(data, LayerTypeReldat, gopacket.NoCopy)
	if l := packet.Layer(LayerTypeReldat); l != nil {
		return l.(*ReldatLayer), nil
	}
	if el := packet.ErrorLayer(); el != nil {
		return nil, el.Error()
	}
	return nil, ErrCorruptFormat
}

// Describe renders a datagram for traffic logs.
func Describe(data []byte) string {
	r, err := DecodeLayer(data)
	if err != nil {
		return fmt.Sprintf("undecodable datagram (%d bytes): %v", len(data), err)
	}
	if !r.Valid {
		return r.Segment.String() + " BAD-DIGEST"
	}
	return r.Segment.String()
}

// SegmentKey identifies the transmission a datagram belongs to, ignoring
// fields that change on retransmission (piggybacked ack, window). Pure ACK
// and FIN segments are never retransmitted as such and get an empty key.
// Datagrams that do not decode get their raw bytes as key.
func SegmentKey(data []byte) string {
	r, err := DecodeLayer(data)
	if err != nil {
		return string(data)
	}
	if !r.Segment.IsSYN() && !r.Segment.hasPayload() {
		return ""
	}
	return fmt.Sprintf("%02x/%d/%d", r.Segment.Flags()&(SYNFlag|FINFlag), r.Segment.Seq(), r.Segment.PayloadSize())
}
