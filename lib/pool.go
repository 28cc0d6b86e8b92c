package lib

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/rs/zerolog/log"
)

// Payload is one datagram receive buffer kept in the ring pool.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool element. The only parameter is the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Error().Int("params", len(params)).Msg("NewPayload: expected a single buffer length parameter")
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok || bufferLength <= 0 {
		log.Error().Interface("param", params[0]).Msg("NewPayload: buffer length must be a positive int")
		return nil
	}
	return &Payload{payloadBytes: make([]byte, bufferLength)}
}

// SetContent sets the content of the payload
func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset only forgets the length; the bytes are overwritten by the next read.
func (p *Payload) Reset() {
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

// Buffer is the whole backing slice, for reading a datagram into.
func (p *Payload) Buffer() []byte {
	return p.payloadBytes
}

func (p *Payload) SetLength(n int) {
	p.length = n
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// payloadPool lends datagram buffers to endpoints. It falls back to a fresh
// buffer when the ring is exhausted.
type payloadPool struct {
	ring       *rp.RingPool
	bufferSize int
}

func newPayloadPool(count, bufferSize int) *payloadPool {
	return &payloadPool{
		ring:       rp.NewRingPool("RELDAT: ", count, NewPayload, bufferSize),
		bufferSize: bufferSize,
	}
}

// get returns a buffer and the function that gives it back.
func (p *payloadPool) get() (*Payload, func()) {
	if p != nil && p.ring != nil {
		if element := p.ring.GetElement(); element != nil {
			if payload, ok := element.Data.(*Payload); ok {
				return payload, func() { p.ring.ReturnElement(element) }
			}
			p.ring.ReturnElement(element)
		}
		log.Debug().Msg("payload pool exhausted, allocating a temporary buffer")
	}
	size := defaultBufferSize
	if p != nil {
		size = p.bufferSize
	}
	return &Payload{payloadBytes: make([]byte, size)}, func() {}
}

const defaultBufferSize = 1 << 16
