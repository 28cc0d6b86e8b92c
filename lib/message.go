package lib

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

const messageHeaderLen = 4

// Stream is the byte-stream half of a connection.
type Stream interface {
	Send(data []byte) error
	Receive(length int) ([]byte, error)
}

// SendMessage sends data prefixed with its length as a 4-byte big-endian
// integer, in a single Send.
func SendMessage(s Stream, data []byte) error {
	if uint64(len(data)) > math.MaxUint32 {
		return errors.Errorf("message of %d bytes is too long", len(data))
	}
	frame := make([]byte, messageHeaderLen+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[messageHeaderLen:], data)
	return s.Send(frame)
}

// ReceiveMessage reads one length-prefixed message.
func ReceiveMessage(s Stream) ([]byte, error) {
	header, err := s.Receive(messageHeaderLen)
	if err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header)
	if size == 0 {
		return []byte{}, nil
	}
	return s.Receive(int(size))
}
