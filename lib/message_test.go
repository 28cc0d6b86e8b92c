package lib

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

// memStream is a Stream over an in-memory buffer.
type memStream struct {
	buf bytes.Buffer
}

func (m *memStream) Send(data []byte) error {
	m.buf.Write(data)
	return nil
}

func (m *memStream) Receive(length int) ([]byte, error) {
	if m.buf.Len() < length {
		return nil, ErrConnectionLost
	}
	return m.buf.Next(length), nil
}

func TestMessageFraming(t *testing.T) {
	s := &memStream{}
	for _, msg := range []string{"first", "", "third message"} {
		if err := SendMessage(s, []byte(msg)); err != nil {
			t.Fatal(err)
		}
	}
	if s.buf.Bytes()[3] != 5 {
		t.Errorf("length prefix should be big-endian, got % x", s.buf.Bytes()[:4])
	}
	for _, want := range []string{"first", "", "third message"} {
		got, err := ReceiveMessage(s)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
	if _, err := ReceiveMessage(s); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("expected stream error to pass through, got %v", err)
	}
}
