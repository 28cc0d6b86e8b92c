package lib

import (
	"github.com/pkg/errors"
)

var (
	// ErrCorruptFormat is returned by Decode when the datagram length does not
	// match the declared payload size.
	ErrCorruptFormat = errors.New("reldat: corrupt segment format")
	// ErrCorruptSegment marks a segment whose digest does not verify. It is
	// never returned from Send or Receive.
	ErrCorruptSegment = errors.New("reldat: segment failed integrity check")
	// ErrConnectFailed is returned by DialReldat once every SYN retry timed out.
	ErrConnectFailed = errors.New("reldat: connect failed")
	// ErrConnectionLost is returned when the connection was closed locally,
	// closed by the peer, or dropped after being idle.
	ErrConnectionLost = errors.New("reldat: connection lost")
	// ErrServiceClosed is returned by Accept after the service is closed.
	ErrServiceClosed = errors.New("reldat: service is closed")
	// ErrTimeout is returned by the datagram endpoint when nothing arrived in time.
	ErrTimeout error = &TimeoutError{msg: "reldat: receive timed out"}
)

// TimeoutError satisfies net.Error so callers using the usual
// `if ne, ok := err.(net.Error); ok && ne.Timeout()` check keep working.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return true
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
