package lib

// Flag constants
const (
	ACKFlag uint8 = 1 << 4
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

// Connection states
const (
	StateClosed      State = iota // never opened, or torn down
	StateListening                // service socket waiting for SYN
	StateSynSent                  // 3-way handshake client state
	StateSynReceived              // 3-way handshake server state
	StateEstablished              // data transfer allowed
)

const (
	digestLength = 16      // md5
	seqModulus   = 1 << 31 // sequence numbers wrap at 2^31
	seqMask      = seqModulus - 1
)

// State is the handshake / lifecycle state of a connection.
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListening:
		return "LISTENING"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}
