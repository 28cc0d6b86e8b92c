package lib

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
	"time"
)

// Seq is a RELDAT sequence number. Values live in [0, 2^31) and all
// arithmetic on them wraps at 2^31.
type Seq uint32

// SeqIncrement returns seq+1 modulo 2^31.
func SeqIncrement(seq Seq) Seq {
	return SeqIncrementBy(seq, 1)
}

// SeqIncrementBy returns seq+inc modulo 2^31.
func SeqIncrementBy(seq Seq, inc uint32) Seq {
	return Seq((uint64(seq) + uint64(inc)) & seqMask) // implicit modulo operation included
}

// seqDistance is the forward distance from a to b in the sequence space.
func seqDistance(a, b Seq) uint32 {
	return uint32(b-a) & seqMask
}

// isLess reports whether seq1 comes before seq2, taking the shorter way
// around the sequence circle.
func isLess(seq1, seq2 Seq) bool {
	d := seqDistance(seq1, seq2)
	return d != 0 && d < seqModulus/2
}

func isLessOrEqual(seq1, seq2 Seq) bool {
	return seq1 == seq2 || isLess(seq1, seq2)
}

func isGreater(seq1, seq2 Seq) bool {
	return isLess(seq2, seq1)
}

func isGreaterOrEqual(seq1, seq2 Seq) bool {
	return seq1 == seq2 || isGreater(seq1, seq2)
}

// GenerateISN draws a random initial sequence number from the OS source.
func GenerateISN() (Seq, error) {
	var isn uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &isn); err != nil {
		return 0, err
	}
	return Seq(isn & seqMask), nil
}

// slice of a timeout budget spread over n receive attempts, never below 1ms
func splitTimeout(budget time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	per := budget / time.Duration(n)
	if per < time.Millisecond {
		per = time.Millisecond
	}
	return per
}

func (s Seq) String() string {
	return strconv.FormatUint(uint64(s), 10)
}
