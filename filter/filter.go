// Package filter impairs a datagram socket on the way out: it can drop,
// reorder, duplicate and corrupt datagrams. Tests and the drop gateway put
// it between RELDAT and the network.
package filter

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultHoldTimeout = 20 * time.Millisecond

// Rules configures a Conn. Rates are probabilities in [0, 1].
type Rules struct {
	DropFirst     bool                // drop the first transmission of every datagram Key identifies
	Key           func([]byte) string // retransmission identity for DropFirst; "" exempts a datagram, nil uses the raw bytes
	DropRate      float64
	SwapRate      float64       // hold a datagram back and send it right after the next one
	DuplicateRate float64
	CorruptRate   float64       // flip one random bit
	HoldTimeout   time.Duration // a held datagram goes out alone after this
	Seed          int64
}

// Stats counts what a Conn did to outgoing datagrams.
type Stats struct {
	Written    int
	Dropped    int
	Swapped    int
	Duplicated int
	Corrupted  int
}

type heldDatagram struct {
	data  []byte
	addr  net.Addr
	timer *time.Timer
}

// Conn is a net.PacketConn whose WriteTo applies Rules. Reads pass through.
type Conn struct {
	net.PacketConn
	rules Rules

	mu    sync.Mutex
	rng   *rand.Rand
	seen  map[string]struct{}
	held  *heldDatagram
	stats Stats
}

func NewConn(pc net.PacketConn, rules Rules) *Conn {
	if rules.HoldTimeout <= 0 {
		rules.HoldTimeout = defaultHoldTimeout
	}
	return &Conn{
		PacketConn: pc,
		rules:      rules,
		rng:        rand.New(rand.NewSource(rules.Seed)),
		seen:       make(map[string]struct{}),
	}
}

// WriteTo reports len(p) even when the datagram is dropped or held, as a
// lossy network would.
func (c *Conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rules.DropFirst {
		key := string(p)
		if c.rules.Key != nil {
			key = c.rules.Key(p)
		}
		if key != "" {
			if _, ok := c.seen[key]; !ok {
				c.seen[key] = struct{}{}
				c.stats.Dropped++
				return len(p), nil
			}
		}
	}
	if c.chance(c.rules.DropRate) {
		c.stats.Dropped++
		return len(p), nil
	}

	data := append([]byte(nil), p...)
	if len(data) > 0 && c.chance(c.rules.CorruptRate) {
		bit := c.rng.Intn(len(data) * 8)
		data[bit/8] ^= 1 << (bit % 8)
		c.stats.Corrupted++
	}

	if c.held != nil {
		held := c.held
		c.held = nil
		held.timer.Stop()
		if err := c.write(data, addr); err != nil {
			return 0, err
		}
		c.stats.Swapped++
		return len(p), c.write(held.data, held.addr)
	}
	if c.chance(c.rules.SwapRate) {
		h := &heldDatagram{data: data, addr: addr}
		h.timer = time.AfterFunc(c.rules.HoldTimeout, func() { c.flush(h) })
		c.held = h
		return len(p), nil
	}

	if err := c.write(data, addr); err != nil {
		return 0, err
	}
	if c.chance(c.rules.DuplicateRate) {
		c.stats.Duplicated++
		if err := c.write(data, addr); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (c *Conn) chance(rate float64) bool {
	return rate > 0 && c.rng.Float64() < rate
}

func (c *Conn) write(data []byte, addr net.Addr) error {
	if _, err := c.PacketConn.WriteTo(data, addr); err != nil {
		return err
	}
	c.stats.Written++
	return nil
}

// flush sends a held datagram nothing came after.
func (c *Conn) flush(h *heldDatagram) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held != h {
		return
	}
	c.held = nil
	if err := c.write(h.data, h.addr); err != nil {
		log.Debug().Err(err).Msg("filter: flushing held datagram")
	}
}

func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close drops a held datagram and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.held != nil {
		c.held.timer.Stop()
		c.held = nil
	}
	c.mu.Unlock()
	return c.PacketConn.Close()
}

// Wrap returns a ListenPacket-style function that puts every socket it opens
// behind a Conn. Each socket gets its own seed derived from rules.Seed.
func Wrap(listen func(network, address string) (net.PacketConn, error), rules Rules) func(network, address string) (net.PacketConn, error) {
	var mu sync.Mutex
	next := rules.Seed
	return func(network, address string) (net.PacketConn, error) {
		pc, err := listen(network, address)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		r := rules
		r.Seed = next
		next++
		mu.Unlock()
		return NewConn(pc, r), nil
	}
}
