package lib

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Service listens on a well-known port. Each accepted connection gets its
// own endpoint, so the listening socket only ever sees SYNs.
type Service struct {
	core       *Core
	ep         *endpoint
	host       string // per-connection endpoints bind here
	windowSize int

	mu       sync.Mutex
	accepted map[string]acceptedConn // "addr/isn" of SYNs already answered
	closed   bool
}

type acceptedConn struct {
	conn *Connection
	at   time.Time
}

func newService(core *Core, ep *endpoint, host string, windowSize int) *Service {
	if windowSize < 1 {
		windowSize = 1
	}
	return &Service{
		core:       core,
		ep:         ep,
		host:       host,
		windowSize: windowSize,
		accepted:   make(map[string]acceptedConn),
	}
}

func (s *Service) Addr() net.Addr {
	return s.ep.localAddr()
}

// Accept blocks until a peer completes the handshake. A half-open peer that
// never sends the final ACK is dropped and Accept keeps waiting.
func (s *Service) Accept() (*Connection, error) {
	for {
		seg, addr, err := s.ep.receive(0)
		if err != nil {
			if errors.Is(err, ErrCorruptFormat) || errors.Is(err, ErrCorruptSegment) {
				log.Debug().Err(err).Msg("service: discarding corrupt datagram")
				continue
			}
			if s.isClosed() || errors.Is(err, ErrConnectionLost) {
				return nil, ErrServiceClosed
			}
			return nil, err
		}
		if !seg.IsSYN() || seg.IsACK() {
			log.Debug().Str("from", addr.String()).Stringer("segment", seg).Msg("service: ignoring non-SYN segment")
			continue
		}

		key := addr.String() + "/" + seg.Seq().String()
		if prev, ok := s.lookup(key); ok {
			log.Debug().Str("remote", addr.String()).Msg("service: repeated SYN for accepted connection")
			prev.resendSynAck()
			continue
		}

		conn, err := s.handshake(seg, addr)
		if err != nil {
			if errors.Is(err, ErrConnectFailed) {
				log.Warn().Err(err).Msg("service: dropping half-open connection")
				continue
			}
			if s.isClosed() {
				return nil, ErrServiceClosed
			}
			return nil, err
		}
		s.remember(key, conn)
		return conn, nil
	}
}

func (s *Service) handshake(syn *Segment, peer net.Addr) (*Connection, error) {
	ep, err := s.core.bindEndpoint(s.host)
	if err != nil {
		return nil, err
	}
	conn := newConnection(s.core, ep, peer, s.windowSize)
	if err := conn.acceptHandshake(syn, peer); err != nil {
		_ = ep.close()
		return nil, err
	}
	s.core.track(conn)
	return conn, nil
}

func (s *Service) lookup(key string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.accepted[key]
	if !ok {
		return nil, false
	}
	return entry.conn, entry.conn.IsConnected()
}

// remember records an accepted SYN and forgets entries that are closed or
// older than the idle timeout.
func (s *Service) remember(key string, conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, entry := range s.accepted {
		if !entry.conn.IsConnected() || now.Sub(entry.at) > s.core.config.IdleTimeout {
			delete(s.accepted, k)
		}
	}
	s.accepted[key] = acceptedConn{conn: conn, at: now}
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops Accept. Accepted connections stay open.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.core.forgetService(s)
	log.Info().Str("addr", s.Addr().String()).Msg("service closed")
	return s.ep.close()
}
