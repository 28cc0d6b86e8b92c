package lib

import (
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Clouded-Sabre/reldat/config"
)

// Core owns what connections share: configuration, the receive buffer
// pool and the optional port pool.
type Core struct {
	config *config.Config
	pool   *payloadPool
	ports  *PortPool

	// ListenPacket opens every datagram socket the core uses. Replace it
	// before listening or dialing to wrap sockets, e.g. with an
	// impairment filter.
	ListenPacket func(network, address string) (net.PacketConn, error)

	mu       sync.Mutex
	services map[*Service]struct{}
	conns    map[*Connection]struct{}
}

func NewCore(cfg *config.Config) (*Core, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if MaxPayload(cfg.MSS) < 1 {
		return nil, errors.Errorf("mss %d leaves no room for payload after the %d-byte header", cfg.MSS, HeaderSize())
	}

	c := &Core{
		config:       cfg,
		pool:         newPayloadPool(cfg.PayloadPoolSize, cfg.MSS),
		ListenPacket: net.ListenPacket,
		services:     make(map[*Service]struct{}),
		conns:        make(map[*Connection]struct{}),
	}
	if cfg.UsesPortRange() {
		c.ports = newPortPool(cfg.PortLower, cfg.PortUpper)
	}
	log.Debug().Int("mss", cfg.MSS).Int("header", HeaderSize()).Dur("timeout", cfg.Timeout).Msg("reldat core started")
	return c, nil
}

func (c *Core) Config() *config.Config {
	return c.config
}

// ListenReldat binds address ("host:port", host may be empty) and returns
// the service accepting connections on it.
func (c *Core) ListenReldat(address string, windowSize int) (*Service, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen address %q", address)
	}
	pc, err := c.ListenPacket("udp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", address)
	}
	srv := newService(c, newEndpoint(pc, c.pool, nil), host, windowSize)

	c.mu.Lock()
	c.services[srv] = struct{}{}
	c.mu.Unlock()
	log.Info().Str("addr", srv.Addr().String()).Int("window", windowSize).Msg("service listening")
	return srv, nil
}

// DialReldat connects to a listening service. It fails with
// ErrConnectFailed once every SYN retry has timed out.
func (c *Core) DialReldat(address string, windowSize int) (*Connection, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", address)
	}
	ep, err := c.bindEndpoint("")
	if err != nil {
		return nil, err
	}
	conn := newConnection(c, ep, raddr, windowSize)
	if err := conn.dialHandshake(); err != nil {
		_ = ep.close()
		return nil, err
	}
	c.track(conn)
	return conn, nil
}

// bindEndpoint opens a per-connection socket on host, from the port pool
// when one is configured. Ports already taken by other processes are
// skipped.
func (c *Core) bindEndpoint(host string) (*endpoint, error) {
	if c.ports == nil {
		pc, err := c.ListenPacket("udp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, errors.Wrap(err, "binding connection endpoint")
		}
		return newEndpoint(pc, c.pool, nil), nil
	}

	for tries := c.ports.available(); tries > 0; tries-- {
		port, err := c.ports.allocatePort()
		if err != nil {
			break
		}
		pc, err := c.ListenPacket("udp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			log.Debug().Err(err).Int("port", port).Msg("port busy, trying next")
			_ = c.ports.returnPort(port)
			continue
		}
		return newEndpoint(pc, c.pool, func() {
			if err := c.ports.returnPort(port); err != nil {
				log.Warn().Err(err).Msg("returning port")
			}
		}), nil
	}
	return nil, errors.Wrap(errPortPoolEmpty, "binding connection endpoint")
}

func (c *Core) track(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[conn] = struct{}{}
}

func (c *Core) forget(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, conn)
}

func (c *Core) forgetService(s *Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.services, s)
}

// Close shuts every service and connection created by the core.
func (c *Core) Close() error {
	c.mu.Lock()
	services := make([]*Service, 0, len(c.services))
	for s := range c.services {
		services = append(services, s)
	}
	conns := make([]*Connection, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, s := range services {
		if err := s.Close(); err != nil {
			log.Debug().Err(err).Msg("closing service")
		}
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	log.Info().Int("services", len(services)).Int("connections", len(conns)).Msg("reldat core closed")
	return nil
}
