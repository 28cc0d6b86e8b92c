// Command droptestgw relays RELDAT datagrams between clients and a server
// through impairment filters, logging every segment it forwards.
//
// Clients dial the gateway instead of the server. Each client gets its own
// upstream socket; the server's per-connection address is learned from the
// replies it sends.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Clouded-Sabre/reldat/filter"
	"github.com/Clouded-Sabre/reldat/lib"
)

var (
	listenAddr  string
	targetAddr  string
	dropRate    float64
	swapRate    float64
	dupRate     float64
	corruptRate float64
	dropFirst   bool
	seed        int64
	idle        time.Duration
	verbose     bool
)

func init() {
	flag.StringVar(&listenAddr, "listen", "127.0.0.1:8901", "Gateway address clients dial")
	flag.StringVar(&targetAddr, "target", "127.0.0.1:9000", "RELDAT server address")
	flag.Float64Var(&dropRate, "droprate", 0.1, "Datagram drop rate (0.0-1.0)")
	flag.Float64Var(&swapRate, "swaprate", 0, "Adjacent datagram swap rate (0.0-1.0)")
	flag.Float64Var(&dupRate, "duprate", 0, "Datagram duplication rate (0.0-1.0)")
	flag.Float64Var(&corruptRate, "corruptrate", 0, "Single bit corruption rate (0.0-1.0)")
	flag.BoolVar(&dropFirst, "dropfirst", false, "Drop the first transmission of every segment")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "Random seed")
	flag.DurationVar(&idle, "idle", time.Minute, "Forget a client after this long without traffic")
	flag.BoolVar(&verbose, "v", false, "Log every forwarded segment")
}

type session struct {
	client   net.Addr
	upstream *filter.Conn
	mu       sync.Mutex
	server   net.Addr // where client datagrams go; follows the server's replies
}

func (s *session) serverAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

func (s *session) setServerAddr(addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.server = addr
}

type gateway struct {
	downstream *filter.Conn
	target     net.Addr
	rules      filter.Rules

	mu       sync.Mutex
	sessions map[string]*session
}

func (g *gateway) rulesFor(offset int64) filter.Rules {
	r := g.rules
	r.Seed += offset
	return r
}

func (g *gateway) session(client net.Addr) (*session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[client.String()]; ok {
		return s, nil
	}
	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, errors.Wrap(err, "opening upstream socket")
	}
	s := &session{
		client:   client,
		upstream: filter.NewConn(pc, g.rulesFor(int64(len(g.sessions)+1))),
		server:   g.target,
	}
	g.sessions[client.String()] = s
	log.Info().Str("client", client.String()).Str("upstream", pc.LocalAddr().String()).Msg("new session")
	go g.relayReplies(s)
	return s, nil
}

// relayReplies forwards server datagrams back to the session's client.
func (g *gateway) relayReplies(s *session) {
	defer func() {
		g.mu.Lock()
		delete(g.sessions, s.client.String())
		g.mu.Unlock()
		s.upstream.Close()
		log.Info().Str("client", s.client.String()).Msg("session closed")
	}()

	buf := make([]byte, 1<<16)
	for {
		s.upstream.SetReadDeadline(time.Now().Add(idle))
		n, from, err := s.upstream.ReadFrom(buf)
		if err != nil {
			return
		}
		s.setServerAddr(from)
		logSegment("server->client", buf[:n])
		if _, err := g.downstream.WriteTo(buf[:n], s.client); err != nil {
			log.Warn().Err(err).Msg("forwarding to client")
		}
	}
}

func (g *gateway) serve() error {
	buf := make([]byte, 1<<16)
	for {
		n, client, err := g.downstream.ReadFrom(buf)
		if err != nil {
			return err
		}
		s, err := g.session(client)
		if err != nil {
			log.Error().Err(err).Msg("session")
			continue
		}
		logSegment("client->server", buf[:n])
		if _, err := s.upstream.WriteTo(buf[:n], s.serverAddr()); err != nil {
			log.Warn().Err(err).Msg("forwarding to server")
		}
	}
}

func logSegment(direction string, data []byte) {
	if verbose {
		log.Info().Str("dir", direction).Msg(lib.Describe(data))
	}
}

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	target, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("target address")
	}
	pc, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("listening")
	}

	rules := filter.Rules{
		DropFirst:     dropFirst,
		Key:           lib.SegmentKey,
		DropRate:      dropRate,
		SwapRate:      swapRate,
		DuplicateRate: dupRate,
		CorruptRate:   corruptRate,
		Seed:          seed,
	}
	g := &gateway{
		downstream: filter.NewConn(pc, rules),
		target:     target,
		rules:      rules,
		sessions:   make(map[string]*session),
	}
	log.Info().Str("listen", pc.LocalAddr().String()).Str("target", targetAddr).
		Float64("droprate", dropRate).Float64("swaprate", swapRate).Int64("seed", seed).Msg("drop gateway started")

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Info().Msg("shutting down")
		s := g.downstream.Stats()
		log.Info().Int("written", s.Written).Int("dropped", s.Dropped).Int("swapped", s.Swapped).Msg("server->client totals")
		g.downstream.Close()
	}()

	if err := g.serve(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Fatal().Err(err).Msg("gateway stopped")
	}
}
