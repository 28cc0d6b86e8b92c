package lib

import (
	"bytes"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Clouded-Sabre/reldat/config"
	"github.com/Clouded-Sabre/reldat/filter"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MSS = HeaderSize() + 960
	cfg.Timeout = 60 * time.Millisecond
	cfg.HandshakeTimeout = 80 * time.Millisecond
	cfg.HandshakeRetries = 25
	cfg.IdleTimeout = 5 * time.Second
	return cfg
}

func newTestCore(t *testing.T, cfg *config.Config, rules *filter.Rules) *Core {
	t.Helper()
	core, err := NewCore(cfg)
	if err != nil {
		t.Fatalf("NewCore failed: %v", err)
	}
	if rules != nil {
		core.ListenPacket = filter.Wrap(net.ListenPacket, *rules)
	}
	t.Cleanup(func() { core.Close() })
	return core
}

type acceptResult struct {
	conn *Connection
	err  error
}

// connectPair dials srvCore from cliCore over loopback. Only safe on
// channels that cannot lose the final ACK.
func connectPair(t *testing.T, srvCore, cliCore *Core, window int) (server, client *Connection) {
	t.Helper()
	srv, err := srvCore.ListenReldat("127.0.0.1:0", window)
	if err != nil {
		t.Fatal(err)
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := srv.Accept()
		accepted <- acceptResult{conn, err}
	}()

	client, err = cliCore.DialReldat(srv.Addr().String(), window)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	select {
	case res := <-accepted:
		if res.err != nil {
			t.Fatalf("accept failed: %v", res.err)
		}
		return res.conn, client
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not return")
	}
	return nil, nil
}

func randomBytes(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func udpPort(addr net.Addr) int {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.Port
	}
	return -1
}

func TestHandshake(t *testing.T) {
	cfg := testConfig()
	server, client := connectPair(t, newTestCore(t, cfg, nil), newTestCore(t, cfg, nil), 4)

	if !server.IsConnected() || !client.IsConnected() {
		t.Fatalf("expected both ends connected: server=%v client=%v", server.State(), client.State())
	}
	if udpPort(client.RemoteAddr()) != udpPort(server.LocalAddr()) {
		t.Errorf("client should talk to the per-connection endpoint %s, talks to %s", server.LocalAddr(), client.RemoteAddr())
	}
	if udpPort(server.RemoteAddr()) != udpPort(client.LocalAddr()) {
		t.Errorf("server remote %s does not match client local %s", server.RemoteAddr(), client.LocalAddr())
	}
	if client.peerWindow != 4 || server.peerWindow != 4 {
		t.Errorf("window discovery failed: client sees %d, server sees %d", client.peerWindow, server.peerWindow)
	}
}

func transfer(t *testing.T, sender, receiver *Connection, data []byte) {
	t.Helper()
	sent := make(chan error, 1)
	go func() { sent <- sender.Send(data) }()

	got, err := receiver.Receive(len(data))
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("received bytes differ from sent bytes (%d vs %d)", len(got), len(data))
	}
	if err := <-sent; err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

func TestTransferReliable(t *testing.T) {
	cfg := testConfig()
	server, client := connectPair(t, newTestCore(t, cfg, nil), newTestCore(t, cfg, nil), 4)
	transfer(t, client, server, randomBytes(20000, 1))
	transfer(t, server, client, randomBytes(3000, 2))
}

func TestLossRecoveryDropFirst(t *testing.T) {
	cfg := testConfig()
	rules := &filter.Rules{DropFirst: true, Key: SegmentKey}
	server, client := connectPair(t, newTestCore(t, cfg, rules), newTestCore(t, cfg, rules), 3)
	transfer(t, client, server, randomBytes(5000, 3))
}

func TestReorderingAndDuplicates(t *testing.T) {
	cfg := testConfig()
	rules := &filter.Rules{SwapRate: 0.5, DuplicateRate: 0.3, Seed: 11}
	server, client := connectPair(t, newTestCore(t, cfg, nil), newTestCore(t, cfg, rules), 4)
	transfer(t, client, server, randomBytes(8000, 4))
}

func TestCorruptionIsInvisible(t *testing.T) {
	cfg := testConfig()
	rules := &filter.Rules{CorruptRate: 0.2, Seed: 5}
	srv, err := newTestCore(t, cfg, nil).ListenReldat("127.0.0.1:0", 3)
	if err != nil {
		t.Fatal(err)
	}
	data := randomBytes(6000, 5)
	done := serve(t, srv, func(conn *Connection) error {
		got, err := conn.Receive(len(data))
		if err != nil {
			return err
		}
		if !bytes.Equal(got, data) {
			return errors.New("received bytes differ from sent bytes")
		}
		return nil
	})

	client, err := newTestCore(t, cfg, rules).DialReldat(srv.Addr().String(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Send(data); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

// 2500 bytes, 960-byte payloads, window of 3 segments, 10% loss and
// adjacent swaps in both directions.
func TestEndToEndLossyChannel(t *testing.T) {
	cfg := testConfig()
	rules := &filter.Rules{DropRate: 0.1, SwapRate: 0.3, Seed: 2500}
	srvCore := newTestCore(t, cfg, rules)
	cliCore := newTestCore(t, cfg, rules)
	data := randomBytes(2500, 6)

	srv, err := srvCore.ListenReldat("127.0.0.1:0", 3)
	if err != nil {
		t.Fatal(err)
	}
	sent := make(chan error, 1)
	go func() {
		client, err := cliCore.DialReldat(srv.Addr().String(), 3)
		if err != nil {
			sent <- err
			return
		}
		sent <- client.Send(data)
	}()

	server, err := srv.Accept()
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	got, err := server.Receive(2500)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("received bytes differ from sent bytes")
	}

	// a lost final ACK leaves the sender retransmitting; FIN releases it
	server.Close()
	select {
	case err := <-sent:
		if err != nil && !errors.Is(err, ErrConnectionLost) {
			t.Errorf("unexpected send error: %v", err)
		}
	case <-time.After(cfg.IdleTimeout + 2*time.Second):
		t.Error("sender never finished")
	}
}

// serve accepts one connection in the background and runs handle on it.
// Unlike connectPair it tolerates a lost final ACK, since the client's
// first data segment completes the handshake.
func serve(t *testing.T, srv *Service, handle func(conn *Connection) error) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		conn, err := srv.Accept()
		if err != nil {
			done <- err
			return
		}
		done <- handle(conn)
	}()
	return done
}

func TestMessagesBothWays(t *testing.T) {
	cfg := testConfig()
	rules := &filter.Rules{DropRate: 0.05, SwapRate: 0.2, Seed: 99}
	srvCore := newTestCore(t, cfg, nil)
	srv, err := srvCore.ListenReldat("127.0.0.1:0", 3)
	if err != nil {
		t.Fatal(err)
	}
	requests := []string{"hello", "a somewhat longer message " + string(randomBytes(1500, 7)), ""}

	done := serve(t, srv, func(conn *Connection) error {
		for range requests {
			msg, err := ReceiveMessage(conn)
			if err != nil {
				return err
			}
			if err := SendMessage(conn, bytes.ToUpper(msg)); err != nil {
				return err
			}
		}
		return nil
	})

	client, err := newTestCore(t, cfg, rules).DialReldat(srv.Addr().String(), 3)
	if err != nil {
		t.Fatal(err)
	}
	for i, req := range requests {
		if err := SendMessage(client, []byte(req)); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp, err := ReceiveMessage(client)
		if err != nil {
			t.Fatalf("response %d: %v", i, err)
		}
		if !bytes.Equal(resp, bytes.ToUpper([]byte(req))) {
			t.Errorf("response %d mismatch", i)
		}
	}
	client.Close()
	if err := <-done; err != nil && !errors.Is(err, ErrConnectionLost) {
		t.Errorf("server side failed: %v", err)
	}
}

func TestReceiveKeepsExtraBytes(t *testing.T) {
	cfg := testConfig()
	server, client := connectPair(t, newTestCore(t, cfg, nil), newTestCore(t, cfg, nil), 2)
	data := randomBytes(2000, 8)
	sent := make(chan error, 1)
	go func() { sent <- client.Send(data) }()

	var got []byte
	for _, n := range []int{10, 990, 1000} {
		part, err := server.Receive(n)
		if err != nil {
			t.Fatalf("receive %d: %v", n, err)
		}
		if len(part) != n {
			t.Fatalf("expected %d bytes, got %d", n, len(part))
		}
		got = append(got, part...)
	}
	if !bytes.Equal(got, data) {
		t.Error("split receives lost or reordered bytes")
	}
	if err := <-sent; err != nil {
		t.Fatal(err)
	}
}

func TestPeerClose(t *testing.T) {
	cfg := testConfig()
	server, client := connectPair(t, newTestCore(t, cfg, nil), newTestCore(t, cfg, nil), 2)
	client.Close()
	if client.IsConnected() {
		t.Error("closed client still reports connected")
	}

	if _, err := server.Receive(1); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("expected ErrConnectionLost, got %v", err)
	}
	if server.IsConnected() {
		t.Error("server still connected after FIN")
	}
	if err := server.Send([]byte("late")); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("send on closed connection: expected ErrConnectionLost, got %v", err)
	}
}

func TestIdleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 300 * time.Millisecond
	server, client := connectPair(t, newTestCore(t, cfg, nil), newTestCore(t, cfg, nil), 2)

	start := time.Now()
	if _, err := server.Receive(10); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected idle drop, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < cfg.IdleTimeout || elapsed > cfg.IdleTimeout+2*time.Second {
		t.Errorf("idle drop after %v, configured %v", elapsed, cfg.IdleTimeout)
	}
	// the FIN from the idle drop is waiting for the client
	if err := client.Send([]byte("anyone there?")); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("expected ErrConnectionLost on the client, got %v", err)
	}
}

func TestCloseUnblocksReceive(t *testing.T) {
	cfg := testConfig()
	server, _ := connectPair(t, newTestCore(t, cfg, nil), newTestCore(t, cfg, nil), 2)
	result := make(chan error, 1)
	go func() {
		_, err := server.Receive(100)
		result <- err
	}()
	time.Sleep(100 * time.Millisecond)
	server.Close()
	select {
	case err := <-result:
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Receive still blocked after Close")
	}
}

func TestConnectFailed(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 30 * time.Millisecond
	cfg.HandshakeRetries = 2
	core := newTestCore(t, cfg, nil)

	silent := newTestEndpoint(t)
	start := time.Now()
	_, err := core.DialReldat(silent.localAddr().String(), 2)
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if time.Since(start) < 3*cfg.HandshakeTimeout {
		t.Errorf("gave up before all retries")
	}

	var syns int
	for {
		seg, _, err := silent.receive(50 * time.Millisecond)
		if err != nil {
			break
		}
		if seg.IsSYN() {
			syns++
		}
	}
	if syns != cfg.HandshakeRetries+1 {
		t.Errorf("expected %d SYNs, got %d", cfg.HandshakeRetries+1, syns)
	}
}

func TestServiceClose(t *testing.T) {
	core := newTestCore(t, testConfig(), nil)
	srv, err := core.ListenReldat("127.0.0.1:0", 1)
	if err != nil {
		t.Fatal(err)
	}
	result := make(chan error, 1)
	go func() {
		_, err := srv.Accept()
		result <- err
	}()
	time.Sleep(50 * time.Millisecond)
	srv.Close()
	select {
	case err := <-result:
		if !errors.Is(err, ErrServiceClosed) {
			t.Errorf("expected ErrServiceClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Accept still blocked after Close")
	}
}

func TestRepeatedSynIsAnsweredOnce(t *testing.T) {
	cfg := testConfig()
	core := newTestCore(t, cfg, nil)
	srv, err := core.ListenReldat("127.0.0.1:0", 2)
	if err != nil {
		t.Fatal(err)
	}
	peer := newTestEndpoint(t)
	syn := NewSegmentBuilder(100, 2).SYN().Build()

	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := srv.Accept()
		accepted <- acceptResult{conn, err}
	}()
	if err := peer.sendTo(syn, srv.Addr()); err != nil {
		t.Fatal(err)
	}
	synAck, connAddr, err := peer.receive(time.Second)
	if err != nil || !synAck.IsSYN() || !synAck.IsACK() || synAck.Ack() != 101 {
		t.Fatalf("expected SYN-ACK for 101, got %v (%v)", synAck, err)
	}
	if udpPort(connAddr) == udpPort(srv.Addr()) {
		t.Error("SYN-ACK should come from a per-connection endpoint")
	}
	ack := NewSegmentBuilder(101, 2).ACK(synAck.NextSeq()).Build()
	if err := peer.sendTo(ack, connAddr); err != nil {
		t.Fatal(err)
	}
	res := <-accepted
	if res.err != nil {
		t.Fatal(res.err)
	}

	// the same SYN again gets the same SYN-ACK from the same endpoint
	second := make(chan acceptResult, 1)
	go func() {
		conn, err := srv.Accept()
		second <- acceptResult{conn, err}
	}()
	if err := peer.sendTo(syn, srv.Addr()); err != nil {
		t.Fatal(err)
	}
	again, from, err := peer.receive(time.Second)
	if err != nil {
		t.Fatalf("no answer to repeated SYN: %v", err)
	}
	if !again.Equal(synAck) || !sameAddr(from, connAddr) {
		t.Errorf("repeated SYN answered with %v from %s", again, from)
	}

	srv.Close()
	if res := <-second; !errors.Is(res.err, ErrServiceClosed) {
		t.Errorf("expected ErrServiceClosed, got %v", res.err)
	}
}

func TestHalfOpenIsDropped(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 30 * time.Millisecond
	cfg.HandshakeRetries = 1
	srvCore := newTestCore(t, cfg, nil)
	srv, err := srvCore.ListenReldat("127.0.0.1:0", 2)
	if err != nil {
		t.Fatal(err)
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := srv.Accept()
		accepted <- acceptResult{conn, err}
	}()

	// a peer that sends SYN and walks away
	ghost := newTestEndpoint(t)
	if err := ghost.sendTo(NewSegmentBuilder(7, 1).SYN().Build(), srv.Addr()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)

	client, err := newTestCore(t, cfg, nil).DialReldat(srv.Addr().String(), 2)
	if err != nil {
		t.Fatalf("dial after half-open failed: %v", err)
	}
	res := <-accepted
	if res.err != nil {
		t.Fatal(res.err)
	}
	if udpPort(res.conn.RemoteAddr()) != udpPort(client.LocalAddr()) {
		t.Errorf("accepted %s, expected the real client %s", res.conn.RemoteAddr(), client.LocalAddr())
	}
}

func TestPortRange(t *testing.T) {
	cfg := testConfig()
	cfg.PortLower, cfg.PortUpper = 47100, 47120
	server, client := connectPair(t, newTestCore(t, cfg, nil), newTestCore(t, cfg, nil), 2)

	for _, conn := range []*Connection{server, client} {
		port := udpPort(conn.LocalAddr())
		if port < cfg.PortLower || port > cfg.PortUpper {
			t.Errorf("endpoint port %d outside %d-%d", port, cfg.PortLower, cfg.PortUpper)
		}
	}
	free := client.core.ports.available()
	client.Close()
	if client.core.ports.available() != free+1 {
		t.Error("closing the connection did not return its port")
	}
}
