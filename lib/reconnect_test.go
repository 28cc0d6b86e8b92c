package lib

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestBackoffDuration(t *testing.T) {
	testCases := []struct {
		retry    int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{10, time.Second},
	}
	for _, tc := range testCases {
		if got := BackoffDuration(tc.retry, 100*time.Millisecond, time.Second, 2); got != tc.expected {
			t.Errorf("retry %d: expected %v, got %v", tc.retry, tc.expected, got)
		}
	}
}

func TestRedialerReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.Reconnect.InitialBackoff = 10 * time.Millisecond
	cfg.Reconnect.MaxRetries = 3
	srvCore := newTestCore(t, cfg, nil)
	srv, err := srvCore.ListenReldat("127.0.0.1:0", 2)
	if err != nil {
		t.Fatal(err)
	}

	// every accepted connection answers one request and hangs up
	go func() {
		for {
			conn, err := srv.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				msg, err := ReceiveMessage(conn)
				if err != nil {
					return
				}
				SendMessage(conn, bytes.ToUpper(msg))
			}()
		}
	}()

	r := NewRedialer(newTestCore(t, cfg, nil), srv.Addr().String(), 2)
	var reconnects atomic.Int32
	r.OnReconnect = func(*Connection) { reconnects.Add(1) }
	defer r.Close()

	for i := 0; i < 3; i++ {
		var resp []byte
		err := r.Do(func(conn *Connection) error {
			if err := SendMessage(conn, []byte("ping")); err != nil {
				return err
			}
			var err error
			resp, err = ReceiveMessage(conn)
			return err
		})
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if string(resp) != "PING" {
			t.Errorf("request %d: unexpected response %q", i, resp)
		}
		// let the server's FIN arrive before the next request
		time.Sleep(50 * time.Millisecond)
	}
	if reconnects.Load() < 2 {
		t.Errorf("expected at least 2 reconnects, got %d", reconnects.Load())
	}
}

func TestRedialerGivesUp(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 20 * time.Millisecond
	cfg.HandshakeRetries = 0
	cfg.Reconnect.MaxRetries = 2
	cfg.Reconnect.InitialBackoff = 5 * time.Millisecond

	silent := newTestEndpoint(t)
	r := NewRedialer(newTestCore(t, cfg, nil), silent.localAddr().String(), 1)
	err := r.Do(func(*Connection) error { return nil })
	if !errors.Is(err, ErrConnectFailed) {
		t.Errorf("expected ErrConnectFailed, got %v", err)
	}
}
