package lib

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Clouded-Sabre/reldat/config"
)

// Redialer keeps a client connection to one service and dials it again with
// exponential backoff when the connection is lost.
type Redialer struct {
	core       *Core
	address    string
	windowSize int
	cfg        config.Reconnect

	OnReconnect func(conn *Connection) // called after each successful redial

	mu     sync.Mutex
	conn   *Connection
	dialed bool
}

func NewRedialer(core *Core, address string, windowSize int) *Redialer {
	return &Redialer{
		core:       core,
		address:    address,
		windowSize: windowSize,
		cfg:        core.Config().Reconnect,
	}
}

// Connection returns the current connection, dialing if there is none.
func (r *Redialer) Connection() (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil && r.conn.IsConnected() {
		return r.conn, nil
	}
	return r.redialLocked()
}

// Do runs fn on the current connection. If fn fails with ErrConnectionLost,
// Do redials and runs fn again from the start, so fn must be safe to
// repeat.
func (r *Redialer) Do(fn func(conn *Connection) error) error {
	for {
		conn, err := r.Connection()
		if err != nil {
			return err
		}
		err = fn(conn)
		if !errors.Is(err, ErrConnectionLost) {
			return err
		}
		log.Warn().Err(err).Str("remote", r.address).Msg("connection lost, redialing")
	}
}

func (r *Redialer) redialLocked() (*Connection, error) {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}

	var lastErr error
	for attempt := 0; r.cfg.MaxRetries == -1 || attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := BackoffDuration(attempt-1, r.cfg.InitialBackoff, r.cfg.MaxBackoff, r.cfg.BackoffMultiplier)
			log.Info().Int("attempt", attempt).Dur("backoff", wait).Msg("waiting before redial")
			time.Sleep(wait)
		}
		conn, err := r.core.DialReldat(r.address, r.windowSize)
		if err == nil {
			r.conn = conn
			if r.dialed && r.OnReconnect != nil {
				r.OnReconnect(conn)
			}
			r.dialed = true
			return conn, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
	}
	return nil, errors.Wrapf(lastErr, "giving up on %s after %d retries", r.address, r.cfg.MaxRetries)
}

// Close closes the current connection; a later call dials again.
func (r *Redialer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

// BackoffDuration is initial * multiplier^retry, capped at maxBackoff.
func BackoffDuration(retry int, initial, maxBackoff time.Duration, multiplier float64) time.Duration {
	backoff := time.Duration(float64(initial) * math.Pow(multiplier, float64(retry)))
	if backoff > maxBackoff || backoff < 0 {
		backoff = maxBackoff
	}
	return backoff
}
