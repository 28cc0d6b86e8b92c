// Package config holds the tunables of a RELDAT core and loads them from YAML.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	maxUDPPayload = 65507 // largest IPv4 UDP payload
	maxPort       = 65535
)

// Config is shared by every connection created from one core.
type Config struct {
	MSS              int           `yaml:"mss"`              // max datagram size, header included
	Timeout          time.Duration `yaml:"timeout"`          // base retransmission timeout per round
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"` // wait for SYN-ACK / final ACK
	HandshakeRetries int           `yaml:"handshakeRetries"` // SYN or SYN-ACK resends before giving up
	IdleTimeout      time.Duration `yaml:"idleTimeout"`      // connection dropped after this long without a valid segment
	MaxSendWindow    int           `yaml:"maxSendWindow"`    // local send buffer capacity, in segments
	FinRepeat        int           `yaml:"finRepeat"`        // FIN copies sent on close
	PayloadPoolSize  int           `yaml:"payloadPoolSize"`  // datagram buffers in the receive ring pool
	PortLower        int           `yaml:"portLower"`        // per-connection port range, 0 means OS-chosen
	PortUpper        int           `yaml:"portUpper"`
	LogLevel         string        `yaml:"logLevel"`
	Reconnect        Reconnect     `yaml:"reconnect"`
}

// Reconnect tunes the client redialer.
type Reconnect struct {
	MaxRetries        int           `yaml:"maxRetries"` // -1 for infinite
	InitialBackoff    time.Duration `yaml:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
}

func DefaultConfig() *Config {
	return &Config{
		MSS:              1000,
		Timeout:          time.Second,
		HandshakeTimeout: 2 * time.Second,
		HandshakeRetries: 5,
		IdleTimeout:      30 * time.Second,
		MaxSendWindow:    64,
		FinRepeat:        2,
		PayloadPoolSize:  256,
		LogLevel:         "info",
		Reconnect: Reconnect{
			MaxRetries:        10,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		},
	}
}

// LoadConfig reads a YAML file on top of the defaults, so the file only
// needs the fields it changes.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate checks ranges. The lower MSS bound depends on the header size and
// is checked again by the core.
func (c *Config) Validate() error {
	switch {
	case c.MSS <= 0 || c.MSS > maxUDPPayload:
		return errors.Errorf("mss %d out of range (1..%d)", c.MSS, maxUDPPayload)
	case c.Timeout <= 0:
		return errors.Errorf("timeout must be positive, got %v", c.Timeout)
	case c.HandshakeTimeout <= 0:
		return errors.Errorf("handshakeTimeout must be positive, got %v", c.HandshakeTimeout)
	case c.HandshakeRetries < 0:
		return errors.Errorf("handshakeRetries must not be negative, got %d", c.HandshakeRetries)
	case c.IdleTimeout <= 0:
		return errors.Errorf("idleTimeout must be positive, got %v", c.IdleTimeout)
	case c.MaxSendWindow < 1:
		return errors.Errorf("maxSendWindow must be at least 1, got %d", c.MaxSendWindow)
	case c.FinRepeat < 0:
		return errors.Errorf("finRepeat must not be negative, got %d", c.FinRepeat)
	case c.PayloadPoolSize < 1:
		return errors.Errorf("payloadPoolSize must be at least 1, got %d", c.PayloadPoolSize)
	case c.PortLower < 0 || c.PortUpper > maxPort || c.PortLower > c.PortUpper:
		return errors.Errorf("invalid port range %d-%d", c.PortLower, c.PortUpper)
	case c.PortLower == 0 && c.PortUpper != 0:
		return errors.Errorf("portUpper %d set without portLower", c.PortUpper)
	case c.Reconnect.MaxRetries < -1:
		return errors.Errorf("reconnect.maxRetries must be -1 or more, got %d", c.Reconnect.MaxRetries)
	case c.Reconnect.BackoffMultiplier < 1:
		return errors.Errorf("reconnect.backoffMultiplier must be at least 1, got %v", c.Reconnect.BackoffMultiplier)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "logLevel %q", c.LogLevel)
	}
	return nil
}

// UsesPortRange reports whether per-connection endpoints come from a fixed range.
func (c *Config) UsesPortRange() bool {
	return c.PortLower > 0
}

// ApplyLogLevel sets the global zerolog level from LogLevel.
func (c *Config) ApplyLogLevel() error {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return errors.Wrapf(err, "logLevel %q", c.LogLevel)
	}
	zerolog.SetGlobalLevel(level)
	return nil
}
