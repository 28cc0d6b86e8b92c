// Command client connects to a RELDAT server and sends files to be
// transformed.
//
//	client [-config config.yaml] [-reconnect] HOST:PORT WINDOW_SIZE
//
// Commands: "transform FILE" writes the server's answer to FILE-received,
// "disconnect" closes the connection.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/Clouded-Sabre/reldat/config"
	"github.com/Clouded-Sabre/reldat/lib"
)

func usage() {
	fmt.Fprintln(os.Stderr, "USAGE: client [-config file] [-reconnect] HOST:PORT WINDOW_SIZE")
	os.Exit(1)
}

// receivedName inserts "-received" before the extension.
func receivedName(file string) string {
	ext := filepath.Ext(file)
	return strings.TrimSuffix(file, ext) + "-received" + ext
}

// session hides whether commands run on one connection or through a
// redialer.
type session struct {
	conn     *lib.Connection
	redialer *lib.Redialer
}

func (s *session) do(fn func(conn *lib.Connection) error) error {
	if s.redialer != nil {
		return s.redialer.Do(fn)
	}
	return fn(s.conn)
}

func (s *session) connected() bool {
	if s.redialer != nil {
		return true
	}
	return s.conn.IsConnected()
}

func (s *session) close() {
	if s.redialer != nil {
		s.redialer.Close()
		s.redialer = nil
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

func transform(s *session, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrap(err, "cannot read file")
	}
	var response []byte
	err = s.do(func(conn *lib.Connection) error {
		if err := lib.SendMessage(conn, data); err != nil {
			return err
		}
		response, err = lib.ReceiveMessage(conn)
		return err
	})
	if err != nil {
		return err
	}
	out := receivedName(file)
	fmt.Println("Writing response to", out)
	return os.WriteFile(out, response, 0o644)
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	reconnect := flag.Bool("reconnect", false, "redial after the connection is lost")
	flag.Parse()
	if flag.NArg() != 2 {
		usage()
	}
	address := flag.Arg(0)
	windowSize, err := strconv.Atoi(flag.Arg(1))
	if err != nil || windowSize < 1 || !strings.Contains(address, ":") {
		usage()
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	cfg := config.DefaultConfig()
	if *configPath != "" {
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatal().Err(err).Msg("loading configuration")
		}
	}
	if err := cfg.ApplyLogLevel(); err != nil {
		log.Fatal().Err(err).Msg("log level")
	}

	core, err := lib.NewCore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("creating RELDAT core")
	}
	defer core.Close()

	s := &session{}
	var conn *lib.Connection
	if *reconnect {
		s.redialer = lib.NewRedialer(core, address, windowSize)
		s.redialer.OnReconnect = func(c *lib.Connection) {
			fmt.Printf("Reconnected to %s\n", c.RemoteAddr())
		}
		conn, err = s.redialer.Connection()
	} else {
		conn, err = core.DialReldat(address, windowSize)
		s.conn = conn
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Connected to %s\n", conn.RemoteAddr())
	fmt.Printf("NOTE: the connection will automatically be dropped after %v if no data is transferred\n", cfg.IdleTimeout)

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	scanner := bufio.NewScanner(os.Stdin)
	for s.connected() {
		if interactive {
			fmt.Print("Command: ")
		}
		if !scanner.Scan() {
			break
		}
		fields := strings.Fields(scanner.Text())
		switch {
		case len(fields) == 0:
		case len(fields) == 1 && strings.EqualFold(fields[0], "disconnect"):
			s.close()
			fmt.Println("Connection disconnected")
			return
		case len(fields) == 2 && fields[0] == "transform":
			err := transform(s, fields[1])
			switch {
			case err == nil:
			case errors.Is(err, lib.ErrConnectionLost):
				fmt.Println("Connection closed by server since it was idle")
			default:
				fmt.Fprintln(os.Stderr, err)
			}
		default:
			fmt.Println("Invalid command")
		}
	}
	s.close()
}
