// Command server runs a RELDAT service that upper-cases every message it
// receives and sends it back.
//
//	server [-config config.yaml] PORT WINDOW_SIZE
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Clouded-Sabre/reldat/config"
	"github.com/Clouded-Sabre/reldat/lib"
)

func usage() {
	fmt.Fprintln(os.Stderr, "USAGE: server [-config file] PORT WINDOW_SIZE")
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	flag.Parse()
	if flag.NArg() != 2 {
		usage()
	}
	port, err := strconv.Atoi(flag.Arg(0))
	if err != nil || port < 0 || port > 65535 {
		usage()
	}
	windowSize, err := strconv.Atoi(flag.Arg(1))
	if err != nil || windowSize < 1 {
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
	srv, err := core.ListenReldat(":"+strconv.Itoa(port), windowSize)
	if err != nil {
		log.Fatal().Err(err).Msg("listening")
	}
	fmt.Printf("Listening on %s with window size %d\n", srv.Addr(), windowSize)

	// Handle Ctrl+C signal for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		fmt.Println("\nShutting down...")
		core.Close()
	}()

	for {
		conn, err := srv.Accept()
		if err != nil {
			if errors.Is(err, lib.ErrServiceClosed) {
				return
			}
			log.Error().Err(err).Msg("accept")
			continue
		}
		fmt.Printf("Accepted connection from %s\n", conn.RemoteAddr())
		go handleConnection(conn)
	}
}

func handleConnection(conn *lib.Connection) {
	defer conn.Close()
	for {
		msg, err := lib.ReceiveMessage(conn)
		if err != nil {
			if errors.Is(err, lib.ErrConnectionLost) {
				fmt.Printf("Connection with %s closed\n", conn.RemoteAddr())
			} else {
				log.Error().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("receiving request")
			}
			return
		}
		log.Info().Str("remote", conn.RemoteAddr().String()).Int("bytes", len(msg)).Msg("transforming request")
		if err := lib.SendMessage(conn, bytes.ToUpper(msg)); err != nil {
			log.Error().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("sending response")
			return
		}
	}
}
