/*
testclient streams a file to servercompare over RELDAT in random-sized
chunks with random gaps, for checking delivery and integrity over lossy
paths (e.g. through droptestgw).

Each chunk is sent as one length-prefixed message; the file is replayed from
the start on EOF until the client is interrupted.

Usage:

	./testclient [options]
	  -serveraddr string  RELDAT service address (default "127.0.0.1:8888")
	  -file string        source file (default "book.txt")
	  -MTU int            largest chunk (default 1000)
	  -max-gap-ms int     largest pause between chunks (default 1300)
	  -window int         receive window in segments (default 8)
	  -config string      YAML configuration file
*/
package main

import (
	"flag"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Clouded-Sabre/reldat/config"
	"github.com/Clouded-Sabre/reldat/lib"
)

var (
	serverAddrStr string
	filePath      string
	configPath    string
	mtu           int
	maxGapMs      int
	windowSize    int
)

func init() {
	flag.StringVar(&serverAddrStr, "serveraddr", "127.0.0.1:8888", "RELDAT service address (IP:Port)")
	flag.StringVar(&filePath, "file", "book.txt", "file path to the book txt file")
	flag.StringVar(&configPath, "config", "", "YAML configuration file")
	flag.IntVar(&mtu, "MTU", 1000, "largest chunk size")
	flag.IntVar(&maxGapMs, "max-gap-ms", 1300, "Max gap in ms between two consecutive chunks")
	flag.IntVar(&windowSize, "window", 8, "receive window in segments")
}

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(configPath); err != nil {
			log.Fatal().Err(err).Msg("configuration file error")
		}
	}

	file, err := os.Open(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("opening file")
	}
	defer file.Close()

	core, err := lib.NewCore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("creating RELDAT core")
	}
	defer core.Close()

	conn, err := core.DialReldat(serverAddrStr, windowSize)
	if err != nil {
		log.Fatal().Err(err).Msg("connecting")
	}
	defer conn.Close()
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("RELDAT connection established")

	buffer := make([]byte, mtu)
	for {
		chunkSize := 1 + rand.Intn(mtu)
		n, err := file.Read(buffer[:chunkSize])
		if err != nil && err != io.EOF {
			log.Error().Err(err).Msg("reading from file")
			return
		}
		if n > 0 {
			if err := lib.SendMessage(conn, buffer[:n]); err != nil {
				log.Error().Err(err).Msg("sending chunk")
				return
			}
			log.Info().Int("length", n).Msg("sent chunk")
		}

		if n < chunkSize {
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				log.Error().Err(err).Msg("rewinding file")
				return
			}
		}
		time.Sleep(time.Duration(rand.Intn(maxGapMs+1)) * time.Millisecond)
	}
}
