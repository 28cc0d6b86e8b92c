/*
servercompare accepts RELDAT connections from testclient and checks every
received chunk against the same file, replaying it from the start on EOF.
The first mismatch is reported with the number of differing bytes and the
connection is dropped.

Usage:

	./servercompare [options]
	  -svcaddr string  listening address (default "0.0.0.0:8888")
	  -file string     file to compare against (default "book.txt")
	  -window int      receive window in segments (default 8)
	  -config string   YAML configuration file
*/
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Clouded-Sabre/reldat/config"
	"github.com/Clouded-Sabre/reldat/lib"
)

const (
	colorReset = "\033[0m"
	colorGreen = "\033[32m"
	colorRed   = "\033[31m"
	colorBlue  = "\033[34m"
)

var filePath string

func main() {
	serverAddrFlag := flag.String("svcaddr", "0.0.0.0:8888", "Listening address in the format 'host:port'")
	filePathFlag := flag.String("file", "book.txt", "Path to the file for comparison")
	windowFlag := flag.Int("window", 8, "receive window in segments")
	configFlag := flag.String("config", "", "YAML configuration file")
	flag.Parse()
	filePath = *filePathFlag
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.DefaultConfig()
	if *configFlag != "" {
		var err error
		if cfg, err = config.LoadConfig(*configFlag); err != nil {
			log.Fatal().Err(err).Msg("configuration file error")
		}
	}

	core, err := lib.NewCore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("creating RELDAT core")
	}
	svc, err := core.ListenReldat(*serverAddrFlag, *windowFlag)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *serverAddrFlag).Msg("listening")
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		fmt.Println("\nReceived SIGINT (Ctrl+C). Shutting down...")
		core.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := svc.Accept()
		if err != nil {
			if !errors.Is(err, lib.ErrServiceClosed) {
				log.Error().Err(err).Msg("accept")
			}
			break
		}
		wg.Add(1)
		go handleClient(conn, &wg)
	}
	wg.Wait()
	log.Info().Msg("server exiting")
}

func handleClient(conn *lib.Connection, wg *sync.WaitGroup) {
	defer wg.Done()
	defer conn.Close()

	file, err := os.Open(filePath)
	if err != nil {
		log.Error().Err(err).Msg("opening file")
		return
	}
	defer file.Close()

	for {
		message, err := lib.ReceiveMessage(conn)
		if err != nil {
			log.Info().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("client gone")
			return
		}

		expected, err := readWrapping(file, len(message))
		if err != nil {
			log.Error().Err(err).Msg("reading from file")
			return
		}
		if bytes.Equal(message, expected) {
			log.Info().Msgf("%sReceived: %s|%s%s%s|%s", colorReset, colorBlue, colorGreen, message, colorBlue, colorReset)
			continue
		}
		log.Warn().Msgf("%sReceived: %s|%s%s%s| %s(Does not match file: %s|%s%s%s|%s)", colorReset, colorBlue, colorRed, message, colorBlue, colorReset, colorBlue, colorRed, expected, colorBlue, colorReset)
		fmt.Printf("Bytes Different: %d\n", countDifferences(message, expected))
		return
	}
}

// readWrapping reads n bytes, continuing from the start of the file at EOF,
// matching testclient's replay.
func readWrapping(file *os.File, n int) ([]byte, error) {
	data := make([]byte, n)
	read := 0
	for read < n {
		m, err := file.Read(data[read:])
		read += m
		if err == io.EOF || (err == nil && m == 0) {
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func countDifferences(data1, data2 []byte) int {
	diffCount := 0
	for i := 0; i < len(data1) && i < len(data2); i++ {
		if data1[i] != data2[i] {
			diffCount++
		}
	}
	return diffCount
}
