package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	relayudp "github.com/usernamenenad/ordered-chat/transport/relay-udp"
)

const logFile = "chatclient.log"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	toFile := flag.Bool("l", false, "log to "+logFile+" instead of stderr")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-l] <addr:port>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	server := flag.Arg(0)
	if server == "" {
		server = os.Getenv("CHAT_SERVER")
	}
	if server == "" {
		flag.Usage()
		os.Exit(1)
	}

	var out io.Writer = os.Stderr
	if *toFile {
		f, err := os.Create(logFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, server, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("chat client failed", "error", err)
		stop()
		os.Exit(1)
	}
}

// run sends every line of in to server and prints everything the server
// sends back until /quit, end of input or ctx is done.
func run(ctx context.Context, server string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	tr, err := relayudp.NewUDPTransport(":0", logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	go func() {
		for d := range tr.Subscribe() {
			fmt.Fprintln(out, string(d.Data))
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			if err := tr.Send(ctx, server, []byte(line)); err != nil {
				logger.Warn("send failed", "server", server, "error", err)
				continue
			}
			if strings.TrimSpace(line) == "/quit" {
				return nil
			}
		}
	}
}
