package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/usernamenenad/ordered-chat/core"
	"github.com/usernamenenad/ordered-chat/impl/relay"
	relayquic "github.com/usernamenenad/ordered-chat/transport/relay-quic"
	relaytcp "github.com/usernamenenad/ordered-chat/transport/relay-tcp"
	relayudp "github.com/usernamenenad/ordered-chat/transport/relay-udp"
)

const logFile = "chatserver.log"

type options struct {
	order      string
	verbose    bool
	toFile     bool
	peer       string
	peerOffset int
	config     string
	index      int
}

// getEnv returns the value of key, or fallback when it is unset or empty.
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func parseOptions() (options, error) {
	// .env is optional; it only supplies flag defaults
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return options{}, fmt.Errorf("load .env: %w", err)
	}

	offset, err := strconv.Atoi(getEnv("CHAT_PEER_OFFSET", "1000"))
	if err != nil {
		return options{}, fmt.Errorf("CHAT_PEER_OFFSET: %w", err)
	}

	var opts options
	flag.StringVar(&opts.order, "o", getEnv("CHAT_ORDER", "unordered"), "ordering mode: unordered, fifo, total")
	flag.BoolVar(&opts.verbose, "v", false, "log debug messages")
	flag.BoolVar(&opts.toFile, "l", false, "log to "+logFile+" instead of stderr")
	flag.StringVar(&opts.peer, "peer", getEnv("CHAT_PEER_TRANSPORT", "udp"), "replica transport: udp, quic, quic-stream, tcp")
	flag.IntVar(&opts.peerOffset, "peer-offset", offset, "port offset of the replica transport when it is not udp")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <config> <index>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 1 {
		if cfg := os.Getenv("CHAT_CONFIG"); cfg != "" {
			args = []string{cfg, args[0]}
		}
	}
	if len(args) != 2 {
		flag.Usage()
		return options{}, errors.New("wrong number of positional arguments")
	}

	opts.config = args[0]
	opts.index, err = strconv.Atoi(args[1])
	if err != nil || opts.index <= 0 {
		return options{}, fmt.Errorf("invalid server index %q", args[1])
	}

	return opts, nil
}

func newLogger(opts options) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if opts.toFile {
		f, err := os.Create(logFile)
		if err != nil {
			return nil, nil, fmt.Errorf("create log file: %w", err)
		}
		out, closer = f, f
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closer, nil
}

type peerTransport interface {
	core.Transport
	Connect(peers []string, aliases ...string)
}

// peerLinks builds the replica transport named by opts.peer. For udp the
// replicas share the client socket and nil links are returned.
func peerLinks(opts options, id core.ReplicaId, config *relay.Config, logger *slog.Logger) (core.Transport, *relay.Config, error) {
	if opts.peer == "udp" {
		return nil, nil, nil
	}

	peerConfig, err := config.WithPeerOffset(opts.peerOffset)
	if err != nil {
		return nil, nil, err
	}
	self, _ := peerConfig.Replica(id)

	var tr peerTransport
	switch opts.peer {
	case "tcp":
		tr, err = relaytcp.NewTCPTransport(self.Bind, logger)
	case "quic":
		tr, err = relayquic.NewQUICTransport(self.Bind, relayquic.PlaneDatagram, logger)
	case "quic-stream":
		tr, err = relayquic.NewQUICTransport(self.Bind, relayquic.PlaneStream, logger)
	default:
		return nil, nil, fmt.Errorf("unknown replica transport %q", opts.peer)
	}
	if err != nil {
		return nil, nil, err
	}

	tr.Connect(peerConfig.ForwardAddrs(), self.Forward)
	return tr, peerConfig, nil
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	config, err := relay.LoadConfig(opts.config, logger)
	if err != nil {
		return err
	}

	id := core.ReplicaId(opts.index)
	self, ok := config.Replica(id)
	if !ok {
		return fmt.Errorf("server index %d out of range 1..%d", opts.index, config.N())
	}

	mode, ok := relay.ParseMode(opts.order)
	if !ok {
		logger.Warn("unknown ordering mode, using unordered", "mode", opts.order)
	}

	clients, err := relayudp.NewUDPTransport(self.Bind, logger)
	if err != nil {
		return err
	}
	defer clients.Close()

	peers, peerConfig, err := peerLinks(opts, id, config, logger)
	if err != nil {
		return err
	}
	if peers != nil {
		defer peers.Close()
	}

	links := relay.Links{Clients: clients, Peers: peers, PeerConfig: peerConfig}
	server, err := relay.NewServer(id, config, mode, links, relay.NewStore(), logger)
	if err != nil {
		return err
	}

	logger.Info("chat server starting", "index", opts.index, "replicas", config.N(), "mode", mode.String(), "peer", opts.peer)
	server.Serve(ctx)
	logger.Info("chat server stopped")

	return nil
}

func main() {
	opts, err := parseOptions()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, closer, err := newLogger(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("chat server failed", "error", err)
		closer.Close()
		os.Exit(1)
	}
}
