package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/usernamenenad/ordered-chat/core"
)

// Links are the transports a server reads from and writes to.
type Links struct {
	Clients core.Transport

	// Peers carries replica traffic. When nil, replicas share the client
	// transport and are told apart by source address.
	Peers core.Transport

	// PeerConfig addresses the replicas on Peers. When nil the server's
	// own config is used.
	PeerConfig *Config
}

// Server is one replica. A single goroutine owns the registry and the
// ordering engine; every datagram is handled to completion before the next.
type Server struct {
	node       *Node
	mode       Mode
	links      Links
	registry   *Registry
	dispatcher *Dispatcher
	engine     Engine
	store      core.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	logger *slog.Logger
}

func NewServer(
	id core.ReplicaId,
	config *Config,
	mode Mode,
	links Links,
	store core.Store,
	logger *slog.Logger,
) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if links.Clients == nil {
		return nil, errors.New("no client transport")
	}

	node := NewNode(id, config)
	if _, ok := node.Self(); !ok {
		return nil, fmt.Errorf("replica %d not in config of %d replicas", id, config.N())
	}

	peerConfig := links.PeerConfig
	if peerConfig == nil {
		peerConfig = config
	}
	peers := links.Peers
	if peers == nil {
		peers = links.Clients
	}

	logger = logger.With("replica", int(node.GetReplicaId()))

	s := &Server{
		node:     node,
		mode:     mode,
		links:    links,
		registry: NewRegistry(),
		store:    store,
		done:     make(chan struct{}),
		logger:   logger,
	}

	s.dispatcher = NewDispatcher(peerConfig, peers, NewCodec(mode), logger)
	s.engine = NewEngine(mode, peerConfig.N(), s.dispatcher, s, logger)
	s.dispatcher.Bind(s.engine)

	return s, nil
}

func (s *Server) Mode() Mode {
	return s.mode
}

func (s *Server) Engine() Engine {
	return s.engine
}

// Start runs the receive loop in the background until ctx is done or Stop
// is called.
func (s *Server) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.startMessageHandler()
}

// Serve runs the receive loop and blocks until it ends.
func (s *Server) Serve(ctx context.Context) {
	s.Start(ctx)
	<-s.done
}

func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	s.wg.Wait()
}

// Done is closed when the receive loop ends.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) startMessageHandler() {
	defer s.wg.Done()
	defer close(s.done)

	self, _ := s.node.Self()
	s.logger.Info("start listening on messages", "mode", s.mode.String(), "addr", self.Bind)

	clientCh := s.links.Clients.Subscribe()
	var peerCh <-chan core.Datagram
	if s.links.Peers != nil {
		peerCh = s.links.Peers.Subscribe()
	}

	for {
		select {
		case <-s.ctx.Done():
			return

		case d, ok := <-clientCh:
			if !ok {
				s.logger.Warn("client transport closed")
				return
			}
			if s.links.Peers == nil && s.node.IsPeer(d.From) {
				s.handlePeer(d)
			} else {
				s.handleClient(d)
			}

		case d, ok := <-peerCh:
			if !ok {
				s.logger.Warn("peer transport closed")
				peerCh = nil
				continue
			}
			s.handlePeer(d)
		}
	}
}

func (s *Server) handlePeer(d core.Datagram) {
	s.logger.Debug("message from replica", "from", d.From)

	if err := s.dispatcher.Dispatch(s.ctx, d.From, d.Data); err != nil {
		s.logger.Warn("dropped replica message", "from", d.From, "error", err)
	}
}

func (s *Server) handleClient(d core.Datagram) {
	text := strings.TrimRight(string(d.Data), "\r\n")
	if text == "" {
		s.logger.Warn("empty client message", "from", d.From)
		return
	}

	client, created := s.registry.Lookup(d.From)
	if created {
		s.logger.Info("new client", "addr", d.From, "clients", s.registry.Len())
	}

	if strings.HasPrefix(text, "/") {
		s.handleCommand(client, text[1:])
		return
	}

	if !client.InRoom() {
		s.logger.Warn("client not in a room", "addr", client.Addr)
		return
	}

	sub := Submission{
		Sender: client.Addr,
		Room:   client.Room,
		Nick:   client.Nick,
		Text:   text,
	}
	switch s.mode {
	case ModeFifo:
		sub.Seq = client.PeekSeq()
	case ModeTotal:
		sub.LocalId = client.PeekId()
	}

	// A numbered message that can not be sent would hold back everything
	// after it, so the number is taken only once the envelope fits.
	if err := s.dispatcher.Fits(s.engine.Largest(sub)); err != nil {
		s.logger.Warn("message too long to relay", "addr", client.Addr, "bytes", len(text), "error", err)
		s.replyErr(client, "Your message is too long")
		return
	}
	switch s.mode {
	case ModeFifo:
		client.NextSeq()
	case ModeTotal:
		client.NextId()
	}

	if err := s.engine.Submit(s.ctx, sub); err != nil {
		s.logger.Error("error submitting message", "addr", client.Addr, "room", client.Room, "error", err)
	}
}

func (s *Server) handleCommand(client *Client, line string) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.TrimSpace(name) {
	case "join":
		s.join(client, arg)
	case "nick":
		s.nick(client, arg)
	case "part":
		s.part(client)
	case "quit":
		s.registry.Remove(client.Addr)
		s.logger.Info("client quit", "addr", client.Addr, "clients", s.registry.Len())
	default:
		s.logger.Warn("invalid command", "addr", client.Addr, "command", name)
		s.replyErr(client, "You entered an invalid command.")
	}
}

func (s *Server) join(client *Client, arg string) {
	room, err := strconv.Atoi(arg)
	if err != nil || !core.Room(room).Valid() {
		s.replyErr(client, "You provided an invalid room number #"+arg)
		return
	}

	if client.InRoom() {
		s.replyErr(client, "You are already in chat room #"+client.Room.String())
		return
	}

	client.Join(core.Room(room))
	s.logger.Info("client joined room", "nick", client.Nick, "room", room)
	s.replyOk(client, "You are now in chat room #"+arg)
}

func (s *Server) nick(client *Client, arg string) {
	if arg == "" {
		s.replyErr(client, "You provided an empty nick name")
		return
	}

	client.SetNick(arg)
	s.replyOk(client, "Nick name set to '"+arg+"'")
}

func (s *Server) part(client *Client) {
	if !client.InRoom() {
		s.replyErr(client, "You are not in any room")
		return
	}

	old := client.Leave()
	s.logger.Info("client left room", "nick", client.Nick, "room", int(old))
	s.replyOk(client, "You have left chat room #"+old.String())
}

func (s *Server) replyOk(client *Client, msg string) {
	s.sendClient(client.Addr, "+OK "+msg)
}

func (s *Server) replyErr(client *Client, msg string) {
	s.sendClient(client.Addr, "-ERR "+msg)
}

func (s *Server) sendClient(addr, line string) {
	if err := s.links.Clients.Send(s.ctx, addr, []byte(line)); err != nil {
		s.logger.Error("error sending to client", "addr", addr, "error", err)
	}
}

// Deliver sends line to every local client in room and records it.
func (s *Server) Deliver(room core.Room, line string) {
	for _, c := range s.registry.InRoom(room) {
		s.sendClient(c.Addr, line)
	}

	if s.store != nil {
		if err := s.store.AddLine(room, line); err != nil {
			s.logger.Warn("line not added to delivery log", "room", room, "error", err)
		}
	}
}
