package relayquic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/usernamenenad/ordered-chat/core"
)

const alpn = "ordered-chat"

// maxFrameSize bounds a stream frame so a corrupt length can not force a
// huge allocation.
const maxFrameSize = 1 << 20

var (
	// ErrBufferFull is returned when a send to this replica finds the
	// receive buffer full.
	ErrBufferFull = errors.New("receive buffer full")
	ErrClosed     = errors.New("transport closed")
)

// Plane selects how replica messages travel over a QUIC connection.
type Plane byte

const (
	// PlaneDatagram sends each message as an unreliable QUIC datagram
	// (RFC 9221), keeping the loss semantics of plain UDP.
	PlaneDatagram Plane = iota
	// PlaneStream sends length-prefixed frames on one stream per peer.
	PlaneStream
)

func (p Plane) String() string {
	switch p {
	case PlaneDatagram:
		return "datagram"
	case PlaneStream:
		return "stream"
	default:
		return "unknown"
	}
}

// peerConn is the outgoing connection to one replica.
type peerConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	mu     sync.Mutex
}

// QUICTransport implements core.Transport between replicas over QUIC.
// Dialing and listening share one UDP socket, so the remote address of an
// accepted connection is the peer's listen address and can be used to
// reply.
type QUICTransport struct {
	plane Plane

	quicTr   *quic.Transport
	udpConn  *net.UDPConn
	listener *quic.Listener
	addr     string

	aliases  map[string]bool
	peers    []string
	outPeers map[string]*peerConn
	outMu    sync.RWMutex

	inConns []*quic.Conn
	inMu    sync.Mutex

	msgCh   chan core.Datagram
	readyCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewQUICTransport creates a QUIC transport and starts listening for
// connections. Use "127.0.0.1:0" to let the OS pick a port.
func NewQUICTransport(listenAddr string, plane Plane, logger *slog.Logger) (*QUICTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	serverTLS, err := serverTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("generate TLS config: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp addr: %w", err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	qtr := &quic.Transport{Conn: udpConn}

	listener, err := qtr.Listen(serverTLS, quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quic listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &QUICTransport{
		plane:    plane,
		quicTr:   qtr,
		udpConn:  udpConn,
		listener: listener,
		addr:     udpConn.LocalAddr().String(),
		aliases:  make(map[string]bool),
		outPeers: make(map[string]*peerConn),
		msgCh:    make(chan core.Datagram, 256),
		readyCh:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}

	t.wg.Add(1)
	go t.acceptLoop()

	t.logger.Info("QUIC transport listening", "addr", t.addr, "plane", plane.String())

	return t, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:    true,
		MaxIncomingStreams: 10,
		MaxIdleTimeout:     30 * time.Second,
		KeepAlivePeriod:    10 * time.Second,
	}
}

// Addr returns the local UDP address the transport is listening on.
func (t *QUICTransport) Addr() string {
	return t.addr
}

// Connect starts dialing every peer address in the background. Aliases
// are other addresses this replica is known by, such as a forward address
// that differs from the bind address; they are never dialed and sends to
// them loop back like sends to Addr().
func (t *QUICTransport) Connect(peers []string, aliases ...string) {
	t.outMu.Lock()
	for _, a := range aliases {
		t.aliases[a] = true
	}
	t.outMu.Unlock()

	for _, p := range peers {
		if !t.isSelf(p) {
			t.peers = append(t.peers, p)
		}
	}
	if len(t.peers) == 0 {
		close(t.readyCh)
		return
	}
	t.wg.Add(1)
	go t.connectToPeers()
}

func (t *QUICTransport) isSelf(addr string) bool {
	if addr == t.addr {
		return true
	}
	t.outMu.RLock()
	defer t.outMu.RUnlock()
	return t.aliases[addr]
}

// WaitForReady blocks until every outgoing connection is established.
// Send does not wait for it; a peer that is not connected yet is reported
// with core.ErrNoPeer.
func (t *QUICTransport) WaitForReady() {
	<-t.readyCh
}

func (t *QUICTransport) connectToPeers() {
	defer t.wg.Done()

	var connectWg sync.WaitGroup
	for _, peerAddr := range t.peers {
		connectWg.Add(1)
		go func(addr string) {
			defer connectWg.Done()
			t.connectWithRetry(addr)
		}(peerAddr)
	}

	connectWg.Wait()
	close(t.readyCh)
	t.logger.Info("all QUIC peers connected", "addr", t.addr, "peers", len(t.peers))
}

func (t *QUICTransport) connectWithRetry(peerAddr string) {
	clientTLS := clientTLSConfig()

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		udpAddr, err := net.ResolveUDPAddr("udp", peerAddr)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		conn, err := t.quicTr.Dial(t.ctx, udpAddr, clientTLS, quicConfig())
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		pc := &peerConn{conn: conn}
		if t.plane == PlaneStream {
			stream, err := conn.OpenStreamSync(t.ctx)
			if err != nil {
				conn.CloseWithError(0, "failed to open stream")
				time.Sleep(50 * time.Millisecond)
				continue
			}
			pc.stream = stream
		}

		t.outMu.Lock()
		t.outPeers[peerAddr] = pc
		t.outMu.Unlock()

		t.logger.Debug("connected to QUIC peer", "addr", t.addr, "peer", peerAddr)
		return
	}
}

func (t *QUICTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.logger.Error("QUIC accept error", "error", err)
				return
			}
		}

		t.inMu.Lock()
		t.inConns = append(t.inConns, conn)
		t.inMu.Unlock()

		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

func (t *QUICTransport) handleConnection(conn *quic.Conn) {
	defer t.wg.Done()

	from := conn.RemoteAddr().String()

	t.wg.Add(1)
	go t.handleDatagrams(conn, from)

	for {
		stream, err := conn.AcceptStream(t.ctx)
		if err != nil {
			return
		}

		t.wg.Add(1)
		go t.handleStream(stream, from)
	}
}

func (t *QUICTransport) handleStream(stream *quic.Stream, from string) {
	defer t.wg.Done()
	defer stream.Close()

	for {
		data, err := readFrame(stream)
		if err != nil {
			if err == io.EOF || t.ctx.Err() != nil || isClosingError(err) {
				return
			}
			t.logger.Error("read frame error", "from", from, "error", err)
			return
		}

		if !t.deliver(t.ctx, core.Datagram{From: from, Data: data}) {
			return
		}
	}
}

func (t *QUICTransport) handleDatagrams(conn *quic.Conn, from string) {
	defer t.wg.Done()

	ds := conn.ConnectionState().SupportsDatagrams
	if !ds.Remote || !ds.Local {
		t.logger.Warn("peer does not support datagrams", "from", from)
		return
	}

	for {
		data, err := conn.ReceiveDatagram(t.ctx)
		if err != nil {
			return
		}

		if !t.deliver(t.ctx, core.Datagram{From: from, Data: data}) {
			return
		}
	}
}

func (t *QUICTransport) deliver(ctx context.Context, d core.Datagram) bool {
	select {
	case t.msgCh <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// loopback queues a send to this replica without blocking. The caller is
// usually the only reader of msgCh.
func (t *QUICTransport) loopback(data []byte) error {
	select {
	case t.msgCh <- core.Datagram{From: t.addr, Data: append([]byte(nil), data...)}:
		return nil
	case <-t.ctx.Done():
		return ErrClosed
	default:
		return fmt.Errorf("loopback to %s: %w", t.addr, ErrBufferFull)
	}
}

// Send delivers data to the replica listening at addr.
func (t *QUICTransport) Send(ctx context.Context, addr string, data []byte) error {
	if t.isSelf(addr) {
		return t.loopback(data)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.outMu.RLock()
	pc, ok := t.outPeers[addr]
	t.outMu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNoPeer, addr)
	}

	if t.plane == PlaneStream {
		pc.mu.Lock()
		defer pc.mu.Unlock()
		return writeFrame(pc.stream, data)
	}

	ds := pc.conn.ConnectionState().SupportsDatagrams
	if !ds.Remote || !ds.Local {
		return fmt.Errorf("datagrams not supported on connection to %s", addr)
	}
	if err := pc.conn.SendDatagram(data); err != nil {
		return fmt.Errorf("send datagram to %s: %w", addr, err)
	}
	return nil
}

// MaxMessageSize implements core.Limited. The datagram plane has no fixed
// limit; it depends on the path MTU of each connection.
func (t *QUICTransport) MaxMessageSize() int {
	if t.plane == PlaneStream {
		return maxFrameSize
	}
	return 0
}

// Subscribe returns the channel delivering messages from every peer.
func (t *QUICTransport) Subscribe() <-chan core.Datagram {
	return t.msgCh
}

// Close shuts down the QUIC transport, closing all connections and the listener.
func (t *QUICTransport) Close() error {
	t.cancel()

	if t.listener != nil {
		t.listener.Close()
	}

	t.inMu.Lock()
	for _, conn := range t.inConns {
		conn.CloseWithError(0, "transport closing")
	}
	t.inMu.Unlock()

	t.outMu.Lock()
	for _, pc := range t.outPeers {
		pc.conn.CloseWithError(0, "transport closing")
	}
	t.outMu.Unlock()

	t.wg.Wait()

	if t.quicTr != nil {
		return t.quicTr.Close()
	}
	return nil
}

// writeFrame writes a 4-byte big-endian length followed by data.
func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", length, maxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func isClosingError(err error) bool {
	var appErr *quic.ApplicationError
	return errors.As(err, &appErr)
}
