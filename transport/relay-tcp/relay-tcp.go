package relaytcp

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

	"github.com/usernamenenad/ordered-chat/core"
)

// maxFrameSize bounds a frame so a corrupt length can not force a huge
// allocation.
const maxFrameSize = 1 << 20

var (
	// ErrBufferFull is returned when a send to this replica finds the
	// receive buffer full.
	ErrBufferFull = errors.New("receive buffer full")
	ErrClosed     = errors.New("transport closed")
)

// peerConn wraps a connection with a mutex for thread-safe writing.
type peerConn struct {
	conn net.Conn
	mu   sync.Mutex
}

// TCPTransport implements core.Transport between replicas using TCP
// connections in a full-mesh topology. Every frame is a 4-byte big-endian
// length followed by the payload. The first frame on a connection names
// the dialer's listen address, which becomes the From of everything read
// from that connection.
type TCPTransport struct {
	addr string

	listener net.Listener

	aliases  map[string]bool
	peers    []string
	outPeers map[string]*peerConn
	outMu    sync.RWMutex

	inConns []net.Conn
	inMu    sync.Mutex

	msgCh   chan core.Datagram
	readyCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewTCPTransport creates a new TCP transport and starts listening on the given address.
// Use "127.0.0.1:0" to let the OS assign a random port, then call Addr() to discover it.
// Call Connect() to establish outgoing connections to peers.
func NewTCPTransport(listenAddr string, logger *slog.Logger) (*TCPTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}

	t := &TCPTransport{
		addr:     listener.Addr().String(),
		listener: listener,
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

	t.logger.Info("TCP transport listening", "addr", t.addr)

	return t, nil
}

// Addr returns the actual listen address (useful when listening on ":0").
func (t *TCPTransport) Addr() string {
	return t.addr
}

// Connect starts dialing every peer address in the background. Aliases
// are other addresses this replica is known by, such as a forward address
// that differs from the bind address; they are never dialed and sends to
// them loop back like sends to Addr().
func (t *TCPTransport) Connect(peers []string, aliases ...string) {
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

func (t *TCPTransport) isSelf(addr string) bool {
	if addr == t.addr {
		return true
	}
	t.outMu.RLock()
	defer t.outMu.RUnlock()
	return t.aliases[addr]
}

// WaitForReady blocks until all outgoing peer connections are established.
// Send does not wait for it; a peer that is not connected yet is reported
// with core.ErrNoPeer.
func (t *TCPTransport) WaitForReady() {
	<-t.readyCh
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.logger.Error("accept error", "error", err)
				continue
			}
		}

		t.inMu.Lock()
		t.inConns = append(t.inConns, conn)
		t.inMu.Unlock()

		t.wg.Add(1)
		go t.handleIncoming(conn)
	}
}

func (t *TCPTransport) handleIncoming(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	hello, err := readFrame(conn)
	if err != nil {
		t.logger.Warn("no hello from peer", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	from := string(hello)
	t.logger.Debug("peer connected", "addr", t.addr, "peer", from)

	for {
		data, err := readFrame(conn)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return
			}
			select {
			case <-t.ctx.Done():
				return
			default:
				t.logger.Error("read error", "peer", from, "error", err)
				return
			}
		}

		if !t.deliver(t.ctx, core.Datagram{From: from, Data: data}) {
			return
		}
	}
}

func (t *TCPTransport) connectToPeers() {
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
	t.logger.Info("all peers connected", "addr", t.addr, "peers", len(t.peers))
}

func (t *TCPTransport) connectWithRetry(peerAddr string) {
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", peerAddr, time.Second)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if err := writeFrame(conn, []byte(t.addr)); err != nil {
			conn.Close()
			time.Sleep(50 * time.Millisecond)
			continue
		}

		t.outMu.Lock()
		t.outPeers[peerAddr] = &peerConn{conn: conn}
		t.outMu.Unlock()

		t.logger.Debug("connected to peer", "addr", t.addr, "peer", peerAddr)
		return
	}
}

func (t *TCPTransport) deliver(ctx context.Context, d core.Datagram) bool {
	select {
	case t.msgCh <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// loopback queues a send to this replica without blocking. The caller is
// usually the only reader of msgCh.
func (t *TCPTransport) loopback(data []byte) error {
	select {
	case t.msgCh <- core.Datagram{From: t.addr, Data: append([]byte(nil), data...)}:
		return nil
	case <-t.ctx.Done():
		return ErrClosed
	default:
		return fmt.Errorf("loopback to %s: %w", t.addr, ErrBufferFull)
	}
}

// Send sends data to the peer listening at addr.
func (t *TCPTransport) Send(ctx context.Context, addr string, data []byte) error {
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

	pc.mu.Lock()
	defer pc.mu.Unlock()

	return writeFrame(pc.conn, data)
}

// MaxMessageSize implements core.Limited.
func (t *TCPTransport) MaxMessageSize() int {
	return maxFrameSize
}

// Subscribe returns the channel that delivers incoming messages.
func (t *TCPTransport) Subscribe() <-chan core.Datagram {
	return t.msgCh
}

// Close shuts down the transport, closing all connections and the listener.
func (t *TCPTransport) Close() error {
	t.cancel()

	if t.listener != nil {
		t.listener.Close()
	}

	t.inMu.Lock()
	for _, conn := range t.inConns {
		conn.Close()
	}
	t.inMu.Unlock()

	t.outMu.Lock()
	for _, pc := range t.outPeers {
		pc.conn.Close()
	}
	t.outMu.Unlock()

	t.wg.Wait()
	return nil
}

// writeFrame writes a length-prefixed frame.
func writeFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readFrame reads a length-prefixed frame.
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
