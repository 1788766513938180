package relayudp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/usernamenenad/ordered-chat/core"
)

// MaxDatagramSize is the largest datagram sent or read: a 1024-byte buffer
// less the byte kept for a terminator. Longer datagrams are truncated by
// the kernel on read.
const MaxDatagramSize = 1023

// UDPTransport implements core.Transport on one UDP socket. Clients and
// replicas can share it; the source address tells them apart.
type UDPTransport struct {
	conn *net.UDPConn
	addr string

	msgCh chan core.Datagram

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewUDPTransport binds listenAddr and starts reading from it. Use
// "127.0.0.1:0" to let the OS pick a port, then call Addr.
func NewUDPTransport(listenAddr string, logger *slog.Logger) (*UDPTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp addr: %w", err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp on %s: %w", listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:   conn,
		addr:   conn.LocalAddr().String(),
		msgCh:  make(chan core.Datagram, 256),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	t.wg.Add(1)
	go t.readLoop()

	t.logger.Info("UDP transport listening", "addr", t.addr)

	return t, nil
}

func (t *UDPTransport) Addr() string {
	return t.addr
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.msgCh)

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.ctx.Err() != nil {
				return
			}
			t.logger.Error("read error", "error", err)
			continue
		}

		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		d := core.Datagram{
			From: from.String(),
			Data: append([]byte(nil), buf[:n]...),
		}

		select {
		case t.msgCh <- d:
		case <-t.ctx.Done():
			return
		}
	}
}

// Send writes data as one datagram to addr.
func (t *UDPTransport) Send(ctx context.Context, addr string, data []byte) error {
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("datagram of %d bytes exceeds %d", len(data), MaxDatagramSize)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	to, err := resolve(addr)
	if err != nil {
		return err
	}

	if _, err := t.conn.WriteToUDPAddrPort(data, to); err != nil {
		return fmt.Errorf("write to %s: %w", addr, err)
	}
	return nil
}

// Subscribe returns the channel of received datagrams. It is closed when
// the transport closes.
// MaxMessageSize implements core.Limited.
func (t *UDPTransport) MaxMessageSize() int {
	return MaxDatagramSize
}

func (t *UDPTransport) Subscribe() <-chan core.Datagram {
	return t.msgCh
}

func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

func resolve(addr string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap, nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", addr, err)
	}
	return udpAddr.AddrPort(), nil
}
