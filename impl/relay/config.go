package relay

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/usernamenenad/ordered-chat/core"
)

// Replica is one line of the replica config file. Forward is where other
// replicas send to; Bind is the local socket address. They are equal unless
// the line names both.
type Replica struct {
	Id      core.ReplicaId
	Forward string
	Bind    string
}

// PeerAddr returns the forward host with its port shifted by offset. It is
// the address of the replica's peer-plane transport when that transport
// does not share the client socket.
func (r Replica) PeerAddr(offset int) (string, error) {
	return shiftPort(r.Forward, offset)
}

// PeerBindAddr is PeerAddr for the bind address.
func (r Replica) PeerBindAddr(offset int) (string, error) {
	return shiftPort(r.Bind, offset)
}

// Config is the static replica membership shared by every replica.
type Config struct {
	Replicas []Replica
}

func NewConfig(replicas []Replica) *Config {
	return &Config{
		Replicas: replicas,
	}
}

// N is the number of replicas, which is also the number of proposals a
// total-order message needs.
func (c *Config) N() int {
	return len(c.Replicas)
}

// Replica returns the replica with the given 1-based id.
func (c *Config) Replica(id core.ReplicaId) (Replica, bool) {
	idx := int(id) - 1
	if idx < 0 || idx >= len(c.Replicas) {
		return Replica{}, false
	}
	return c.Replicas[idx], true
}

// Resolve maps a datagram source to the replica that sent it. Both forward
// and bind addresses match.
func (c *Config) Resolve(addr string) (Replica, bool) {
	for _, r := range c.Replicas {
		if r.Forward == addr || r.Bind == addr {
			return r, true
		}
	}
	return Replica{}, false
}

// ForwardAddrs lists every replica's forward address in id order.
func (c *Config) ForwardAddrs() []string {
	addrs := make([]string, len(c.Replicas))
	for i, r := range c.Replicas {
		addrs[i] = r.Forward
	}
	return addrs
}

// WithPeerOffset returns a copy of the config whose addresses point at the
// peer-plane transports.
func (c *Config) WithPeerOffset(offset int) (*Config, error) {
	replicas := make([]Replica, len(c.Replicas))
	for i, r := range c.Replicas {
		fwd, err := r.PeerAddr(offset)
		if err != nil {
			return nil, err
		}
		bind, err := r.PeerBindAddr(offset)
		if err != nil {
			return nil, err
		}
		replicas[i] = Replica{Id: r.Id, Forward: fwd, Bind: bind}
	}
	return NewConfig(replicas), nil
}

// LoadConfig reads the replica config file at path.
func LoadConfig(path string, logger *slog.Logger) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	return ParseConfig(f, logger)
}

// ParseConfig reads one `forward[,bind]` replica per line. Blank and
// malformed lines are skipped and logged; the replica id is the position
// among the accepted lines.
func ParseConfig(r io.Reader, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var replicas []Replica
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			logger.Warn("empty line in config", "line", lineNo)
			continue
		}

		forward, bind := splitForwardBind(line)
		if err := checkAddrPort(forward); err != nil {
			logger.Error("invalid forward address", "line", lineNo, "error", err)
			continue
		}
		if err := checkAddrPort(bind); err != nil {
			logger.Error("invalid bind address", "line", lineNo, "error", err)
			continue
		}

		replicas = append(replicas, Replica{
			Id:      core.ReplicaId(len(replicas) + 1),
			Forward: forward,
			Bind:    bind,
		})
		logger.Debug("replica configured", "forward", forward, "bind", bind)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if len(replicas) == 0 {
		return nil, fmt.Errorf("config names no replicas")
	}

	return NewConfig(replicas), nil
}

func splitForwardBind(line string) (string, string) {
	forward, bind, found := strings.Cut(line, ",")
	if !found {
		return line, line
	}
	return strings.TrimSpace(forward), strings.TrimSpace(bind)
}

func checkAddrPort(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return err
	}
	if net.ParseIP(host) == nil {
		return fmt.Errorf("%q is not an IP address", host)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("%q is not a valid port", port)
	}
	return nil
}

func shiftPort(addr string, offset int) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("split %s: %w", addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("port of %s: %w", addr, err)
	}
	p += offset
	if p <= 0 || p > 65535 {
		return "", fmt.Errorf("port %d of %s out of range after offset %d", p, addr, offset)
	}
	return net.JoinHostPort(host, strconv.Itoa(p)), nil
}
