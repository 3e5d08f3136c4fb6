package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/skylink/internal/core"
)

const defaultWriteTimeout = 5 * time.Second

// Sender transmits framed commands.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

// TCPLinkConfig configures a TCPLink.
type TCPLinkConfig struct {
	Mode         string // "listen" or "dial"
	Address      string
	WriteTimeout time.Duration
}

// TCPLink writes framed commands to a ground station socket. In dial mode it connects
// on first use and again after a failed write; in listen mode Run accepts connections
// and the most recent one is used.
type TCPLink struct {
	cfg TCPLinkConfig

	mu       sync.Mutex
	conn     net.Conn
	listener net.Listener

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewTCPLink validates cfg and creates the link.
func NewTCPLink(cfg TCPLinkConfig) (*TCPLink, error) {
	if cfg.Mode != "listen" && cfg.Mode != "dial" {
		return nil, fmt.Errorf("uplink mode must be listen or dial, got %q", cfg.Mode)
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("uplink address is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &TCPLink{cfg: cfg}, nil
}

// Run accepts ground station connections in listen mode until ctx is done. In dial
// mode it only waits for ctx. Either way the open connection is closed on return.
func (l *TCPLink) Run(ctx context.Context) error {
	defer l.closeConn()
	if l.cfg.Mode == "dial" {
		<-ctx.Done()
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.cfg.Address, err)
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	slog.Info("uplink listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		slog.Info("uplink connected", "remote", conn.RemoteAddr().String())
		l.mu.Lock()
		if l.conn != nil {
			l.conn.Close()
		}
		l.conn = conn
		l.mu.Unlock()
	}
}

// Addr returns the bound address in listen mode once Run has started.
func (l *TCPLink) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Connected reports whether a connection is open.
func (l *TCPLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Send implements Sender. A failed write closes the connection.
func (l *TCPLink) Send(ctx context.Context, frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil && l.cfg.Mode == "dial" {
		d := net.Dialer{Timeout: l.cfg.WriteTimeout}
		conn, err := d.DialContext(ctx, "tcp", l.cfg.Address)
		if err != nil {
			l.failed.Add(1)
			return fmt.Errorf("%w: %v", core.ErrUplinkDown, err)
		}
		slog.Info("uplink connected", "remote", conn.RemoteAddr().String())
		l.conn = conn
	}
	if l.conn == nil {
		l.failed.Add(1)
		return core.ErrUplinkDown
	}

	deadline := time.Now().Add(l.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = l.conn.SetWriteDeadline(deadline)
	if _, err := l.conn.Write(frame); err != nil {
		l.failed.Add(1)
		l.conn.Close()
		l.conn = nil
		return fmt.Errorf("uplink write failed: %w", err)
	}
	l.sent.Add(1)
	return nil
}

// Counts returns the number of frames sent and failed.
func (l *TCPLink) Counts() (sent, failed uint64) {
	return l.sent.Load(), l.failed.Load()
}

func (l *TCPLink) closeConn() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}
