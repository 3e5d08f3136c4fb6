package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"firestige.xyz/skylink/internal/framesync"
)

const (
	defaultReadSize       = 64000
	defaultReconnectDelay = 5 * time.Second
)

// TCPConfig configures a TCPSource.
type TCPConfig struct {
	Name           string
	Mode           string // "listen" or "dial"
	Address        string
	Syncer         framesync.Syncer
	ReadSize       int
	ReconnectDelay time.Duration
	MaxFrameSize   int
	StallThreshold int
}

// TCPSource receives the synchronized byte stream from a ground station socket.
// In listen mode it serves one connection at a time; in dial mode it reconnects
// after ReconnectDelay whenever the connection fails.
type TCPSource struct {
	cfg    TCPConfig
	desync *framesync.Desynchronizer

	mu       sync.Mutex
	listener net.Listener
}

// NewTCPSource validates cfg and creates the source.
func NewTCPSource(cfg TCPConfig) (*TCPSource, error) {
	if cfg.Mode != "listen" && cfg.Mode != "dial" {
		return nil, fmt.Errorf("tcp source mode must be listen or dial, got %q", cfg.Mode)
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("tcp source address is required")
	}
	if cfg.Name == "" {
		cfg.Name = "tcp:" + cfg.Address
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = defaultReadSize
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	var opts []framesync.Option
	if cfg.MaxFrameSize > 0 {
		opts = append(opts, framesync.WithMaxFrameSize(cfg.MaxFrameSize))
	}
	if cfg.StallThreshold > 0 {
		opts = append(opts, framesync.WithStallThreshold(cfg.StallThreshold))
	}
	return &TCPSource{
		cfg:    cfg,
		desync: framesync.NewDesynchronizer(cfg.Name, cfg.Syncer, opts...),
	}, nil
}

// Name returns the source name.
func (s *TCPSource) Name() string {
	return s.cfg.Name
}

// SyncStats returns the desynchronizer counters.
func (s *TCPSource) SyncStats() framesync.Stats {
	return s.desync.Stats()
}

// ResetSync drops any partial frame and waits for the next marker.
func (s *TCPSource) ResetSync() {
	if st := s.desync.Stats(); st.Pending > 0 || s.desync.State() == framesync.Synchronized {
		s.desync.Reset()
	}
}

// Addr returns the bound address in listen mode once Frames has started.
func (s *TCPSource) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Frames implements Source.
func (s *TCPSource) Frames(ctx context.Context, out chan<- []byte) error {
	if s.cfg.Mode == "listen" {
		return s.serve(ctx, out)
	}
	return s.dial(ctx, out)
}

func (s *TCPSource) serve(ctx context.Context, out chan<- []byte) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	slog.Info("tcp source listening", "source", s.cfg.Name, "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		s.read(ctx, conn, out)
	}
}

func (s *TCPSource) dial(ctx context.Context, out chan<- []byte) error {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", s.cfg.Address)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("connection refused, retrying", "source", s.cfg.Name, "addr", s.cfg.Address,
				"retry_in", s.cfg.ReconnectDelay, "error", err)
		} else {
			s.read(ctx, conn, out)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

// read drains one connection. A new connection starts a new stream, so any partial
// frame from the previous one is dropped.
func (s *TCPSource) read(ctx context.Context, conn net.Conn, out chan<- []byte) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	slog.Info("tcp source connected", "source", s.cfg.Name, "remote", conn.RemoteAddr().String())
	if st := s.desync.Stats(); st.Pending > 0 || s.desync.State() == framesync.Synchronized {
		s.desync.Reset()
	}

	buf := make([]byte, s.cfg.ReadSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if err := emit(ctx, out, s.desync.Feed(buf[:n])...); err != nil {
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				slog.Warn("tcp source connection closed", "source", s.cfg.Name, "error", err)
			}
			return
		}
	}
}
