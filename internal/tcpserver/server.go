// ABOUTME: TCP listener: accepts connections and supervises per-connection goroutines
// ABOUTME: Graceful shutdown broadcasts a notice, drains, then closes sockets

package tcpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lairchat/lair/internal/chat"
	"github.com/lairchat/lair/internal/event"
	"github.com/lairchat/lair/internal/session"
	"github.com/lairchat/lair/internal/wire"
)

// Config holds TCP adapter settings. Zero fields take defaults.
type Config struct {
	Addr       string
	MaxFrame   int           // maximum frame payload length, default 1 MiB
	DrainGrace time.Duration // shutdown drain window, default 10s
}

func (c Config) withDefaults() Config {
	if c.MaxFrame == 0 {
		c.MaxFrame = wire.DefaultMaxFrame
	}
	if c.DrainGrace == 0 {
		c.DrainGrace = 10 * time.Second
	}
	return c
}

// Server accepts TCP connections and runs one state machine per socket.
type Server struct {
	engine   *chat.Engine
	sessions *session.Manager
	registry *Registry
	cfg      Config
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a TCP server bound to the engine and session manager.
func New(engine *chat.Engine, sessions *session.Manager, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   engine,
		sessions: sessions,
		registry: NewRegistry(),
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "tcp"),
	}
}

// ConnectionCount reports the number of operational connections.
func (s *Server) ConnectionCount() int {
	return s.registry.Count()
}

// Run listens and serves until ctx is cancelled, then drains gracefully:
// stop accepting, broadcast the shutdown notice, wait out the drain window,
// close remaining sockets.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("TCP server listening", "addr", s.cfg.Addr)

	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		nc, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(connCtx, nc)
	}

	s.shutdown(cancelConns)
	return nil
}

// shutdown broadcasts the notice, waits for the drain window, then cancels
// every connection and waits for their goroutines.
func (s *Server) shutdown(cancelConns context.CancelFunc) {
	s.logger.Info("TCP server draining", "connections", s.registry.Count())

	s.engine.Dispatcher().Publish(event.BroadcastTopic, event.Event{
		ID:   uuid.New().String(),
		Type: event.TypeShutdown,
		At:   time.Now(),
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.DrainGrace):
		s.logger.Warn("drain window elapsed, closing remaining connections")
	}

	cancelConns()
	for _, c := range s.registry.All() {
		_ = c.nc.Close()
	}
	s.wg.Wait()
	s.logger.Info("TCP server stopped")
}

// handleConn supervises one connection goroutine. A panic is logged and
// closes the owning socket; it never crashes the process.
func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()

	c := newConn(nc, s)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("connection panic",
				"panic", r,
				"stack", string(debug.Stack()))
		}
		_ = nc.Close()
	}()

	c.run(ctx)
}
