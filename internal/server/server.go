// Package server implements the chat server: it accepts connections,
// runs the passive handshake driver on each, and serves the inner chat
// protocol over the established encrypted channel.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/glasschat/glasschat/internal/chat"
	"github.com/glasschat/glasschat/internal/config"
	"github.com/glasschat/glasschat/internal/conn"
	"github.com/glasschat/glasschat/internal/dhparams"
	"github.com/glasschat/glasschat/internal/directory"
	"github.com/glasschat/glasschat/internal/logging"
	"github.com/glasschat/glasschat/internal/metrics"
	"github.com/glasschat/glasschat/internal/protocol"
	"github.com/glasschat/glasschat/internal/transport"
)

// Server is the chat server. Create with New, run with Start, shut
// down with Stop.
type Server struct {
	cfg     config.ServerConfig
	world   protocol.World
	log     *chat.Log
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	listener   transport.Listener
	metricsSrv *http.Server

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a server over the given user directory. The
// Diffie-Hellman group is generated here, before any listener binds;
// it is the expensive part of startup and is done exactly once.
func New(cfg config.ServerConfig, dir directory.Directory, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}

	start := time.Now()
	params, err := dhparams.Generate(cfg.PrimeBits, cfg.RootBits)
	if err != nil {
		return nil, fmt.Errorf("generate group parameters: %w", err)
	}
	logger.Info("built group parameters",
		logging.KeyDuration, time.Since(start),
		"prime_bits", cfg.PrimeBits)

	var limiter *rate.Limiter
	if cfg.AcceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}

	return &Server{
		cfg: cfg,
		world: protocol.DirectoryWorld{
			Directory: dir,
			Params:    params,
		},
		log:     chat.NewLog(),
		logger:  logger,
		metrics: m,
		limiter: limiter,
	}, nil
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("server already started")
	}

	kind, err := transport.ParseKind(s.cfg.Transport)
	if err != nil {
		return err
	}
	ln, err := transport.Listen(kind, s.cfg.Listen)
	if err != nil {
		return err
	}
	s.listener = ln
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.logger.Info("serving",
		logging.KeyAddress, ln.Addr().String(),
		logging.KeyTransport, string(kind))

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

// ServeMetrics exposes the Prometheus registry over HTTP. Call after
// Start; the endpoint lives until Stop.
func (s *Server) ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.metricsSrv = &http.Server{Handler: mux}
	srv := s.metricsSrv
	s.mu.Unlock()

	s.logger.Info("metrics endpoint up", logging.KeyAddress, ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", logging.KeyError, err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, for tests and logs.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections, up to
// the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	s.listener.Close()
	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		c, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", logging.KeyError, err)
			continue
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.ConnectionsThrottled.Inc()
			if err := s.limiter.Wait(ctx); err != nil {
				c.Close()
				return
			}
		}

		s.metrics.ConnectionsTotal.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, c)
		}()
	}
}

// handleConn runs one connection from handshake to goodbye.
func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	logger := s.logger.With(logging.KeyRemoteAddr, c.RemoteAddr().String())

	s.metrics.ConnectionsActive.Inc()
	defer s.metrics.ConnectionsActive.Dec()
	defer c.Close()

	// Tear the connection down if we are asked to stop mid-session.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	p := conn.NewPassive(c, s.world, logger)

	start := time.Now()
	if err := p.Handshake(); err != nil {
		s.metrics.HandshakeFailures.WithLabelValues(failureReason(err)).Inc()
		logger.Info("handshake failed", logging.KeyError, err)
		return
	}
	s.metrics.HandshakesTotal.Inc()
	s.metrics.HandshakeDuration.Observe(time.Since(start).Seconds())

	username := p.Username()
	logger = logger.With(logging.KeyUser, username)
	logger.Info("session established")

	for {
		text, ok, err := p.ReadMessage()
		if err != nil {
			logger.Info("session aborted", logging.KeyError, err)
			return
		}
		if !ok {
			logger.Info("session closed")
			return
		}

		req, err := chat.ParseRequest([]byte(text))
		if err != nil {
			s.metrics.UnknownRequests.Inc()
			logger.Warn("unknown chat request", logging.KeyError, err)
			return
		}

		switch r := req.(type) {
		case chat.WriteRequest:
			s.log.Append(chat.Message{Author: username, Content: r.Content})
			s.metrics.MessagesWritten.Inc()
			logger.Info("message written", logging.KeyCount, s.log.Len())
			if err := p.WriteMessage(string(chat.EncodeAck())); err != nil {
				logger.Warn("reply failed", logging.KeyError, err)
				return
			}
		case chat.ReadRequest:
			s.metrics.ReadRequests.Inc()
			data, err := chat.EncodeMessages(s.log.Snapshot())
			if err != nil {
				logger.Error("encode message list failed", logging.KeyError, err)
				return
			}
			if err := p.WriteMessage(string(data)); err != nil {
				logger.Warn("reply failed", logging.KeyError, err)
				return
			}
		}
	}
}

// failureReason maps a handshake failure to a metrics label. On the
// server side the canonical error text is all there is to go on.
func failureReason(err error) string {
	switch {
	case strings.Contains(err.Error(), protocol.ErrTextUnknownUser):
		return metrics.ReasonUnknownUser
	case strings.Contains(err.Error(), protocol.ErrTextWrongPassword):
		return metrics.ReasonWrongPassword
	default:
		return metrics.ReasonProtocol
	}
}
