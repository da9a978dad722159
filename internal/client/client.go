// Package client implements the chat client: credential validation,
// connection and handshake, and the request/response helpers the
// interactive surface is a thin shell around.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glasschat/glasschat/internal/chat"
	"github.com/glasschat/glasschat/internal/config"
	"github.com/glasschat/glasschat/internal/conn"
	"github.com/glasschat/glasschat/internal/directory"
	"github.com/glasschat/glasschat/internal/logging"
	"github.com/glasschat/glasschat/internal/protocol"
	"github.com/glasschat/glasschat/internal/transport"
)

// Validation and connection failures.
var (
	ErrEmptyUsername   = errors.New("username cannot be empty")
	ErrEmptyPassword   = errors.New("password cannot be empty")
	ErrCouldNotConnect = errors.New("could not connect to server")
)

// Client dials and authenticates sessions against one server.
type Client struct {
	cfg    config.ClientConfig
	hasher directory.Hasher
	logger *slog.Logger
}

// New creates a client for the configured server.
func New(cfg config.ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Client{
		cfg:    cfg,
		hasher: directory.SHA1Hasher{},
		logger: logger,
	}
}

// Login validates the credentials, connects, and performs the
// handshake. Empty usernames and passwords are rejected before any
// bytes are sent.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	if username == "" {
		return nil, ErrEmptyUsername
	}
	if password == "" {
		return nil, ErrEmptyPassword
	}

	kind, err := transport.ParseKind(c.cfg.Transport)
	if err != nil {
		return nil, err
	}
	tc, err := transport.Dial(ctx, kind, c.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCouldNotConnect, err)
	}

	active := conn.NewActive(tc, protocol.UserData{
		Username:     username,
		PasswordHash: c.hasher.Hash(password),
	}, c.logger)

	if err := active.Handshake(); err != nil {
		return nil, err
	}

	c.logger.Info("session established",
		logging.KeyUser, username,
		logging.KeyAddress, c.cfg.Server)

	return &Session{conn: active, username: username}, nil
}

// Session is an authenticated connection to the chat server.
type Session struct {
	conn     *conn.Active
	username string
}

// Username returns the name this session authenticated as.
func (s *Session) Username() string {
	return s.username
}

// IsOpen reports whether the session is usable.
func (s *Session) IsOpen() bool {
	return s.conn.IsOpen()
}

// Send appends one chat message and waits for the acknowledgement.
func (s *Session) Send(content string) error {
	req, err := chat.EncodeRequest(chat.WriteRequest{Content: content})
	if err != nil {
		return err
	}
	reply, err := s.conn.Exchange(string(req))
	if err != nil {
		return err
	}
	if reply != `"ack"` {
		return fmt.Errorf("unexpected write reply %q", reply)
	}
	return nil
}

// Poll fetches the current message list.
func (s *Session) Poll() ([]chat.Message, error) {
	req, err := chat.EncodeRequest(chat.ReadRequest{})
	if err != nil {
		return nil, err
	}
	reply, err := s.conn.Exchange(string(req))
	if err != nil {
		return nil, err
	}
	return chat.DecodeMessages([]byte(reply))
}

// Close says goodbye and releases the transport.
func (s *Session) Close() error {
	if !s.conn.IsOpen() {
		return nil
	}
	return s.conn.SayGoodbye()
}

// FailureMessage renders a login failure the way the client surfaces
// present it.
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, conn.ErrUnknownUser):
		return "unknown user"
	case errors.Is(err, conn.ErrIncorrectPassword):
		return "incorrect password"
	case errors.Is(err, ErrCouldNotConnect):
		return "could not connect to server"
	case errors.Is(err, ErrEmptyUsername):
		return "username cannot be empty"
	case errors.Is(err, ErrEmptyPassword):
		return "password cannot be empty"
	default:
		return fmt.Sprintf("other connection error: %v", err)
	}
}
