package conn

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"

	"github.com/glasschat/glasschat/internal/keystream"
	"github.com/glasschat/glasschat/internal/logging"
	"github.com/glasschat/glasschat/internal/protocol"
	"github.com/glasschat/glasschat/internal/wire"
)

// Active is the client side of a connection: it drives the client state
// machine over a transport. The mutex serializes the transport between
// the user-initiated send path and a background poll loop, so a
// request/response exchange is never interleaved.
type Active struct {
	mu     sync.Mutex
	framer Framer
	user   protocol.UserData
	state  protocol.ClientState
	logger *slog.Logger
}

// NewActive wraps an established transport in a client driver. The
// transport is consumed; callers interact through the driver only.
func NewActive(c net.Conn, user protocol.UserData, logger *slog.Logger) *Active {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Active{
		framer: NewFramer(c),
		user:   user,
		state:  protocol.StartState{},
		logger: logger,
	}
}

// bailout records the failure, closes the transport, and returns the
// classified error.
func (a *Active) bailout(message string) error {
	a.state = protocol.ClientErrorState{Message: message}
	a.framer.Close()
	return classifyServerError(message)
}

// readMessage reads and decodes one server frame. Server errors and
// undecodable frames are fatal.
func (a *Active) readMessage() (wire.ServerMessage, error) {
	raw, err := a.framer.ReadFrame()
	if err != nil {
		return nil, a.bailout(fmt.Sprintf("transport read failed: %v", err))
	}
	msg, err := wire.ParseServerMessage(raw)
	if err != nil {
		return nil, a.bailout("got unknown message")
	}
	a.logger.Debug("received frame", logging.KeyFrame, wire.ServerMessageName(msg))
	if se, ok := msg.(wire.ServerError); ok {
		return nil, a.bailout(se.Text)
	}
	return msg, nil
}

func (a *Active) writeMessage(msg wire.ClientMessage) error {
	data, err := wire.EncodeClientMessage(msg)
	if err != nil {
		return a.bailout(fmt.Sprintf("encode failed: %v", err))
	}
	if err := a.framer.WriteFrame(data); err != nil {
		return a.bailout(fmt.Sprintf("transport write failed: %v", err))
	}
	a.logger.Debug("sent frame", logging.KeyFrame, wire.ClientMessageName(msg))
	return nil
}

// Handshake performs the authentication and key exchange. On success
// the connection is established and Read/Write become available. On
// failure the returned error is ErrUnknownUser, ErrIncorrectPassword,
// or a *ProtocolError, and the transport is closed.
func (a *Active) Handshake() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	msg, next := protocol.ClientInit(a.state, a.user)
	if _, ok := next.(protocol.NonceRequested); !ok {
		return a.bailout("failure setting up connection at username transfer")
	}
	a.state = next
	if err := a.writeMessage(msg); err != nil {
		return err
	}

	for {
		serverMsg, err := a.readMessage()
		if err != nil {
			return err
		}

		answer, next := protocol.ClientStep(a.state, serverMsg, a.user)
		if err := a.writeMessage(answer); err != nil {
			return err
		}
		a.state = next

		if es, ok := a.state.(protocol.ClientErrorState); ok {
			return a.bailout(es.Message)
		}
		if _, ok := a.state.(protocol.ClientDiffieDone); ok {
			// One more frame is owed: the server's key-exchange
			// acknowledgement.
			final, err := a.readMessage()
			if err != nil {
				return err
			}
			if _, ok := final.(wire.DiffieOk); !ok {
				return a.bailout(fmt.Sprintf("expected key exchange acknowledgement, got %s", wire.ServerMessageName(final)))
			}
			return nil
		}
	}
}

// established returns the keystream state, or nil when the connection
// is not in the established state.
func (a *Active) established() *protocol.ClientDiffieDone {
	if s, ok := a.state.(protocol.ClientDiffieDone); ok {
		return &s
	}
	return nil
}

// IsOpen reports whether the connection is established and usable for
// application data.
func (a *Active) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.established() != nil
}

// Key returns the negotiated session secret, or nil before the
// handshake completes.
func (a *Active) Key() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s := a.established(); s != nil {
		return s.Key
	}
	return nil
}

func (a *Active) write(text string) error {
	s := a.established()
	if s == nil {
		return a.bailout(fmt.Sprintf("called write in wrong state (%s)", a.state.Name()))
	}
	raw := []byte(text)
	encrypted := keystream.XORBytes(raw, s.Keystream.Gamma(len(raw)))
	return a.writeMessage(wire.ClientData{Data: base64.StdEncoding.EncodeToString(encrypted)})
}

func (a *Active) read() (string, error) {
	s := a.established()
	if s == nil {
		return "", a.bailout(fmt.Sprintf("called read in wrong state (%s)", a.state.Name()))
	}
	msg, err := a.readMessage()
	if err != nil {
		return "", err
	}
	cg, ok := msg.(wire.ServerCryptogramm)
	if !ok {
		return "", a.bailout(fmt.Sprintf("expected cryptogramm, got %s", wire.ServerMessageName(msg)))
	}
	raw, err := base64.StdEncoding.DecodeString(cg.Content)
	if err != nil {
		return "", a.bailout("cryptogramm is not valid base64")
	}
	return string(keystream.XORBytes(raw, s.Keystream.Gamma(len(raw)))), nil
}

// Write encrypts and sends one application payload.
func (a *Active) Write(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.write(text)
}

// Read receives and decrypts one application payload.
func (a *Active) Read() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.read()
}

// Exchange sends one payload and reads the reply as a single atomic
// request/response pair.
func (a *Active) Exchange(text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.write(text); err != nil {
		return "", err
	}
	return a.read()
}

// SayGoodbye announces a clean shutdown and closes the transport.
func (a *Active) SayGoodbye() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.established() == nil {
		return a.bailout(fmt.Sprintf("called goodbye in wrong state (%s)", a.state.Name()))
	}
	if err := a.writeMessage(wire.ClientGoodbye{}); err != nil {
		return err
	}
	a.state = protocol.ClientClosed{}
	return a.framer.Close()
}
