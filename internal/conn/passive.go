package conn

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"net"

	"github.com/glasschat/glasschat/internal/keystream"
	"github.com/glasschat/glasschat/internal/logging"
	"github.com/glasschat/glasschat/internal/protocol"
	"github.com/glasschat/glasschat/internal/wire"
)

// Passive is the server side of a connection: it drives the server
// state machine over an accepted transport. One goroutine owns a
// Passive; it is not shared.
type Passive struct {
	framer Framer
	world  protocol.World
	state  protocol.ServerState
	logger *slog.Logger
}

// NewPassive wraps an accepted transport in a server driver.
func NewPassive(c net.Conn, world protocol.World, logger *slog.Logger) *Passive {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Passive{
		framer: NewFramer(c),
		world:  world,
		state:  protocol.ServerStart{},
		logger: logger,
	}
}

func (p *Passive) bailout(message string) error {
	p.state = protocol.ServerErrorState{Message: message}
	p.framer.Close()
	return &ProtocolError{Text: message}
}

// readMessage reads and decodes one client frame. Client errors and
// undecodable frames are fatal.
func (p *Passive) readMessage() (wire.ClientMessage, error) {
	raw, err := p.framer.ReadFrame()
	if err != nil {
		return nil, p.bailout(fmt.Sprintf("transport read failed: %v", err))
	}
	msg, err := wire.ParseClientMessage(raw)
	if err != nil {
		return nil, p.bailout("got unknown message")
	}
	p.logger.Debug("received frame", logging.KeyFrame, wire.ClientMessageName(msg))
	if ce, ok := msg.(wire.ClientError); ok {
		return nil, p.bailout(ce.Message)
	}
	return msg, nil
}

func (p *Passive) writeMessage(msg wire.ServerMessage) error {
	data, err := wire.EncodeServerMessage(msg)
	if err != nil {
		return p.bailout(fmt.Sprintf("encode failed: %v", err))
	}
	if err := p.framer.WriteFrame(data); err != nil {
		return p.bailout(fmt.Sprintf("transport write failed: %v", err))
	}
	p.logger.Debug("sent frame", logging.KeyFrame, wire.ServerMessageName(msg))
	return nil
}

// Handshake runs the server side of the authentication and key
// exchange: one reply per received frame, in order, until the
// connection is established or fails.
func (p *Passive) Handshake() error {
	for {
		msg, err := p.readMessage()
		if err != nil {
			return err
		}

		answer, next := protocol.ServerStep(p.state, msg, p.world)
		if err := p.writeMessage(answer); err != nil {
			return err
		}
		p.state = next

		if es, ok := p.state.(protocol.ServerErrorState); ok {
			return p.bailout(es.Message)
		}
		if _, ok := p.state.(protocol.ServerDiffieDone); ok {
			return nil
		}
	}
}

func (p *Passive) established() *protocol.ServerDiffieDone {
	if s, ok := p.state.(protocol.ServerDiffieDone); ok {
		return &s
	}
	return nil
}

// Username returns the authenticated username after a successful
// handshake.
func (p *Passive) Username() string {
	if s := p.established(); s != nil {
		return s.Username
	}
	return ""
}

// SharedKey returns the negotiated session secret, or nil before the
// handshake completes.
func (p *Passive) SharedKey() *big.Int {
	if s := p.established(); s != nil {
		return s.SharedKey
	}
	return nil
}

// ReadMessage receives and decrypts one application payload. The
// second return is false when the client said goodbye and the
// connection closed cleanly.
func (p *Passive) ReadMessage() (string, bool, error) {
	s := p.established()
	if s == nil {
		return "", false, p.bailout(fmt.Sprintf("called read in wrong state (%s)", p.state.Name()))
	}

	msg, err := p.readMessage()
	if err != nil {
		return "", false, err
	}

	switch m := msg.(type) {
	case wire.ClientGoodbye:
		p.state = protocol.ServerClosed{}
		p.framer.Close()
		return "", false, nil
	case wire.ClientData:
		raw, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			return "", false, p.bailout("client data is not valid base64")
		}
		return string(keystream.XORBytes(raw, s.Keystream.Gamma(len(raw)))), true, nil
	default:
		return "", false, p.bailout(fmt.Sprintf("unexpected message %s after key exchange", wire.ClientMessageName(msg)))
	}
}

// WriteMessage encrypts and sends one application payload.
func (p *Passive) WriteMessage(text string) error {
	s := p.established()
	if s == nil {
		return p.bailout(fmt.Sprintf("called write in wrong state (%s)", p.state.Name()))
	}
	raw := []byte(text)
	encrypted := keystream.XORBytes(raw, s.Keystream.Gamma(len(raw)))
	return p.writeMessage(wire.ServerCryptogramm{Content: base64.StdEncoding.EncodeToString(encrypted)})
}
