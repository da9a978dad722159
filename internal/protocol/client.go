package protocol

import (
	"fmt"
	"math/big"

	"github.com/glasschat/glasschat/internal/directory"
	"github.com/glasschat/glasschat/internal/dhparams"
	"github.com/glasschat/glasschat/internal/keystream"
	"github.com/glasschat/glasschat/internal/wire"
)

// ClientState is the tagged state of the client side of a connection.
type ClientState interface {
	// Name returns the state's wire-visible name, used in error
	// frames.
	Name() string
}

// StartState is the initial client state, before any frame is sent.
type StartState struct{}

// NonceRequested means the connect request is out and the client waits
// for the server's challenge.
type NonceRequested struct{}

// DiffieStarted means the challenge answer is out and the client waits
// for the server's key-exchange offer.
type DiffieStarted struct{}

// ClientDiffieDone is the established state. It is the only client
// state that exposes a keystream.
type ClientDiffieDone struct {
	Key       *big.Int
	Keystream *keystream.Generator
}

// ClientErrorState is terminal; Message describes the failure.
type ClientErrorState struct {
	Message string
}

// ClientClosed is terminal after a clean goodbye.
type ClientClosed struct{}

func (StartState) Name() string       { return "StartState" }
func (NonceRequested) Name() string   { return "NonceRequested" }
func (DiffieStarted) Name() string    { return "DiffieStarted" }
func (ClientDiffieDone) Name() string { return "DiffieDone" }
func (ClientErrorState) Name() string { return "ErrorState" }
func (ClientClosed) Name() string     { return "Closed" }

// clientError builds the error transition: an error frame for the peer
// and a terminal state recording the failure.
func clientError(state ClientState, message string) (wire.ClientMessage, ClientState) {
	return wire.ClientError{
		Message: fmt.Sprintf("client error: %s; was in %s", message, state.Name()),
	}, ClientErrorState{Message: message}
}

// ClientInit starts the handshake from StartState: it emits the connect
// request and advances to NonceRequested.
func ClientInit(state ClientState, user UserData) (wire.ClientMessage, ClientState) {
	if _, ok := state.(StartState); !ok {
		return clientError(state, "did not expect init here")
	}
	return wire.ConnectRequest{Username: user.Username}, NonceRequested{}
}

// ClientStep advances the client state machine on a received server
// frame. Any message unexpected in the current state produces an error
// transition.
func ClientStep(state ClientState, msg wire.ServerMessage, user UserData) (wire.ClientMessage, ClientState) {
	switch m := msg.(type) {
	case wire.Nonce:
		if _, ok := state.(NonceRequested); !ok {
			return clientError(state, "did not expect nonce")
		}
		answer := directory.SolveChallenge(user.PasswordHash, m.Nonce)
		return wire.HashAnswer{Answer: answer}, DiffieStarted{}

	case wire.DiffieRequest:
		if _, ok := state.(DiffieStarted); !ok {
			return clientError(state, "did not expect diffie request")
		}
		secret, err := dhparams.RandomSecret(m.P)
		if err != nil {
			return clientError(state, "could not draw key exchange secret")
		}
		public := modExp(m.G, secret, m.P)
		key := modExp(m.ServerPublicValue, secret, m.P)
		return wire.DiffieAnswer{ClientPublicValue: public}, ClientDiffieDone{
			Key:       key,
			Keystream: keystream.New(key),
		}

	case wire.DiffieOk:
		return clientError(state, "did not expect diffie ok")

	default:
		return clientError(state, fmt.Sprintf("got unexpected message %s", wire.ServerMessageName(msg)))
	}
}
