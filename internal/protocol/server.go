package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/glasschat/glasschat/internal/directory"
	"github.com/glasschat/glasschat/internal/dhparams"
	"github.com/glasschat/glasschat/internal/keystream"
	"github.com/glasschat/glasschat/internal/wire"
)

// nonceSize is the challenge size in raw bytes (64 hex characters on
// the wire).
const nonceSize = 32

// ServerState is the tagged state of the server side of a connection.
type ServerState interface {
	Name() string
}

// ServerStart is the initial server state for an inbound connection.
type ServerStart struct{}

// TaskRequested holds the issued challenge. The nonce is one-shot: it
// lives only in this state and is discarded on transition.
type TaskRequested struct {
	Nonce    string
	Username string
}

// PasswordSolved means the challenge answer checked out and the server's
// key-exchange offer is on the wire.
type PasswordSolved struct {
	Username     string
	G            *big.Int
	P            *big.Int
	ServerSecret *big.Int
}

// ServerDiffieDone is the established state. It is the only server
// state that exposes a keystream.
type ServerDiffieDone struct {
	Username  string
	SharedKey *big.Int
	Keystream *keystream.Generator
}

// ServerErrorState is terminal; Message describes the failure.
type ServerErrorState struct {
	Message string
}

// ServerClosed is terminal after a client goodbye.
type ServerClosed struct{}

func (ServerStart) Name() string      { return "Start" }
func (TaskRequested) Name() string    { return "TaskRequested" }
func (PasswordSolved) Name() string   { return "PasswordSolved" }
func (ServerDiffieDone) Name() string { return "DiffieDone" }
func (ServerErrorState) Name() string { return "ErrorState" }
func (ServerClosed) Name() string     { return "Closed" }

// Canonical error substrings. Clients classify failures by matching
// these against ServerError text, so they are part of the wire contract.
const (
	ErrTextUnknownUser   = "user does not exist"
	ErrTextWrongPassword = "wrong hash answer"
)

// serverError builds the error transition: an error frame carrying the
// canonical text and a terminal state.
func serverError(state ServerState, message string) (wire.ServerMessage, ServerState) {
	return wire.ServerError{
		Text: fmt.Sprintf("error: %s; was in %s", message, state.Name()),
	}, ServerErrorState{Message: message}
}

// ServerStep advances the server state machine on a received client
// frame. The handshake sends exactly one reply per received frame.
func ServerStep(state ServerState, msg wire.ClientMessage, world World) (wire.ServerMessage, ServerState) {
	switch m := msg.(type) {
	case wire.ConnectRequest:
		s, ok := state.(ServerStart)
		if !ok {
			return serverError(state, "did not expect connect request")
		}
		return s.onConnectRequest(m, world)

	case wire.HashAnswer:
		s, ok := state.(TaskRequested)
		if !ok {
			return serverError(state, "did not expect hash answer")
		}
		return s.onHashAnswer(m, world)

	case wire.DiffieAnswer:
		s, ok := state.(PasswordSolved)
		if !ok {
			return serverError(state, "did not expect diffie answer")
		}
		return s.onDiffieAnswer(m)

	default:
		return serverError(state, "got unknown message")
	}
}

func (s ServerStart) onConnectRequest(m wire.ConnectRequest, world World) (wire.ServerMessage, ServerState) {
	exists, err := world.HasUser(m.Username)
	if err != nil {
		return serverError(s, "internal error")
	}
	if !exists {
		return serverError(s, ErrTextUnknownUser)
	}

	raw := make([]byte, nonceSize)
	if _, err := rand.Read(raw); err != nil {
		return serverError(s, "internal error")
	}
	nonce := hex.EncodeToString(raw)

	return wire.Nonce{Nonce: nonce}, TaskRequested{Nonce: nonce, Username: m.Username}
}

func (s TaskRequested) onHashAnswer(m wire.HashAnswer, world World) (wire.ServerMessage, ServerState) {
	hash, err := world.PasswordHash(s.Username)
	if err != nil {
		return serverError(s, "internal error")
	}
	expected := directory.SolveChallenge(hash, s.Nonce)
	if m.Answer != expected {
		return serverError(s, ErrTextWrongPassword)
	}

	params, err := world.DiffieParams(s.Username)
	if err != nil {
		return serverError(s, "internal error")
	}
	secret, err := dhparams.RandomSecret(params.P)
	if err != nil {
		return serverError(s, "internal error")
	}
	public := modExp(params.G, secret, params.P)

	return wire.DiffieRequest{
			G:                 params.G,
			P:                 params.P,
			ServerPublicValue: public,
		}, PasswordSolved{
			Username:     s.Username,
			G:            params.G,
			P:            params.P,
			ServerSecret: secret,
		}
}

func (s PasswordSolved) onDiffieAnswer(m wire.DiffieAnswer) (wire.ServerMessage, ServerState) {
	shared := modExp(m.ClientPublicValue, s.ServerSecret, s.P)
	return wire.DiffieOk{}, ServerDiffieDone{
		Username:  s.Username,
		SharedKey: shared,
		Keystream: keystream.New(shared),
	}
}
