package protocol

import (
	"bytes"
	"math/big"
	"strings"
	"testing"

	"github.com/glasschat/glasschat/internal/directory"
	"github.com/glasschat/glasschat/internal/dhparams"
	"github.com/glasschat/glasschat/internal/wire"
)

// testWorld serves a fixed user set and a small hardcoded group.
type testWorld struct {
	users map[string]directory.PasswordHash
}

func (w testWorld) HasUser(username string) (bool, error) {
	_, ok := w.users[username]
	return ok, nil
}

func (w testWorld) PasswordHash(username string) (directory.PasswordHash, error) {
	return w.users[username], nil
}

func (w testWorld) DiffieParams(string) (dhparams.Params, error) {
	// 3 generates the full group modulo the prime 998244353.
	return dhparams.Params{G: big.NewInt(3), P: big.NewInt(998244353)}, nil
}

func newTestWorld(hasher directory.Hasher) testWorld {
	return testWorld{users: map[string]directory.PasswordHash{
		"alice": hasher.Hash("hunter2"),
	}}
}

// runHandshake drives both machines against each other in memory and
// returns the terminal states.
func runHandshake(t *testing.T, user UserData, world World) (ClientState, ServerState) {
	t.Helper()

	var clientState ClientState = StartState{}
	var serverState ServerState = ServerStart{}

	out, clientState := ClientInit(clientState, user)

	for i := 0; i < 8; i++ {
		reply, nextServer := ServerStep(serverState, out, world)
		serverState = nextServer
		if _, ok := serverState.(ServerErrorState); ok {
			return clientState, serverState
		}

		var nextClient ClientState
		out, nextClient = ClientStep(clientState, reply, user)
		clientState = nextClient
		if _, ok := clientState.(ClientErrorState); ok {
			return clientState, serverState
		}
		if _, ok := clientState.(ClientDiffieDone); ok {
			// The client's DiffieAnswer is still outbound; deliver it.
			reply, nextServer = ServerStep(serverState, out, world)
			serverState = nextServer
			if _, ok := reply.(wire.DiffieOk); !ok {
				t.Fatalf("final server reply = %T, want DiffieOk", reply)
			}
			return clientState, serverState
		}
	}
	t.Fatal("handshake did not terminate")
	return clientState, serverState
}

func TestHandshakeSharedKeyAgreement(t *testing.T) {
	hasher := directory.SHA1Hasher{}
	world := newTestWorld(hasher)
	user := UserData{Username: "alice", PasswordHash: hasher.Hash("hunter2")}

	clientState, serverState := runHandshake(t, user, world)

	c, ok := clientState.(ClientDiffieDone)
	if !ok {
		t.Fatalf("client state = %s, want DiffieDone", clientState.Name())
	}
	s, ok := serverState.(ServerDiffieDone)
	if !ok {
		t.Fatalf("server state = %s, want DiffieDone", serverState.Name())
	}

	if c.Key.Cmp(s.SharedKey) != 0 {
		t.Errorf("client key %v != server key %v", c.Key, s.SharedKey)
	}
	if s.Username != "alice" {
		t.Errorf("server username = %q, want alice", s.Username)
	}

	// Both keystreams must agree byte for byte.
	if !bytes.Equal(c.Keystream.Gamma(32), s.Keystream.Gamma(32)) {
		t.Error("client and server keystreams disagree")
	}
}

func TestHandshakeUnknownUser(t *testing.T) {
	hasher := directory.SHA1Hasher{}
	world := newTestWorld(hasher)
	user := UserData{Username: "bob", PasswordHash: hasher.Hash("whatever")}

	out, state := ClientInit(StartState{}, user)
	reply, serverState := ServerStep(ServerStart{}, out, world)

	se, ok := reply.(wire.ServerError)
	if !ok {
		t.Fatalf("reply = %T, want ServerError", reply)
	}
	if !strings.Contains(se.Text, ErrTextUnknownUser) {
		t.Errorf("error text %q does not contain %q", se.Text, ErrTextUnknownUser)
	}
	if _, ok := serverState.(ServerErrorState); !ok {
		t.Errorf("server state = %s, want ErrorState", serverState.Name())
	}
	if _, ok := state.(NonceRequested); !ok {
		t.Errorf("client state = %s, want NonceRequested", state.Name())
	}
}

func TestHandshakeWrongPassword(t *testing.T) {
	hasher := directory.SHA1Hasher{}
	world := newTestWorld(hasher)
	user := UserData{Username: "alice", PasswordHash: hasher.Hash("not-hunter2")}

	_, serverState := runHandshake(t, user, world)

	es, ok := serverState.(ServerErrorState)
	if !ok {
		t.Fatalf("server state = %s, want ErrorState", serverState.Name())
	}
	if !strings.Contains(es.Message, ErrTextWrongPassword) {
		t.Errorf("error %q does not contain %q", es.Message, ErrTextWrongPassword)
	}
}

func TestNonceIsFresh(t *testing.T) {
	hasher := directory.SHA1Hasher{}
	world := newTestWorld(hasher)

	msg1, _ := ServerStep(ServerStart{}, wire.ConnectRequest{Username: "alice"}, world)
	msg2, _ := ServerStep(ServerStart{}, wire.ConnectRequest{Username: "alice"}, world)

	n1 := msg1.(wire.Nonce)
	n2 := msg2.(wire.Nonce)
	if len(n1.Nonce) != 64 {
		t.Errorf("nonce length = %d hex chars, want 64", len(n1.Nonce))
	}
	if n1.Nonce == n2.Nonce {
		t.Error("two connections received the same nonce")
	}
}

func TestServerRejectsOutOfOrderMessages(t *testing.T) {
	hasher := directory.SHA1Hasher{}
	world := newTestWorld(hasher)

	tests := []struct {
		name  string
		state ServerState
		msg   wire.ClientMessage
	}{
		{"hash answer in start", ServerStart{}, wire.HashAnswer{Answer: "ff"}},
		{"diffie answer in start", ServerStart{}, wire.DiffieAnswer{ClientPublicValue: big.NewInt(4)}},
		{"connect in task requested", TaskRequested{Nonce: "aa", Username: "alice"}, wire.ConnectRequest{Username: "alice"}},
		{"data before key exchange", ServerStart{}, wire.ClientData{Data: "aGk="}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, next := ServerStep(tt.state, tt.msg, world)
			if _, ok := reply.(wire.ServerError); !ok {
				t.Errorf("reply = %T, want ServerError", reply)
			}
			if _, ok := next.(ServerErrorState); !ok {
				t.Errorf("next state = %s, want ErrorState", next.Name())
			}
		})
	}
}

func TestClientRejectsOutOfOrderMessages(t *testing.T) {
	user := UserData{Username: "alice", PasswordHash: "ff"}

	tests := []struct {
		name  string
		state ClientState
		msg   wire.ServerMessage
	}{
		{"nonce in start", StartState{}, wire.Nonce{Nonce: "aa"}},
		{"diffie request before answer", NonceRequested{}, wire.DiffieRequest{G: big.NewInt(2), P: big.NewInt(11), ServerPublicValue: big.NewInt(4)}},
		{"diffie ok early", DiffieStarted{}, wire.DiffieOk{}},
		{"cryptogramm during handshake", NonceRequested{}, wire.ServerCryptogramm{Content: "aGk="}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, next := ClientStep(tt.state, tt.msg, user)
			if _, ok := reply.(wire.ClientError); !ok {
				t.Errorf("reply = %T, want ClientError", reply)
			}
			if _, ok := next.(ClientErrorState); !ok {
				t.Errorf("next state = %s, want ErrorState", next.Name())
			}
		})
	}
}

func TestClientInitOnlyFromStart(t *testing.T) {
	user := UserData{Username: "alice", PasswordHash: "ff"}

	reply, next := ClientInit(DiffieStarted{}, user)
	if _, ok := reply.(wire.ClientError); !ok {
		t.Errorf("reply = %T, want ClientError", reply)
	}
	if _, ok := next.(ClientErrorState); !ok {
		t.Errorf("next state = %s, want ErrorState", next.Name())
	}
}
