// Package protocol implements the two handshake state machines of the
// chat protocol. Both are pure transition functions: the surrounding
// driver owns the I/O, the state machines own the decisions. Every
// transition returns the frame to send and the next state; failures are
// error states, never Go errors, so that the peer always receives an
// error frame before the connection dies.
package protocol

import (
	"math/big"

	"github.com/glasschat/glasschat/internal/directory"
	"github.com/glasschat/glasschat/internal/dhparams"
)

// UserData is the client's credential view: who to authenticate as and
// the stored hash to prove it with.
type UserData struct {
	Username     string
	PasswordHash directory.PasswordHash
}

// World is the server's view of its external collaborators. The default
// implementation consults the user directory; tests substitute
// in-memory stubs.
type World interface {
	// HasUser reports whether the named user exists.
	HasUser(username string) (bool, error)

	// PasswordHash returns the stored password hash for the user.
	PasswordHash(username string) (directory.PasswordHash, error)

	// DiffieParams returns the group parameters for the user's key
	// exchange. The username is accepted but ignored by the default
	// implementation.
	DiffieParams(username string) (dhparams.Params, error)
}

// DirectoryWorld adapts a user directory and a fixed DH group into a
// World.
type DirectoryWorld struct {
	Directory directory.Directory
	Params    dhparams.Params
}

func (w DirectoryWorld) HasUser(username string) (bool, error) {
	u, err := w.Directory.FindUser(username)
	if err != nil {
		return false, err
	}
	return u != nil, nil
}

func (w DirectoryWorld) PasswordHash(username string) (directory.PasswordHash, error) {
	u, err := w.Directory.FindUser(username)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", nil
	}
	return u.PasswordHash, nil
}

func (w DirectoryWorld) DiffieParams(string) (dhparams.Params, error) {
	return w.Params, nil
}

// modExp is shorthand for base^exp mod mod.
func modExp(base, exp, mod *big.Int) *big.Int {
	return new(big.Int).Exp(base, exp, mod)
}
