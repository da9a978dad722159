package wire

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// ServerMessage is a message sent from the server to the client.
type ServerMessage interface {
	serverMessage()
}

// Nonce carries the server's one-shot authentication challenge.
type Nonce struct {
	Nonce string
}

// DiffieRequest opens the key exchange: the group parameters and the
// server's public value.
type DiffieRequest struct {
	G                 *big.Int
	P                 *big.Int
	ServerPublicValue *big.Int
}

// DiffieOk acknowledges the completed key exchange.
type DiffieOk struct{}

// ServerCryptogramm carries one encrypted application payload, base64
// encoded.
type ServerCryptogramm struct {
	Content string
}

// ServerError reports a server-side failure. The text is part of the
// wire contract: clients classify failures by substring match.
type ServerError struct {
	Text string
}

func (Nonce) serverMessage()             {}
func (DiffieRequest) serverMessage()     {}
func (DiffieOk) serverMessage()          {}
func (ServerCryptogramm) serverMessage() {}
func (ServerError) serverMessage()       {}

type nonceJSON struct {
	ID    int    `json:"id"`
	Nonce string `json:"nonce"`
}

type diffieRequestJSON struct {
	ID                int      `json:"id"`
	G                 *big.Int `json:"g"`
	P                 *big.Int `json:"p"`
	ServerPublicValue *big.Int `json:"server_public_value"`
}

type diffieOkJSON struct {
	ID      int    `json:"id"`
	Message string `json:"message"`
}

type serverCryptogrammJSON struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
}

type serverErrorJSON struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// EncodeServerMessage renders a server message as a single JSON object.
func EncodeServerMessage(m ServerMessage) ([]byte, error) {
	switch v := m.(type) {
	case Nonce:
		return json.Marshal(nonceJSON{IDNonce, v.Nonce})
	case DiffieRequest:
		return json.Marshal(diffieRequestJSON{IDDiffieRequest, v.G, v.P, v.ServerPublicValue})
	case DiffieOk:
		return json.Marshal(diffieOkJSON{IDDiffieOk, "ok"})
	case ServerCryptogramm:
		return json.Marshal(serverCryptogrammJSON{IDServerCryptogramm, v.Content})
	case ServerError:
		return json.Marshal(serverErrorJSON{IDServerError, v.Text})
	default:
		return nil, fmt.Errorf("unencodable server message %T", m)
	}
}

// ParseServerMessage decodes one frame from the server. Frames that do
// not match any variant schema return an error wrapping
// ErrUnknownMessage.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	id, err := peekID(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
	}

	switch id {
	case IDNonce:
		var v nonceJSON
		if err := decodeStrict(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
		}
		return Nonce{Nonce: v.Nonce}, nil
	case IDDiffieRequest:
		var v diffieRequestJSON
		if err := decodeStrict(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
		}
		if v.G == nil || v.P == nil || v.ServerPublicValue == nil {
			return nil, fmt.Errorf("%w: diffie request with missing values", ErrUnknownMessage)
		}
		return DiffieRequest{G: v.G, P: v.P, ServerPublicValue: v.ServerPublicValue}, nil
	case IDDiffieOk:
		var v diffieOkJSON
		if err := decodeStrict(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
		}
		if v.Message != "" && v.Message != "ok" {
			return nil, fmt.Errorf("%w: diffie ok with message %q", ErrUnknownMessage, v.Message)
		}
		return DiffieOk{}, nil
	case IDServerCryptogramm:
		var v serverCryptogrammJSON
		if err := decodeStrict(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
		}
		return ServerCryptogramm{Content: v.Content}, nil
	case IDServerError:
		var v serverErrorJSON
		if err := decodeStrict(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
		}
		return ServerError{Text: v.Text}, nil
	default:
		return nil, fmt.Errorf("%w: server message id %d", ErrUnknownMessage, id)
	}
}

// ServerMessageName returns a human-readable name for logging.
func ServerMessageName(m ServerMessage) string {
	switch m.(type) {
	case Nonce:
		return "NONCE"
	case DiffieRequest:
		return "DIFFIE_REQUEST"
	case DiffieOk:
		return "DIFFIE_OK"
	case ServerCryptogramm:
		return "SERVER_CRYPTOGRAMM"
	case ServerError:
		return "SERVER_ERROR"
	default:
		return "UNKNOWN"
	}
}
