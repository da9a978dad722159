package wire

import (
	"errors"
	"math/big"
	"strings"
	"testing"
)

func TestClientMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  ClientMessage
	}{
		{"connect", ConnectRequest{Username: "alice"}},
		{"hash", HashAnswer{Answer: "deadbeef"}},
		{"diffie", DiffieAnswer{ClientPublicValue: big.NewInt(12345)}},
		{"data", ClientData{Data: "aGVsbG8="}},
		{"goodbye", ClientGoodbye{}},
		{"error", ClientError{Message: "boom"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeClientMessage(tt.msg)
			if err != nil {
				t.Fatalf("EncodeClientMessage() error = %v", err)
			}
			got, err := ParseClientMessage(data)
			if err != nil {
				t.Fatalf("ParseClientMessage(%s) error = %v", data, err)
			}
			switch want := tt.msg.(type) {
			case DiffieAnswer:
				g := got.(DiffieAnswer)
				if g.ClientPublicValue.Cmp(want.ClientPublicValue) != 0 {
					t.Errorf("got %v, want %v", g.ClientPublicValue, want.ClientPublicValue)
				}
			default:
				if got != tt.msg {
					t.Errorf("got %#v, want %#v", got, tt.msg)
				}
			}
		})
	}
}

func TestServerMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  ServerMessage
	}{
		{"nonce", Nonce{Nonce: strings.Repeat("ab", 32)}},
		{"diffie_request", DiffieRequest{G: big.NewInt(5), P: big.NewInt(23), ServerPublicValue: big.NewInt(8)}},
		{"diffie_ok", DiffieOk{}},
		{"cryptogramm", ServerCryptogramm{Content: "aGVsbG8="}},
		{"error", ServerError{Text: "wrong hash answer"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeServerMessage(tt.msg)
			if err != nil {
				t.Fatalf("EncodeServerMessage() error = %v", err)
			}
			got, err := ParseServerMessage(data)
			if err != nil {
				t.Fatalf("ParseServerMessage(%s) error = %v", data, err)
			}
			switch want := tt.msg.(type) {
			case DiffieRequest:
				g := got.(DiffieRequest)
				if g.G.Cmp(want.G) != 0 || g.P.Cmp(want.P) != 0 || g.ServerPublicValue.Cmp(want.ServerPublicValue) != 0 {
					t.Errorf("got %#v, want %#v", g, want)
				}
			default:
				if got != tt.msg {
					t.Errorf("got %#v, want %#v", got, tt.msg)
				}
			}
		})
	}
}

func TestParseRejectsExtraFields(t *testing.T) {
	frames := []string{
		`{"id":0,"username":"alice","extra":"forbid"}`,
		`{"id":1,"answer":"ff","extra":"forbid"}`,
		`{"id":4,"extra":"forbid"}`,
	}
	for _, f := range frames {
		if _, err := ParseClientMessage([]byte(f)); !errors.Is(err, ErrUnknownMessage) {
			t.Errorf("ParseClientMessage(%s) error = %v, want ErrUnknownMessage", f, err)
		}
	}

	serverFrames := []string{
		`{"id":0,"nonce":"ff","extra":"forbid"}`,
		`{"id":2,"message":"ok","extra":"forbid"}`,
	}
	for _, f := range serverFrames {
		if _, err := ParseServerMessage([]byte(f)); !errors.Is(err, ErrUnknownMessage) {
			t.Errorf("ParseServerMessage(%s) error = %v, want ErrUnknownMessage", f, err)
		}
	}
}

func TestParseRejectsMalformedFrames(t *testing.T) {
	frames := []string{
		``,
		`not json`,
		`{"no_id":true}`,
		`{"id":42}`,
		`{"id":"zero","username":"alice"}`,
		`[1,2,3]`,
	}
	for _, f := range frames {
		if _, err := ParseClientMessage([]byte(f)); !errors.Is(err, ErrUnknownMessage) {
			t.Errorf("ParseClientMessage(%q) error = %v, want ErrUnknownMessage", f, err)
		}
		if _, err := ParseServerMessage([]byte(f)); !errors.Is(err, ErrUnknownMessage) {
			t.Errorf("ParseServerMessage(%q) error = %v, want ErrUnknownMessage", f, err)
		}
	}
}

func TestDiffieRequestLargeValues(t *testing.T) {
	// 64-bit primes do not fit in int64 once the top bit is set; the
	// codec must carry them as arbitrary-precision JSON numbers.
	p, ok := new(big.Int).SetString("18446744073709551557", 10)
	if !ok {
		t.Fatal("SetString failed")
	}
	data, err := EncodeServerMessage(DiffieRequest{G: big.NewInt(3), P: p, ServerPublicValue: p})
	if err != nil {
		t.Fatalf("EncodeServerMessage() error = %v", err)
	}
	if strings.Contains(string(data), `"p":"`) {
		t.Errorf("p encoded as string: %s", data)
	}
	got, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	if got.(DiffieRequest).P.Cmp(p) != 0 {
		t.Errorf("p round trip = %v, want %v", got.(DiffieRequest).P, p)
	}
}

func TestDiffieOkRejectsWrongMessage(t *testing.T) {
	if _, err := ParseServerMessage([]byte(`{"id":2,"message":"nope"}`)); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("error = %v, want ErrUnknownMessage", err)
	}
	// Missing message is filled by the sender default and accepted.
	if _, err := ParseServerMessage([]byte(`{"id":2}`)); err != nil {
		t.Errorf("ParseServerMessage({id:2}) error = %v", err)
	}
}
