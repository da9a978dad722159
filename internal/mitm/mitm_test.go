package mitm

import (
	"context"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/glasschat/glasschat/internal/chat"
	"github.com/glasschat/glasschat/internal/config"
	"github.com/glasschat/glasschat/internal/conn"
	"github.com/glasschat/glasschat/internal/dhparams"
	"github.com/glasschat/glasschat/internal/directory"
	"github.com/glasschat/glasschat/internal/protocol"
	"github.com/glasschat/glasschat/internal/transport"
)

var hasher = directory.SHA1Hasher{}

type fixedWorld struct {
	users map[string]directory.PasswordHash
}

func (w fixedWorld) HasUser(username string) (bool, error) {
	_, ok := w.users[username]
	return ok, nil
}

func (w fixedWorld) PasswordHash(username string) (directory.PasswordHash, error) {
	return w.users[username], nil
}

func (w fixedWorld) DiffieParams(string) (dhparams.Params, error) {
	return dhparams.Params{G: big.NewInt(3), P: big.NewInt(998244353)}, nil
}

// upstreamResult carries what the test upstream observed.
type upstreamResult struct {
	sharedKey *big.Int
	received  []string
	err       error
}

// startUpstream runs a one-connection chat server on an ephemeral port
// so the test can inspect the server-side session key directly.
func startUpstream(t *testing.T) (net.Addr, chan upstreamResult) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("upstream listen error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	world := fixedWorld{users: map[string]directory.PasswordHash{
		"alice": hasher.Hash("hunter2"),
	}}

	results := make(chan upstreamResult, 1)
	go func() {
		var res upstreamResult
		defer func() { results <- res }()

		c, err := ln.Accept()
		if err != nil {
			res.err = err
			return
		}
		p := conn.NewPassive(c, world, nil)
		if err := p.Handshake(); err != nil {
			res.err = err
			return
		}
		res.sharedKey = p.SharedKey()

		for {
			text, ok, err := p.ReadMessage()
			if err != nil {
				res.err = err
				return
			}
			if !ok {
				return
			}
			res.received = append(res.received, text)

			req, err := chat.ParseRequest([]byte(text))
			if err != nil {
				res.err = err
				return
			}
			switch req.(type) {
			case chat.WriteRequest:
				if err := p.WriteMessage(string(chat.EncodeAck())); err != nil {
					res.err = err
					return
				}
			case chat.ReadRequest:
				data, _ := chat.EncodeMessages(nil)
				if err := p.WriteMessage(string(data)); err != nil {
					res.err = err
					return
				}
			}
		}
	}()

	return ln.Addr(), results
}

func startProxy(t *testing.T, upstream net.Addr) *Proxy {
	t.Helper()

	proxy := New(config.MITMConfig{
		Listen:    "127.0.0.1:0",
		Upstream:  upstream.String(),
		Transport: "tcp",
	}, nil)
	if err := proxy.Start(); err != nil {
		t.Fatalf("proxy Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		proxy.Stop(ctx)
	})
	return proxy
}

func TestSpliceTransparency(t *testing.T) {
	upstreamAddr, results := startUpstream(t)
	proxy := startProxy(t, upstreamAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := transport.Dial(ctx, transport.KindTCP, proxy.Addr().String())
	if err != nil {
		t.Fatalf("Dial(proxy) error = %v", err)
	}
	a := conn.NewActive(c, protocol.UserData{
		Username:     "alice",
		PasswordHash: hasher.Hash("hunter2"),
	}, nil)

	// The handshake must complete through the splice: the proxy
	// terminates both exchanges and the hash answer passes verbatim.
	if err := a.Handshake(); err != nil {
		t.Fatalf("Handshake() through splice error = %v", err)
	}

	writeReq, err := chat.EncodeRequest(chat.WriteRequest{Content: "hi"})
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	reply, err := a.Exchange(string(writeReq))
	if err != nil {
		t.Fatalf("Exchange() through splice error = %v", err)
	}
	if reply != `"ack"` {
		t.Errorf("write reply = %q, want %q", reply, `"ack"`)
	}

	if err := a.SayGoodbye(); err != nil {
		t.Fatalf("SayGoodbye() error = %v", err)
	}

	res := <-results
	if res.err != nil {
		t.Fatalf("upstream error = %v", res.err)
	}

	// Both sides saw identical plaintext...
	if len(res.received) != 1 || res.received[0] != string(writeReq) {
		t.Errorf("upstream received %q, want [%s]", res.received, writeReq)
	}

	// ...while holding different session keys.
	if a.Key() == nil || res.sharedKey == nil {
		t.Fatal("missing session keys")
	}
	if a.Key().Cmp(res.sharedKey) == 0 {
		t.Error("client and server share a key; the splice did not terminate the exchanges")
	}

	// And the attacker logged the plaintext with its author.
	intercepts := proxy.Intercepts()
	if len(intercepts) != 1 {
		t.Fatalf("intercepts = %v, want exactly one", intercepts)
	}
	if intercepts[0] != (Intercept{Author: "alice", Content: "hi"}) {
		t.Errorf("intercept = %+v, want {alice hi}", intercepts[0])
	}
}

func TestSpliceForwardsAuthFailures(t *testing.T) {
	upstreamAddr, results := startUpstream(t)
	proxy := startProxy(t, upstreamAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := transport.Dial(ctx, transport.KindTCP, proxy.Addr().String())
	if err != nil {
		t.Fatalf("Dial(proxy) error = %v", err)
	}
	a := conn.NewActive(c, protocol.UserData{
		Username:     "alice",
		PasswordHash: hasher.Hash("wrong"),
	}, nil)

	// The proxy cannot forge the hash answer; a wrong password still
	// fails end to end, with the canonical error intact.
	if err := a.Handshake(); !errors.Is(err, conn.ErrIncorrectPassword) {
		t.Errorf("Handshake() error = %v, want ErrIncorrectPassword", err)
	}
	<-results
}
