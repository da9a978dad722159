// Package conn wires the wire codec and the protocol state machines to
// a byte stream. Frames are newline-terminated JSON objects; a decode
// failure at any point is fatal and terminates the connection. The
// active side drives a client state machine, the passive side a server
// state machine.
package conn

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
)

// maxFrameSize bounds a single frame; anything larger is not a valid
// protocol frame.
const maxFrameSize = 1 << 20

// Typed handshake failures, classified from the server's error text.
// The substring match is part of the wire contract.
var (
	// ErrUnknownUser means the server does not know the requested
	// username.
	ErrUnknownUser = errors.New("unknown user")

	// ErrIncorrectPassword means the challenge answer did not match.
	ErrIncorrectPassword = errors.New("incorrect password")
)

// ProtocolError is any other protocol-level failure.
type ProtocolError struct {
	Text string
}

func (e *ProtocolError) Error() string {
	return e.Text
}

// classifyServerError maps a server error text to a typed failure.
func classifyServerError(text string) error {
	if strings.Contains(text, "wrong hash answer") {
		return fmt.Errorf("%w: %s", ErrIncorrectPassword, text)
	}
	if strings.Contains(text, "user does not exist") {
		return fmt.Errorf("%w: %s", ErrUnknownUser, text)
	}
	return &ProtocolError{Text: text}
}

// Framer reads and writes newline-delimited frames on a transport.
// The drivers embed it; the splice proxy uses it directly for raw
// frame access on both legs.
type Framer struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewFramer wraps a transport in newline framing.
func NewFramer(c net.Conn) Framer {
	return Framer{conn: c, r: bufio.NewReaderSize(c, maxFrameSize)}
}

// ReadFrame returns the next frame with the trailing newline and any
// surrounding spaces stripped.
func (f Framer) ReadFrame() ([]byte, error) {
	// ReadSlice fails with bufio.ErrBufferFull once a line outgrows the
	// maxFrameSize buffer.
	line, err := f.r.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.Trim(string(line), " \n")), nil
}

// WriteFrame sends one frame followed by a newline.
func (f Framer) WriteFrame(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := f.conn.Write(buf)
	return err
}

// Close closes the underlying transport.
func (f Framer) Close() error {
	return f.conn.Close()
}
