// Package chat implements the application protocol carried inside the
// encrypted channel: a write/read request pair and the server's message
// log.
package chat

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Inner request ids.
const (
	IDWrite = 1
	IDRead  = 2
)

// Message is one chat entry.
type Message struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

// Request is either a WriteRequest or a ReadRequest.
type Request interface {
	chatRequest()
}

// WriteRequest appends a message to the chat.
type WriteRequest struct {
	Content string
}

// ReadRequest asks for the current message list.
type ReadRequest struct{}

func (WriteRequest) chatRequest() {}
func (ReadRequest) chatRequest()  {}

type requestJSON struct {
	ID      *int   `json:"id"`
	Content string `json:"content"`
}

// ParseRequest decodes one inner request. Unlike the outer frame codec
// the inner protocol is lenient about extra fields.
func ParseRequest(data []byte) (Request, error) {
	var req requestJSON
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse chat request: %w", err)
	}
	if req.ID == nil {
		return nil, fmt.Errorf("chat request has no id")
	}
	switch *req.ID {
	case IDWrite:
		return WriteRequest{Content: req.Content}, nil
	case IDRead:
		return ReadRequest{}, nil
	default:
		return nil, fmt.Errorf("chat request id %d", *req.ID)
	}
}

// EncodeRequest renders an inner request as JSON.
func EncodeRequest(r Request) ([]byte, error) {
	switch v := r.(type) {
	case WriteRequest:
		return json.Marshal(struct {
			ID      int    `json:"id"`
			Content string `json:"content"`
		}{IDWrite, v.Content})
	case ReadRequest:
		return json.Marshal(struct {
			ID int `json:"id"`
		}{IDRead})
	default:
		return nil, fmt.Errorf("unencodable chat request %T", r)
	}
}

// EncodeAck renders the reply to a write request: the JSON string "ack".
func EncodeAck() []byte {
	return []byte(`"ack"`)
}

// EncodeMessages renders the reply to a read request.
func EncodeMessages(msgs []Message) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	return json.Marshal(msgs)
}

// DecodeMessages parses a read-request reply.
func DecodeMessages(data []byte) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode message list: %w", err)
	}
	return msgs, nil
}

// Log is the server's append-only chat log. One writer at a time;
// readers get a consistent snapshot.
type Log struct {
	mu       sync.RWMutex
	messages []Message
}

// NewLog creates an empty chat log.
func NewLog() *Log {
	return &Log{}
}

// Append adds a message to the log.
func (l *Log) Append(m Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, m)
}

// Snapshot returns a copy of the current message list.
func (l *Log) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of logged messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}
