// Package wire defines the frame envelope exchanged between peers.
// Envelopes travel sealed (see shellcrypto); this package only shapes
// and validates the plaintext.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/syncshell/syncshell/internal/phonebook"
)

// ErrProtocol marks a malformed frame: drop the frame, keep the
// channel.
var ErrProtocol = errors.New("wire: protocol violation")

// Frame types.
type Type string

const (
	TypeHello    Type = "hello"
	TypeHelloAck Type = "helloAck"
	TypeGossip   Type = "gossip"
	TypeAnnounce Type = "announce"
	TypeFetch    Type = "fetch"
	TypeResource Type = "resource"
)

// Resource statuses, mirroring their HTTP equivalents.
const (
	StatusOK          = 200
	StatusNotModified = 304
	StatusNotFound    = 404
)

// Hello opens a handshake; the ack carries the responder's identity.
type Hello struct {
	PeerID  string   `json:"peer_id"`
	ShellID string   `json:"shell_id"`
	Name    string   `json:"name,omitempty"`
	Hints   []string `json:"hints,omitempty"`
}

// Gossip carries a phonebook snapshot.
type Gossip struct {
	Entries []phonebook.Entry `json:"entries"`
}

// Announce advertises a published resource without its body.
type Announce struct {
	Key          string    `json:"key"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
	Size         int64     `json:"size"`
}

// Fetch is a conditional body request.
type Fetch struct {
	Key             string    `json:"key"`
	IfNoneMatch     string    `json:"if_none_match,omitempty"`
	IfModifiedSince time.Time `json:"if_modified_since,omitzero"`
}

// Resource is the fetch response. Body is empty for 304/404;
// Compressed records whether the sender zstd-compressed it, so bodies
// that happen to be zstd frames themselves arrive untouched.
type Resource struct {
	Key          string    `json:"key"`
	Status       int       `json:"status"`
	Body         []byte    `json:"body,omitempty"`
	Compressed   bool      `json:"compressed,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified,omitzero"`
}

// Envelope is the one frame shape on the wire; exactly the payload
// matching Type is set.
type Envelope struct {
	Type     Type      `json:"t"`
	Hello    *Hello    `json:"hello,omitempty"`
	Gossip   *Gossip   `json:"gossip,omitempty"`
	Announce *Announce `json:"announce,omitempty"`
	Fetch    *Fetch    `json:"fetch,omitempty"`
	Resource *Resource `json:"resource,omitempty"`
}

func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", env.Type, err)
	}
	return data, nil
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	ok := false
	switch env.Type {
	case TypeHello, TypeHelloAck:
		ok = env.Hello != nil
	case TypeGossip:
		ok = env.Gossip != nil
	case TypeAnnounce:
		ok = env.Announce != nil
	case TypeFetch:
		ok = env.Fetch != nil
	case TypeResource:
		ok = env.Resource != nil
	}
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing or unknown payload for type %q", ErrProtocol, env.Type)
	}
	return env, nil
}
