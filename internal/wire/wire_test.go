package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncshell/syncshell/internal/phonebook"
)

func TestRoundTrip(t *testing.T) {
	envelopes := []Envelope{
		{Type: TypeHello, Hello: &Hello{PeerID: "p1", ShellID: "s1", Name: "alice", Hints: []string{"10.0.0.1:7450"}}},
		{Type: TypeHelloAck, Hello: &Hello{PeerID: "p2", ShellID: "s1"}},
		{Type: TypeGossip, Gossip: &Gossip{Entries: []phonebook.Entry{{PeerID: "p3", ShellID: "s1", Version: 7}}}},
		{Type: TypeAnnounce, Announce: &Announce{Key: "s1/outfit", ETag: `"abc"`, LastModified: time.Unix(100, 0).UTC(), Size: 42}},
		{Type: TypeFetch, Fetch: &Fetch{Key: "s1/outfit", IfNoneMatch: `"abc"`}},
		{Type: TypeResource, Resource: &Resource{Key: "s1/outfit", Status: StatusOK, Body: []byte{0x28, 0xb5, 0x2f}, Compressed: true, ETag: `"abc"`}},
		{Type: TypeResource, Resource: &Resource{Key: "s1/raw", Status: StatusOK, Body: []byte("plain"), ETag: `"def"`}},
		{Type: TypeResource, Resource: &Resource{Key: "s1/outfit", Status: StatusNotModified}},
	}

	for _, env := range envelopes {
		data, err := Encode(env)
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err, "type %s", env.Type)
		assert.Equal(t, env, got)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{{{`,
		"unknown type":    `{"t":"teleport","hello":{"peer_id":"p"}}`,
		"missing payload": `{"t":"gossip"}`,
		"wrong payload":   `{"t":"fetch","hello":{"peer_id":"p"}}`,
		"empty":           ``,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestDecodeIgnoresExtraPayloads(t *testing.T) {
	// A frame whose declared type has its payload decodes even when
	// stray payloads ride along; the extras are simply carried.
	raw := `{"t":"announce","announce":{"key":"k","etag":"\"e\"","size":1},"fetch":{"key":"k"}}`
	env, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, TypeAnnounce, env.Type)
	assert.Equal(t, "k", env.Announce.Key)
}
