package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayloadKnownKind(t *testing.T) {
	kind, data, err := EncodePayload(NewMessagePayload{ConversationID: "c1", MessageID: "m1", Preview: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "new_message", kind)

	p, err := DecodePayload(kind, data)
	require.NoError(t, err)
	assert.Equal(t, NewMessagePayload{ConversationID: "c1", MessageID: "m1", Preview: "hi"}, p)
}

func TestDecodePayloadUnknownKindKeepsRaw(t *testing.T) {
	p, err := DecodePayload("post_liked", []byte(`{"post_id":"p9"}`))
	require.NoError(t, err)

	other, ok := p.(OtherPayload)
	require.True(t, ok)
	assert.Equal(t, "post_liked", other.Type)
	assert.JSONEq(t, `{"post_id":"p9"}`, string(other.Raw))

	kind, data, err := EncodePayload(other)
	require.NoError(t, err)
	assert.Equal(t, "post_liked", kind)
	assert.JSONEq(t, `{"post_id":"p9"}`, string(data))
}

func TestNotificationMarshalIncludesKind(t *testing.T) {
	n := Notification{ID: "n1", RecipientID: "u2", ActorID: "u1", Payload: ConnectionAcceptedPayload{ConnectionID: "k1"}}

	data, err := json.Marshal(n)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "connection_accepted", out["kind"])
	assert.Equal(t, "k1", out["payload"].(map[string]any)["connection_id"])
}

func TestCanonicalPair(t *testing.T) {
	low, high := CanonicalPair("b", "a")
	assert.Equal(t, "a", low)
	assert.Equal(t, "b", high)

	low, high = CanonicalPair("a", "b")
	assert.Equal(t, "a", low)
	assert.Equal(t, "b", high)
}
