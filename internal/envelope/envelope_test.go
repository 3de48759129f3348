package envelope

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndDecodeRoundTrip(t *testing.T) {
	payload := HTTPRequestPayload{
		Method: "GET",
		Path:   "/hello?q=1",
		Headers: Headers{
			{"host", "abc.example.test"},
			{"x-forwarded", "one"},
			{"x-forwarded", "two"},
		},
		Body: base64.StdEncoding.EncodeToString([]byte("hi")),
	}

	env, err := New(KindRequest, "req-1", payload)
	require.NoError(t, err)
	require.Equal(t, KindRequest, env.Kind)
	require.Equal(t, "req-1", env.ID)

	var decoded HTTPRequestPayload
	require.NoError(t, env.Decode(&decoded))
	require.Equal(t, payload, decoded)
}

func TestEnvelopeWireShape(t *testing.T) {
	env, err := New(KindWSAck, "abc", WSAckPayload{})
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "ack", raw["type"])
	require.Equal(t, "abc", raw["identifier"])
	require.Contains(t, raw, "payload")
}

func TestHeadersPreserveOrderAndDuplicates(t *testing.T) {
	headers := Headers{
		{"set-cookie", "a=1"},
		{"set-cookie", "b=2"},
		{"content-type", "text/plain"},
	}
	payload := HTTPResponsePayload{Status: 200, Headers: headers, Body: ""}

	env, err := New(KindResponse, "r1", payload)
	require.NoError(t, err)

	var decoded HTTPResponsePayload
	require.NoError(t, env.Decode(&decoded))
	require.Equal(t, headers, decoded.Headers)
}

func TestHeaderPairArrayEncoding(t *testing.T) {
	data, err := json.Marshal(Headers{{"a", "b"}})
	require.NoError(t, err)
	require.JSONEq(t, `[["a","b"]]`, string(data))
}
