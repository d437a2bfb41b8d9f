package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInvocation(t *testing.T) {
	inv, err := DecodeInvocation([]byte(`{"method":"SendMessage","args":["hello","general"]}`))
	require.NoError(t, err)
	assert.Equal(t, "SendMessage", inv.Method)
	assert.Len(t, inv.Args, 2)
}

func TestDecodeInvocation_MissingMethod(t *testing.T) {
	_, err := DecodeInvocation([]byte(`{"args":["hello"]}`))
	assert.Error(t, err)
}

func TestDecodeInvocation_Malformed(t *testing.T) {
	_, err := DecodeInvocation([]byte(`{not json`))
	assert.Error(t, err)
}

func TestEncodeEvent_Shape(t *testing.T) {
	data, err := EncodeEvent("Pong", "abc", 42)
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "Pong", ev.Name)
	assert.Len(t, ev.Args, 2)
	assert.Equal(t, "abc", ev.Args[0])
}

func TestEncodeEvent_NoArgs(t *testing.T) {
	data, err := EncodeEvent("Heartbeat")
	require.NoError(t, err)
	// args must serialise as an empty array, not null
	assert.JSONEq(t, `{"name":"Heartbeat","args":[]}`, string(data))
}

func TestArg(t *testing.T) {
	inv, err := DecodeInvocation([]byte(`{"method":"M","args":["x",7,true]}`))
	require.NoError(t, err)

	var s string
	require.NoError(t, inv.Arg(0, &s))
	assert.Equal(t, "x", s)

	var n int
	require.NoError(t, inv.Arg(1, &n))
	assert.Equal(t, 7, n)

	var b bool
	require.NoError(t, inv.Arg(2, &b))
	assert.True(t, b)

	assert.Error(t, inv.Arg(3, &s), "missing argument must error")
	assert.Error(t, inv.Arg(1, &s), "type mismatch must error")
}

func TestOptionalArg(t *testing.T) {
	inv, err := DecodeInvocation([]byte(`{"method":"M","args":["x",null]}`))
	require.NoError(t, err)

	s := "unchanged"
	require.NoError(t, inv.OptionalArg(2, &s))
	assert.Equal(t, "unchanged", s)

	require.NoError(t, inv.OptionalArg(1, &s))
	assert.Equal(t, "unchanged", s, "null leaves the target untouched")

	require.NoError(t, inv.OptionalArg(0, &s))
	assert.Equal(t, "x", s)
}

func TestStringArg(t *testing.T) {
	inv, err := DecodeInvocation([]byte(`{"method":"M","args":["token-123"]}`))
	require.NoError(t, err)

	s, err := inv.StringArg(0)
	require.NoError(t, err)
	assert.Equal(t, "token-123", s)

	_, err = inv.StringArg(1)
	assert.Error(t, err)
}
