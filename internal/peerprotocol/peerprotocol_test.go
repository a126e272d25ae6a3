package peerprotocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestMessage(t *testing.T) {
	b, err := RequestMessage{Index: 1, Begin: 16384, Length: 16384}.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 0, 0, 0x40, 0, 0, 0, 0x40, 0}, b)

	var cm CancelMessage
	require.NoError(t, cm.UnmarshalBinary(b))
	assert.Equal(t, uint32(16384), cm.Begin)
	assert.Equal(t, Cancel, cm.ID())

	assert.Equal(t, ErrInvalidLength, cm.UnmarshalBinary(b[:11]))
}

func TestFixedMessages(t *testing.T) {
	var am AllowedFastMessage
	require.NoError(t, am.UnmarshalBinary([]byte{0, 0, 1, 0}))
	assert.Equal(t, uint32(256), am.Index)
	assert.Equal(t, AllowedFast, am.ID())

	var pm PortMessage
	require.NoError(t, pm.UnmarshalBinary([]byte{0x1a, 0xe1}))
	assert.Equal(t, uint16(6881), pm.Port)

	var hm HaveMessage
	assert.Equal(t, ErrInvalidLength, hm.UnmarshalBinary([]byte{1}))

	b, err := ChokeMessage{}.MarshalBinary()
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestMessageID(t *testing.T) {
	assert.Equal(t, "have all", HaveAll.String())
	assert.Equal(t, "unknown(42)", MessageID(42).String())
	assert.True(t, Reject.Fast())
	assert.False(t, Port.Fast())
	assert.False(t, Extension.Fast())
}

func TestExtensionHandshake(t *testing.T) {
	hs := NewExtensionHandshake("rainwire", net.ParseIP("1.2.3.4"), 6881, 250)
	msg := ExtensionMessage{ExtendedMessageID: ExtensionIDHandshake, Payload: hs}
	b, err := msg.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, byte(0), b[0])

	var parsed ExtensionMessage
	require.NoError(t, parsed.UnmarshalBinary(b))
	got, ok := parsed.Payload.(ExtensionHandshakeMessage)
	require.True(t, ok)
	assert.Equal(t, "rainwire", got.V)
	assert.Equal(t, 250, got.RequestQueue)
	assert.Equal(t, uint16(6881), got.Port)
	assert.Equal(t, string([]byte{1, 2, 3, 4}), got.YourIP)
}

func TestUnknownExtension(t *testing.T) {
	var m ExtensionMessage
	assert.Equal(t, ErrUnknownExtension, m.UnmarshalBinary([]byte{3, 'd', 'e'}))
	assert.Equal(t, ErrInvalidLength, m.UnmarshalBinary(nil))
}
