package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlake2HashDeterministic(t *testing.T) {
	a := Blake2Hash([]byte("payload"))
	b := Blake2Hash([]byte("payload"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, Blake2Hash([]byte("payloae")))
	require.False(t, a.IsZero())
	require.True(t, ZeroHash.IsZero())
}

func TestHashBitMSBFirst(t *testing.T) {
	var h Hash
	h[0] = 0x80
	require.True(t, h.Bit(0))
	require.False(t, h.Bit(1))

	h = Hash{}
	h[0] = 0x01
	require.True(t, h.Bit(7))
	require.False(t, h.Bit(6))

	h = Hash{}
	h[1] = 0x80
	require.True(t, h.Bit(8))
}

func TestBytesToHashRoundTrip(t *testing.T) {
	b := make([]byte, HashLength)
	for i := range b {
		b[i] = byte(i)
	}
	h := BytesToHash(b)
	require.Equal(t, b, h.Bytes())
}

func TestUintConversions(t *testing.T) {
	require.Equal(t, uint64(0xdeadbeef), BytesToUint64(Uint64ToBytes(0xdeadbeef)))
	require.Equal(t, uint32(7), BytesToUint32(Uint32ToBytes(7)))
}

func TestHexRoundTrip(t *testing.T) {
	b := []byte{0xde, 0xad, 0xbe, 0xef}
	require.Equal(t, "0xdeadbeef", Bytes2Hex(b))
	require.Equal(t, b, Hex2Bytes("0xdeadbeef"))
	require.Equal(t, b, Hex2Bytes("deadbeef"))
	require.Empty(t, Hex2Bytes("not hex"))
}
