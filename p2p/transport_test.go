package p2p

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	done := make(chan []byte, 1)
	go func() {
		frame, err := sc.ReadFrame()
		assert.NoError(t, err)
		done <- frame
	}()

	require.NoError(t, cc.WriteFrame([]byte("hello frame")))
	assert.Equal(t, []byte("hello frame"), <-done)
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	err := cc.WriteFrame(make([]byte, MaxMessageSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameRejectsOversizeDeclaredLength(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sc := NewConn(server)
	go func() {
		var prefix [lengthPrefixSize]byte
		prefix[0] = 0xff
		prefix[1] = 0xff
		prefix[2] = 0xff
		prefix[3] = 0xff
		client.Write(prefix[:])
	}()

	_, err := sc.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
