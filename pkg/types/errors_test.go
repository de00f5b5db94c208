package types

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDialError_Classification(t *testing.T) {
	err := &DialError{Addr: "/ip4/127.0.0.1/tcp/1/ws", Err: ErrGated}

	assert.ErrorIs(t, err, ErrDialFailed)
	assert.ErrorIs(t, err, ErrGated)
	assert.NotErrorIs(t, err, ErrHandshakeFailed)
	assert.Contains(t, err.Error(), "/ip4/127.0.0.1/tcp/1/ws")

	var de *DialError
	assert.True(t, errors.As(error(err), &de))
}

func TestDialError_NoCause(t *testing.T) {
	err := &DialError{Peer: "12D3KooWpeer"}
	assert.ErrorIs(t, err, ErrDialFailed)
	assert.Equal(t, "dial 12D3KooWpeer failed", err.Error())
}

func TestHandshakeError(t *testing.T) {
	err := HandshakeError("read message 2", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeError(t *testing.T) {
	assert.ErrorIs(t, DecodeError("frame", nil), ErrDecode)
	assert.ErrorIs(t, DecodeError("cid", io.EOF), io.EOF)
	assert.ErrorIs(t, ErrInvalidPeerID, ErrDecode)
}
