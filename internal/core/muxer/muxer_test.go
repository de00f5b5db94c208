package muxer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-webnode/internal/core/muxer/mplex"
	"github.com/dep2p/go-webnode/internal/core/muxer/yamux"
	"github.com/dep2p/go-webnode/pkg/types"
)

func TestDefault_PrefersMplex(t *testing.T) {
	m := Default()
	assert.Equal(t, []types.ProtocolID{mplex.ID, yamux.ID}, m.Protocols())
}

func TestFromNames(t *testing.T) {
	m, err := FromNames([]string{"yamux", "mplex"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []types.ProtocolID{yamux.ID, mplex.ID}, m.Protocols())

	mx, ok := m.Lookup(mplex.ID)
	require.True(t, ok)
	assert.Equal(t, mplex.ID, mx.ID())

	_, ok = m.Lookup("/unknown/1.0.0")
	assert.False(t, ok)
}

func TestFromNames_Errors(t *testing.T) {
	_, err := FromNames([]string{"spdy"}, Options{})
	assert.ErrorIs(t, err, ErrUnknownMuxer)

	_, err = FromNames(nil, Options{})
	assert.ErrorIs(t, err, ErrNoMuxers)
}
