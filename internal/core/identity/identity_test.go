package identity

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-webnode/pkg/types"
)

func TestGenerate_PeerIDFormat(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	// Ed25519 inline 公钥的 base58 文本以 12D3KooW 开头
	assert.True(t, strings.HasPrefix(id.PeerID().String(), "12D3KooW"), id.PeerID().String())
	assert.NoError(t, id.PeerID().Validate())
}

func TestPeerIDDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	k1, err := PrivateKeyFromSeed(seed)
	require.NoError(t, err)
	k2, err := PrivateKeyFromSeed(seed)
	require.NoError(t, err)

	id1, err := New(k1)
	require.NoError(t, err)
	id2, err := New(k2)
	require.NoError(t, err)
	assert.Equal(t, id1.PeerID(), id2.PeerID())
}

func TestPublicKeyMarshalRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	data := MarshalPublicKey(id.PublicKey())
	// Type(2) + Data 头(2) + 32 字节
	assert.Len(t, data, 36)

	pub, err := UnmarshalPublicKey(data)
	require.NoError(t, err)
	assert.True(t, pub.Equal(id.PublicKey()))
}

func TestUnmarshalPublicKey_Invalid(t *testing.T) {
	_, err := UnmarshalPublicKey([]byte{0xff})
	assert.ErrorIs(t, err, types.ErrDecode)

	_, err = UnmarshalPublicKey(marshalKey(3, bytes.Repeat([]byte{1}, 33)))
	assert.ErrorIs(t, err, ErrUnsupportedKeyType)

	_, err = UnmarshalPublicKey(marshalKey(KeyTypeEd25519, []byte{1, 2, 3}))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestPublicKeyFromPeerID(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	pub, err := PublicKeyFromPeerID(id.PeerID())
	require.NoError(t, err)
	assert.True(t, pub.Equal(id.PublicKey()))
	assert.True(t, MatchesPublicKey(id.PeerID(), pub))

	other, err := Generate()
	require.NoError(t, err)
	assert.False(t, MatchesPublicKey(id.PeerID(), other.PublicKey()))
}

func TestSignVerify(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	msg := []byte("hello")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	assert.True(t, id.PublicKey().Verify(msg, sig))
	assert.False(t, id.PublicKey().Verify([]byte("hellO"), sig))
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)

	second, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, first.PeerID(), second.PeerID())
}

func TestLoadOrCreate_Ephemeral(t *testing.T) {
	a, err := LoadOrCreate("")
	require.NoError(t, err)
	b, err := LoadOrCreate("")
	require.NoError(t, err)
	assert.NotEqual(t, a.PeerID(), b.PeerID())
}
