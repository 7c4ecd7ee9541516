package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "8e3f2b1a9c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7"

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	note := []byte("penerima dana diduga keluarga bendahara, cek rekening 123-456")
	sealed, err := s.Seal(note)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "bendahara", "plaintext never appears in the blob")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, note, opened)

	// Each seal uses a fresh nonce.
	sealed2, err := s.Seal(note)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestOpenRejectsTampering(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("catatan"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0x01

	_, err = s.Open(sealed)
	assert.Error(t, err)

	_, err = s.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrCiphertext)
}

func TestNewSealerKeyValidation(t *testing.T) {
	_, err := NewSealer("zz")
	assert.Error(t, err)

	_, err = NewSealer(strings.Repeat("ab", 16)) // 16 bytes, too short
	assert.Error(t, err)

	s, err := NewSealer("")
	require.NoError(t, err)
	_, err = s.Seal([]byte("x"))
	assert.ErrorIs(t, err, ErrNoKey)
	_, err = s.Open([]byte("x"))
	assert.ErrorIs(t, err, ErrNoKey)
}
