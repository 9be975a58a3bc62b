package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer(secret)
	require.NoError(t, err)

	sealed, err := s.Seal("refresh-token")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealed, sealedPrefix))
	require.NotContains(t, sealed, "refresh-token")

	again, err := s.Seal("refresh-token")
	require.NoError(t, err)
	require.NotEqual(t, sealed, again, "nonces are random")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "refresh-token", plain)

	empty, err := s.Seal("")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestOpenRejectsForeignValues(t *testing.T) {
	s, err := NewSealer(secret)
	require.NoError(t, err)
	other, err := NewSealer(strings.Repeat("z", 32))
	require.NoError(t, err)

	sealed, err := other.Seal("token")
	require.NoError(t, err)
	_, err = s.Open(sealed)
	require.Error(t, err)

	_, err = s.Open("plain-token")
	require.ErrorIs(t, err, ErrMalformed)
	_, err = s.Open(sealedPrefix + "AAAA")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNewSealerRequiresLongSecret(t *testing.T) {
	_, err := NewSealer("short")
	require.Error(t, err)
}
