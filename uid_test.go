package fcgiapp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSessionIDLengthByBits(t *testing.T) {
	for _, tc := range []struct {
		bits   int
		length int
	}{
		{4, 40},
		{5, 32},
		{6, 27},
	} {
		id, err := newSessionID(tc.bits)
		require.NoError(t, err)
		require.Len(t, id, tc.length)
	}
}

func TestNewSessionIDInvalidBits(t *testing.T) {
	_, err := newSessionID(7)
	require.Error(t, err)
	require.True(t, errorIs(err, ErrConfig))
}

func TestNewSessionIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := newSessionID(6)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate session id generated")
		seen[id] = true
	}
}

func TestEncodeBinKnownLength(t *testing.T) {
	in := make([]byte, 20)
	require.Len(t, encodeBin(in, 6), 27)
	require.Len(t, encodeBin(in, 5), 32)
	require.Len(t, encodeBin(in, 4), 40)
}
