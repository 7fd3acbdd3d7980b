package sss

import (
	"testing"

	"github.com/coralstack/coralkm/pkg/coralerr"
	"github.com/coralstack/coralkm/pkg/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomDEK(t *testing.T) [DEKSize]byte {
	t.Helper()
	var dek [DEKSize]byte
	for {
		b, err := random.Bytes(random.System(), DEKSize)
		require.NoError(t, err)
		copy(dek[:], b)

		// Split itself will reject a dek out of the scalar field's range;
		// retry on the astronomically unlikely case it happens here too.
		if _, err := Split(random.System(), dek, 3, 2); err == nil {
			return dek
		}
	}
}

func TestSplitCombineRoundTrip(t *testing.T) {
	dek := randomDEK(t)

	shares, err := Split(random.System(), dek, 5, 3)
	require.NoError(t, err)
	require.Len(t, shares, 5)

	for _, subset := range [][]int{{0, 1, 2}, {1, 3, 4}, {0, 2, 4}} {
		var s []Share
		for _, i := range subset {
			s = append(s, shares[i])
		}
		got, err := Combine(s)
		require.NoError(t, err)
		assert.Equal(t, dek, got)
	}
}

func TestCombineInsufficientShares(t *testing.T) {
	dek := randomDEK(t)
	shares, err := Split(random.System(), dek, 5, 3)
	require.NoError(t, err)

	_, err = Combine(shares[:2])
	require.ErrorIs(t, err, coralerr.ErrSssInsufficientShares)
}

func TestCombineCorruptShare(t *testing.T) {
	dek := randomDEK(t)
	shares, err := Split(random.System(), dek, 3, 2)
	require.NoError(t, err)

	corrupt := shares[0]
	corrupt.Value = append([]byte(nil), corrupt.Value...)
	corrupt.Value[0] ^= 0xFF

	_, err = Combine([]Share{corrupt, shares[1]})
	require.ErrorIs(t, err, coralerr.ErrSssCorruptShare)
}

func TestCombineIdempotent(t *testing.T) {
	dek := randomDEK(t)
	shares, err := Split(random.System(), dek, 4, 2)
	require.NoError(t, err)

	first, err := Combine(shares[:2])
	require.NoError(t, err)
	second, err := Combine(shares[:2])
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSplitRejectsInvalidThreshold(t *testing.T) {
	dek := randomDEK(t)

	_, err := Split(random.System(), dek, 3, 0)
	require.ErrorIs(t, err, coralerr.ErrInvalidArgument)

	_, err = Split(random.System(), dek, 3, 4)
	require.ErrorIs(t, err, coralerr.ErrInvalidArgument)
}
