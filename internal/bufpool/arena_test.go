package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReserveContiguous(t *testing.T) {
	r := NewRegion(64)
	defer r.Close()

	a, err := r.Reserve(10)
	require.NoError(t, err)
	b, err := r.Reserve(20)
	require.NoError(t, err)

	require.Equal(t, uint(30), r.Len())
	require.Len(t, a, 10)
	require.Len(t, b, 20)

	copy(a, []byte("0123456789"))
	require.Equal(t, []byte("0123456789"), r.Bytes()[:10])
}

func TestReserveFullReturnsErrFull(t *testing.T) {
	r := NewRegion(16)
	defer r.Close()

	_, err := r.Reserve(10)
	require.NoError(t, err)
	_, err = r.Reserve(10)
	require.ErrorIs(t, err, ErrFull)
}

func TestResetReusesBuffer(t *testing.T) {
	r := NewRegion(16)
	defer r.Close()

	_, err := r.Reserve(16)
	require.NoError(t, err)
	require.Equal(t, uint(16), r.Len())

	r.Reset()
	require.Equal(t, uint(0), r.Len())

	_, err = r.Reserve(16)
	require.NoError(t, err)
}
