package darc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestID(t *testing.T) {
	require.True(t, NilID.IsNil())

	a, b := NewID(), NewID()
	require.False(t, a.IsNil())
	require.NotEqual(t, a, b)
	require.Equal(t, 0, a.Compare(a))
	require.Equal(t, -b.Compare(a), a.Compare(b))

	parsed, err := ParseID(a.String())
	require.NoError(t, err)
	require.Equal(t, a, parsed)

	_, err = ParseID("not an id")
	require.Error(t, err)

	text, err := a.MarshalText()
	require.NoError(t, err)
	var back ID
	require.NoError(t, back.UnmarshalText(text))
	require.Equal(t, a, back)

	require.Len(t, a.ShortString(), 8)
}
