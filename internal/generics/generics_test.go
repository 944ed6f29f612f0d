package generics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	s := MakeSet[int](10)
	require.Empty(t, s)

	s.Insert(3, 7)
	require.Len(t, s, 2)
	require.True(t, s.Has(3))
	require.True(t, s.Has(7))
	require.False(t, s.Has(5))

	s2 := SetWith("actor", "actor", "train")
	require.Len(t, s2, 2)
	require.True(t, s2.Has("actor"))
	require.False(t, s2.Has("eval"))

	delete(s, 7)
	require.False(t, s.Has(7))
}
