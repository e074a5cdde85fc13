package peerid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewHasPrefix(t *testing.T) {
	id := New()
	require.Equal(t, prefix, string(id[:len(prefix)]))
	require.Len(t, id, 20)
}

func TestNewIsUnique(t *testing.T) {
	a := New()
	b := New()
	require.NotEqual(t, a, b)
}
