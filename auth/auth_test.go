package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeIsDeterministic(t *testing.T) {
	sig, err := NewSignature()
	require.NoError(t, err)
	require.Len(t, sig, SignatureSize*2)

	a := Code(sig, "shared-secret")
	b := Code(sig, "shared-secret")
	require.Equal(t, a, b)
	require.Len(t, a, 40)
}

func TestCodeDiffersByInput(t *testing.T) {
	sigA, err := NewSignature()
	require.NoError(t, err)
	sigB, err := NewSignature()
	require.NoError(t, err)
	require.NotEqual(t, sigA, sigB)

	require.NotEqual(t, Code(sigA, "s"), Code(sigB, "s"))
	require.NotEqual(t, Code(sigA, "s1"), Code(sigA, "s2"))
}

func TestCodeEmptySecretRunsUnauthenticated(t *testing.T) {
	sig, err := NewSignature()
	require.NoError(t, err)
	require.Equal(t, "", Code(sig, ""))
}
