package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseProviders(t *testing.T) {
	set, err := ParseProviders(" OpenAI, anthropic ,,")
	require.NoError(t, err)
	require.Len(t, set, 2)

	spec, ok := set.Lookup("openai")
	require.True(t, ok)
	require.Equal(t, "Authorization", spec.AuthHeader)

	_, ok = set.Lookup("google")
	require.False(t, ok)
}

func TestParseProviders_RejectsUnknown(t *testing.T) {
	_, err := ParseProviders("openai,acme")
	require.ErrorContains(t, err, `unknown provider "acme"`)
}

func TestCheckAux(t *testing.T) {
	set, err := ParseProviders("anthropic,openai")
	require.NoError(t, err)

	require.NoError(t, set.CheckAux("openai", true, true))
	require.NoError(t, set.CheckAux("anthropic", true, false))
	require.ErrorContains(t, set.CheckAux("anthropic", false, true), "does not support sources")
	require.ErrorContains(t, set.CheckAux("google", true, false), "not enabled")
}
