package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchConstants(t *testing.T) {
	d := Defaults()
	require.Equal(t, 1024, d.Quotas.MaxMsgs)
	require.Equal(t, 64, d.Bloom.Size)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults().Quotas, c.Quotas)
	require.Equal(t, Defaults().Bloom, c.Bloom)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("KDBUS_QUOTAS_MAX_MSGS", "42")
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 42, c.Quotas.MaxMsgs)
}
