package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3500, cfg.APIPort)
	assert.Equal(t, 3501, cfg.CmdPort)
	assert.Equal(t, "0.13", cfg.APIVersion)
	assert.False(t, cfg.Debug)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CTN_EMU_API_PORT", "4500")
	t.Setenv("CTN_EMU_CMD_PORT", "4501")
	t.Setenv("CTN_EMU_API_VERSION", "0.14")
	t.Setenv("CTN_EMU_DEBUG", "true")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4500, cfg.APIPort)
	assert.Equal(t, 4501, cfg.CmdPort)
	assert.Equal(t, "0.14", cfg.APIVersion)
	assert.True(t, cfg.Debug)
}

func TestValidate(t *testing.T) {
	valid := Config{APIPort: 3500, CmdPort: 3501, APIVersion: "0.13"}
	assert.NoError(t, valid.Validate())

	cases := map[string]Config{
		"zero API port":     {APIPort: 0, CmdPort: 3501, APIVersion: "0.13"},
		"port out of range": {APIPort: 70000, CmdPort: 3501, APIVersion: "0.13"},
		"equal ports":       {APIPort: 3500, CmdPort: 3500, APIVersion: "0.13"},
		"empty version":     {APIPort: 3500, CmdPort: 3501, APIVersion: ""},
	}
	for name, cfg := range cases {
		cfg := cfg
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestAPIBasePath(t *testing.T) {
	cfg := Config{APIVersion: "0.13"}
	assert.Equal(t, "/api/0.13/", cfg.APIBasePath())
}
