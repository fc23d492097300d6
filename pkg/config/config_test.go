package config

import (
	"testing"

	"github.com/port-labs/ocean-core/pkg/ocerr"
	"github.com/stretchr/testify/require"
)

type portalSettings struct {
	Token   string `mapstructure:"token" validate:"required"`
	BaseURL string `mapstructure:"baseurl"`
}

type testConfig struct {
	IntegrationID string         `mapstructure:"integrationid" validate:"required"`
	Portal        portalSettings `mapstructure:"portal"`
}

func (c testConfig) Redacted() string {
	return "testConfig{IntegrationID: " + c.IntegrationID + ", Portal: {Token: ***}}"
}

func TestLoadDecodesNestedEnvVars(t *testing.T) {
	require := require.New(t)

	t.Setenv("OCEAN__INTEGRATIONID", "my-integration")
	t.Setenv("OCEAN__PORTAL__TOKEN", "secret-token")
	t.Setenv("OCEAN__PORTAL__BASEURL", "https://example.test")

	var cfg testConfig
	require.NoError(Load(&cfg))
	require.Equal("my-integration", cfg.IntegrationID)
	require.Equal("secret-token", cfg.Portal.Token)
	require.Equal("https://example.test", cfg.Portal.BaseURL)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	require := require.New(t)

	t.Setenv("OCEAN__INTEGRATIONID", "my-integration")
	t.Setenv("OCEAN__PORTAL__TOKEN", "secret-token")
	t.Setenv("OCEAN__PORTAL__NOT_A_REAL_FIELD", "oops")

	var cfg testConfig
	err := Load(&cfg)
	require.Error(err)
	require.True(ocerr.Is(err, ocerr.ConfigError))
}

func TestLoadFailsValidationOnMissingRequiredField(t *testing.T) {
	require := require.New(t)

	t.Setenv("OCEAN__INTEGRATIONID", "my-integration")

	var cfg testConfig
	err := Load(&cfg)
	require.Error(err)
	require.True(ocerr.Is(err, ocerr.ConfigError))
}

func TestLoadRejectsNonPointerTarget(t *testing.T) {
	require := require.New(t)

	err := Load(testConfig{})
	require.Error(err)
	require.True(ocerr.Is(err, ocerr.ConfigError))
}

func TestDescribeUsesRedactor(t *testing.T) {
	require := require.New(t)

	cfg := testConfig{IntegrationID: "abc", Portal: portalSettings{Token: "shh"}}
	desc := Describe(cfg)
	require.Contains(desc, "abc")
	require.NotContains(desc, "shh")
}

type unredactedConfig struct {
	Field string
}

func TestDescribeFallsBackToTypeNameWithoutRedactor(t *testing.T) {
	require := require.New(t)

	desc := Describe(unredactedConfig{Field: "secret"})
	require.NotContains(desc, "secret")
	require.Contains(desc, "unredactedConfig")
}
