package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsDefaults(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	require.NoError(t, InitConfig(WithSettingsPath("/nonexistent/settings.yml")))

	assert.Equal(t, "INFO", GetString(LogLevelKey))
	assert.Equal(t, "certbot", GetString(ACMEBackendKey))
	assert.Equal(t, time.Second, GetDuration(TickIntervalKey))
	assert.Equal(t, 12*time.Hour, GetDuration(RenewMaxJitterKey))
	assert.Equal(t, []string{"12:00", "00:00"}, GetStringSlice(RenewTimesKey))
	assert.False(t, GetBool(EnvMergeKey))
	assert.Equal(t, 0, GetInt("nonexistent"))
}

func TestSettingsFile(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	path := filepath.Join(t.TempDir(), "settings.yml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: DEBUG\ndns:\n  timeout: 3s\n"), 0644))

	require.NoError(t, InitConfig(WithSettingsPath(path)))
	assert.Equal(t, "DEBUG", GetString(LogLevelKey))
	assert.Equal(t, 3*time.Second, GetDuration(DNSTimeoutKey))
}

func TestSettingsInvalidFile(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	path := filepath.Join(t.TempDir(), "settings.yml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: [unterminated"), 0644))

	assert.Error(t, InitConfig(WithSettingsPath(path)))
}

func TestSettingsEnvironment(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	t.Setenv("DNSCERT_DNS_RESOLVERS", "127.0.0.1:53, 127.0.0.2:53")
	t.Setenv("DNSCERT_ENV_MERGE", "true")

	require.NoError(t, InitConfig())
	assert.Equal(t, []string{"127.0.0.1:53", "127.0.0.2:53"}, GetStringSlice(DNSResolversKey))
	assert.True(t, GetBool(EnvMergeKey))
}

func TestSettingsFlagsOverride(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	t.Setenv("DNSCERT_DIRECTORY", "/from/env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String(DirectoryKey, "/default", "")
	flags.Bool("one-shot", false, "")
	require.NoError(t, flags.Parse([]string{"--directory=/from/flag", "--one-shot"}))

	require.NoError(t, InitConfig(WithFlags(flags)))
	assert.Equal(t, "/from/flag", GetString(DirectoryKey))
	assert.True(t, GetBool(OneShotKey))
}

func TestInitConfigMultipleCalls(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	path := filepath.Join(t.TempDir(), "settings.yml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: DEBUG\n"), 0644))

	require.NoError(t, InitConfig(WithSettingsPath(path)))
	require.NoError(t, InitConfig(WithSettingsPath("/different/settings.yml")))
	assert.Equal(t, "DEBUG", GetString(LogLevelKey))
}

func TestCheckRequiredKeys(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	RegisterRequiredKey("required_key1")
	RegisterRequiredKey("required_key2")
	RegisterRequiredKey("required_key2")

	err := CheckRequiredKeys()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required configuration keys")
	assert.Equal(t, []string{"required_key1", "required_key2"}, MissingKeys)

	SetForTest("required_key1", "value1")
	err = CheckRequiredKeys()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required_key2")

	SetForTest("required_key2", "value2")
	require.NoError(t, CheckRequiredKeys())
	assert.True(t, HasKey("required_key1"))
}
