package legacy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jerkytreats/dnscert/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const domainsConf = `test1.sub.example.com test2.sub.example.com autorestart-containers=container1,container2 autocmd-containers=container3:cmd3 arg3,container4:cmd4 arg4a arg4b
*.sub.example.com sub.example.com
`

func legacyEnviron() map[string]string {
	return map[string]string{
		"LEXICON_PROVIDER":                 "ovh",
		"LEXICON_OVH_AUTH_APPLICATION_KEY": "KEY",
		"LEXICON_OVH_AUTH_ENTRYPOINT":      "ovh-eu",
		"LEXICON_SLEEP_TIME":               "60",
		"LEXICON_MAX_CHECKS":               "3",
		"LEXICON_TTL":                      "42",
		"LETSENCRYPT_USER_MAIL":            "john.doe@example.com",
		"LETSENCRYPT_STAGING":              "true",
		"LETSENCRYPT_ACME_V1":              "true",
		"CERTS_DIRS_MODE":                  "0755",
		"CERTS_FILES_MODE":                 "0644",
		"CERTS_USER_OWNER":                 "nobody",
		"CERTS_GROUP_OWNER":                "nogroup",
		"PFX_EXPORT":                       "true",
		"PFX_EXPORT_PASSPHRASE":            "PASSPHRASE",
		"DEPLOY_HOOK":                      "./deploy.sh",
	}
}

func writeDomains(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "domains.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMigrate(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "dnscert", "config.yml")
	domains := writeDomains(t, domainsConf)

	generated, err := Migrate(configPath, domains, legacyEnviron())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(configPath), GeneratedFile), generated)

	doc, err := config.Load(generated, config.LoadOptions{Environ: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, "john.doe@example.com", doc.ACME.EmailAccount)
	assert.True(t, doc.ACME.Staging)
	assert.Equal(t, 1, doc.ACME.APIVersion)
	assert.Equal(t, 0o755, doc.ACME.CertsPermissions.Dirs())
	assert.Equal(t, 0o644, doc.ACME.CertsPermissions.Files())
	assert.Equal(t, "nobody", doc.ACME.CertsPermissions.User)
	assert.Equal(t, "nogroup", doc.ACME.CertsPermissions.Group)

	require.Len(t, doc.Profiles, 1)
	profile := doc.Profiles[0]
	assert.Equal(t, "ovh", profile.Name)
	assert.Equal(t, "ovh", profile.Provider)
	assert.Equal(t, time.Minute, profile.Sleep())
	assert.Equal(t, 3, profile.MaxChecks)
	assert.Equal(t, 42, profile.TTL)
	assert.Equal(t, "KEY", profile.ProviderOptions["auth_application_key"])
	assert.Equal(t, "ovh-eu", profile.ProviderOptions["auth_entrypoint"])

	require.Len(t, doc.Certificates, 2)
	first := doc.Certificates[0]
	assert.Equal(t, "test1.sub.example.com", first.Name)
	assert.Equal(t, []string{"test1.sub.example.com", "test2.sub.example.com"}, first.Domains)
	assert.Equal(t, "ovh", first.Profile)
	assert.Equal(t, "./deploy.sh", first.DeployHook)
	assert.True(t, first.PFX.Export)
	assert.Equal(t, "PASSPHRASE", first.PFX.Passphrase)
	require.Len(t, first.Autorestart, 1)
	assert.Equal(t, []string{"container1", "container2"}, first.Autorestart[0].Containers)
	require.Len(t, first.Autocmd, 2)
	_, shell := first.Autocmd[0].Command()
	assert.Equal(t, "cmd3 arg3", shell)
	assert.Equal(t, []string{"container3"}, first.Autocmd[0].Containers)
	_, shell = first.Autocmd[1].Command()
	assert.Equal(t, "cmd4 arg4a arg4b", shell)

	second := doc.Certificates[1]
	assert.Equal(t, "sub.example.com", second.Name)
	assert.Equal(t, []string{"*.sub.example.com", "sub.example.com"}, second.Domains)
}

func TestMigrateIsStable(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yml")
	domains := writeDomains(t, domainsConf)

	generated, err := Migrate(configPath, domains, legacyEnviron())
	require.NoError(t, err)
	before, err := os.ReadFile(generated)
	require.NoError(t, err)
	info, err := os.Stat(generated)
	require.NoError(t, err)

	_, err = Migrate(configPath, domains, legacyEnviron())
	require.NoError(t, err)
	after, err := os.ReadFile(generated)
	require.NoError(t, err)
	again, err := os.Stat(generated)
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Equal(t, info.ModTime(), again.ModTime())
}

func TestMigrateNotApplicable(t *testing.T) {
	dir := t.TempDir()
	domains := writeDomains(t, domainsConf)

	t.Run("config exists", func(t *testing.T) {
		configPath := filepath.Join(dir, "config.yml")
		require.NoError(t, os.WriteFile(configPath, []byte("draft: true\n"), 0o644))
		generated, err := Migrate(configPath, domains, legacyEnviron())
		require.NoError(t, err)
		assert.Empty(t, generated)
	})

	t.Run("no domains file", func(t *testing.T) {
		generated, err := Migrate(filepath.Join(dir, "missing.yml"), filepath.Join(dir, "nope.conf"), legacyEnviron())
		require.NoError(t, err)
		assert.Empty(t, generated)
	})

	t.Run("no provider", func(t *testing.T) {
		environ := legacyEnviron()
		delete(environ, "LEXICON_PROVIDER")
		generated, err := Migrate(filepath.Join(dir, "missing.yml"), domains, environ)
		require.NoError(t, err)
		assert.Empty(t, generated)
		assert.NoFileExists(t, filepath.Join(dir, GeneratedFile))
	})
}

func TestBuildSwarm(t *testing.T) {
	doc := Build("dummy", "example.com autorestart-containers=web,api\n\n", map[string]string{
		"DOCKER_CLUSTER_PROVIDER": "swarm",
	})

	certs := doc["certificates"].([]interface{})
	require.Len(t, certs, 1)
	cert := certs[0].(map[string]interface{})
	assert.Equal(t, []interface{}{"example.com"}, cert["domains"])
	restart := cert["autorestart"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, []interface{}{"web", "api"}, restart["swarm_services"])
	assert.NotContains(t, doc, "acme")

	profile := doc["profiles"].([]interface{})[0].(map[string]interface{})
	assert.NotContains(t, profile, "provider_options")
}
