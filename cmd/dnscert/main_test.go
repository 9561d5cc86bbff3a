package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jerkytreats/dnscert/internal/acme"
	"github.com/jerkytreats/dnscert/internal/certstore"
	"github.com/jerkytreats/dnscert/internal/challenge"
	"github.com/jerkytreats/dnscert/internal/config"
	"github.com/jerkytreats/dnscert/internal/dns/lookup"
	"github.com/jerkytreats/dnscert/internal/dns/provider"
	"github.com/jerkytreats/dnscert/internal/hooks"
	"github.com/jerkytreats/dnscert/internal/persistence"
	"github.com/jerkytreats/dnscert/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const document = `
profiles:
  - name: main
    provider: dummy
certificates:
  - domains: [example.com]
    profile: main
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dnscert.yml")
	require.NoError(t, os.WriteFile(path, []byte(document), 0o644))
	return path
}

func TestFlags(t *testing.T) {
	flags := newFlagSet()
	require.NoError(t, flags.Parse([]string{"-c", "cfg.yml", "-d", "/srv/certs", "-o", "-t", "auth", "-l", "example.com"}))

	cfg, _ := flags.GetString("config")
	dir, _ := flags.GetString("directory")
	oneShot, _ := flags.GetBool("one-shot")
	hookType, _ := flags.GetString("hook-type")
	lineage, _ := flags.GetString("lineage")

	assert.Equal(t, "cfg.yml", cfg)
	assert.Equal(t, "/srv/certs", dir)
	assert.True(t, oneShot)
	assert.Equal(t, "auth", hookType)
	assert.Equal(t, "example.com", lineage)

	assert.Error(t, newFlagSet().Parse([]string{"--unknown"}))
}

func TestNewClient(t *testing.T) {
	t.Cleanup(config.ResetForTest)

	deps := backendDeps{
		store:       certstore.New(t.TempDir()),
		validator:   challenge.NewValidator(provider.NewRegistry(), lookup.NewResolver(nil, time.Second)),
		runtimePath: "/tmp/runtime.yml",
	}

	client, err := newClient(acme.BackendCertbot, deps)
	require.NoError(t, err)
	assert.IsType(t, &acme.Certbot{}, client)

	client, err = newClient(acme.BackendLego, deps)
	require.NoError(t, err)
	assert.IsType(t, &acme.Lego{}, client)

	_, err = newClient("acme.sh", deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown ACME backend "acme.sh"`)
}

func TestRunHook(t *testing.T) {
	path := writeConfig(t)
	validator := challenge.NewValidator(provider.NewRegistry(), lookup.NewResolver(nil, time.Second))
	runner := hooks.NewRunner(validator)

	t.Setenv("CERTBOT_DOMAIN", "example.com")
	t.Setenv("CERTBOT_VALIDATION", "token")

	require.NoError(t, runHook(context.Background(), runner, "cleanup", path, "example.com"))

	err := runHook(context.Background(), runner, "renew", path, "example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown hook type")

	err = runHook(context.Background(), runner, "cleanup", path, "missing.example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not be found in configuration")

	err = runHook(context.Background(), runner, "cleanup", filepath.Join(t.TempDir(), "absent.yml"), "example.com")
	assert.Error(t, err)
}

type failingClient struct{}

func (failingClient) Register(context.Context, string, string) error { return nil }
func (failingClient) Obtain(context.Context, acme.Request) error     { return errors.New("rate limited") }
func (failingClient) Revoke(context.Context, string, string) error   { return nil }

func TestRunOnce(t *testing.T) {
	path := writeConfig(t)
	dir := t.TempDir()

	loop := reconcile.New(reconcile.Config{
		ConfigPath: path,
		Store:      certstore.New(filepath.Join(dir, "certs")),
		Client:     acme.Serialize(failingClient{}),
		Runtime:    persistence.NewFileStorage(filepath.Join(dir, runtimeFile), 0),
		Environ:    func() map[string]string { return map[string]string{} },
	})

	err := runOnce(context.Background(), loop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 certificate operations failed")
}
