//go:build integration

package main

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var binary string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "dnscert-integration-")
	if err != nil {
		panic(err)
	}

	binary = filepath.Join(dir, "dnscert")
	var out bytes.Buffer
	cmd := exec.Command("go", "build", "-o", binary, ".")
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		panic("go build failed: " + err.Error() + "\nOutput: " + out.String())
	}

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

func runBinary(t *testing.T, env []string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dnscert.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestOneShotDraft(t *testing.T) {
	cfg := writeFile(t, "draft: true\n"+document)
	certs := filepath.Join(t.TempDir(), "certs")

	out, err := runBinary(t, nil, "-c", cfg, "-d", certs, "--one-shot")
	require.NoError(t, err, out)
	assert.Contains(t, out, "draft mode")
	assert.NoDirExists(t, filepath.Join(certs, "live"))
}

func TestOneShotInvalidConfiguration(t *testing.T) {
	cfg := writeFile(t, "certificates: [\n")

	out, err := runBinary(t, nil, "-c", cfg, "-d", t.TempDir(), "--one-shot")
	require.Error(t, err)
	assert.Contains(t, out, "no valid configuration")
}

func TestHookMode(t *testing.T) {
	cfg := writeFile(t, document)
	env := []string{"CERTBOT_DOMAIN=example.com", "CERTBOT_VALIDATION=token"}

	out, err := runBinary(t, env, "-t", "cleanup", "-c", cfg, "-l", "example.com")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Executing cleanup hook")

	out, err = runBinary(t, env, "-t", "renew", "-c", cfg, "-l", "example.com")
	require.Error(t, err)
	assert.Contains(t, out, "unknown hook type")
}

func TestUnknownFlag(t *testing.T) {
	_, err := runBinary(t, nil, "--bogus")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.ExitCode())
}
