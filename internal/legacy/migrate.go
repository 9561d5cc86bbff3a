// Package legacy converts the domains.conf + environment variables setup of
// the former docker-letsencrypt-dns image into a configuration document.
package legacy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/jerkytreats/dnscert/internal/logging"
	"github.com/jerkytreats/dnscert/internal/persistence"
	"github.com/jerkytreats/dnscert/pkg/validation"
	"gopkg.in/yaml.v3"
)

// GeneratedFile is written next to the configured path.
const GeneratedFile = "config-generated.yml"

var whitespace = regexp.MustCompile(`\s+`)

// Migrate generates GeneratedFile from domainsFile and environ when
// configPath does not exist. It returns the generated path, or "" when no
// migration applies.
func Migrate(configPath, domainsFile string, environ map[string]string) (string, error) {
	if _, err := os.Stat(configPath); err == nil {
		return "", nil
	}
	if _, err := os.Stat(domainsFile); err != nil {
		return "", nil
	}

	provider := environ["LEXICON_PROVIDER"]
	if provider == "" {
		logging.Error("Error, LEXICON_PROVIDER environment variable is not set!")
		return "", nil
	}

	domains, err := os.ReadFile(domainsFile)
	if err != nil {
		return "", fmt.Errorf("could not read %s: %w", domainsFile, err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(Build(provider, string(domains), environ)); err != nil {
		return "", fmt.Errorf("could not encode migrated configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("could not encode migrated configuration: %w", err)
	}

	generated := filepath.Join(filepath.Dir(configPath), GeneratedFile)
	changed, err := persistence.NewFileStorage(generated, 0).WriteIfChanged(buf.Bytes())
	if err != nil {
		return "", err
	}
	if changed {
		logging.Warn("Legacy configuration detected. Support for legacy configurations will be dropped soon.")
		logging.Warn("New configuration file is available at %s", generated)
		logging.Warn("Quick fix (if directory %s is persisted): rename this file to %s", filepath.Dir(configPath), filepath.Base(configPath))
	}
	return generated, nil
}

// Build returns the configuration tree for a domains.conf content.
func Build(provider, domainsConf string, environ map[string]string) map[string]interface{} {
	profile := map[string]interface{}{
		"name":     provider,
		"provider": provider,
	}

	prefix := "LEXICON_" + strings.ToUpper(provider) + "_"
	options := map[string]interface{}{}
	for key, value := range environ {
		if strings.HasPrefix(key, prefix) {
			options[strings.ToLower(strings.TrimPrefix(key, prefix))] = value
		}
	}
	if len(options) > 0 {
		profile["provider_options"] = options
	}

	doc := map[string]interface{}{
		"profiles":     []interface{}{profile},
		"certificates": certificates(domainsConf, provider, environ),
	}
	applyEnv(environ, doc, profile)
	return doc
}

func certificates(domainsConf, profile string, environ map[string]string) []interface{} {
	restartKey := "containers"
	if environ["DOCKER_CLUSTER_PROVIDER"] == "swarm" {
		restartKey = "swarm_services"
	}

	certs := []interface{}{}
	for _, line := range strings.Split(domainsConf, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var domains []string
		var autorestart, autocmd []interface{}

		items := whitespace.Split(line, -1)
		for i, item := range items {
			if strings.HasPrefix(item, "autorestart-containers=") {
				autorestart = append(autorestart, map[string]interface{}{
					restartKey: splitTrim(strings.TrimPrefix(item, "autorestart-containers=")),
				})
				continue
			}
			if strings.HasPrefix(item, "autocmd-containers=") {
				rest := strings.TrimPrefix(strings.Join(items[i:], " "), "autocmd-containers=")
				for _, directive := range strings.Split(rest, ",") {
					container, cmd, ok := strings.Cut(directive, ":")
					if !ok {
						logging.Warn("Ignoring malformed autocmd directive %q", directive)
						continue
					}
					autocmd = append(autocmd, map[string]interface{}{
						"containers": []interface{}{container},
						"cmd":        cmd,
					})
				}
				break
			}
			domains = append(domains, item)
		}

		if len(domains) == 0 {
			continue
		}
		cert := map[string]interface{}{
			"name":    validation.NormalizeLineage(domains[0]),
			"domains": toList(domains),
			"profile": profile,
		}
		if len(autorestart) > 0 {
			cert["autorestart"] = autorestart
		}
		if len(autocmd) > 0 {
			cert["autocmd"] = autocmd
		}
		certs = append(certs, cert)
	}
	return certs
}

func applyEnv(environ map[string]string, doc, profile map[string]interface{}) {
	acme := map[string]interface{}{}
	perms := map[string]interface{}{}

	if v := environ["LETSENCRYPT_USER_MAIL"]; v != "" {
		acme["email_account"] = v
	}
	if environ["LETSENCRYPT_STAGING"] == "true" {
		acme["staging"] = true
	}
	if environ["LETSENCRYPT_ACME_V1"] == "true" {
		acme["api_version"] = 1
	}
	if v := environ["CRON_TIME_STRING"]; v != "" {
		acme["crontime_renew"] = v
	}

	for env, key := range map[string]string{"CERTS_FILES_MODE": "files_mode", "CERTS_DIRS_MODE": "dirs_mode"} {
		if v := environ[env]; v != "" {
			mode, err := strconv.ParseInt(v, 8, 32)
			if err != nil {
				logging.Warn("Ignoring %s=%s: not an octal mode", env, v)
				continue
			}
			perms[key] = int(mode)
		}
	}
	if v := environ["CERTS_USER_OWNER"]; v != "" {
		perms["user"] = v
	}
	if v := environ["CERTS_GROUP_OWNER"]; v != "" {
		perms["group"] = v
	}
	if len(perms) > 0 {
		acme["certs_permissions"] = perms
	}
	if len(acme) > 0 {
		doc["acme"] = acme
	}

	for env, key := range map[string]string{"LEXICON_SLEEP_TIME": "sleep_time", "LEXICON_MAX_CHECKS": "max_checks", "LEXICON_TTL": "ttl"} {
		if v := environ[env]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				logging.Warn("Ignoring %s=%s: not an integer", env, v)
				continue
			}
			profile[key] = n
		}
	}

	for _, item := range doc["certificates"].([]interface{}) {
		cert := item.(map[string]interface{})
		if v := environ["DEPLOY_HOOK"]; v != "" {
			cert["deploy_hook"] = v
		}
		if environ["PFX_EXPORT"] == "true" {
			pfx := map[string]interface{}{"export": true}
			if v := environ["PFX_EXPORT_PASSPHRASE"]; v != "" {
				pfx["passphrase"] = v
			}
			cert["pfx"] = pfx
		}
	}
}

func splitTrim(s string) []interface{} {
	parts := strings.Split(s, ",")
	out := make([]interface{}, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func toList(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
