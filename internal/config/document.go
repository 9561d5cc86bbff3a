package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/jerkytreats/dnscert/pkg/validation"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSleepTime = 30 * time.Second
	DefaultFilesMode = 0o640
	DefaultDirsMode  = 0o750
	DefaultKeyType   = "rsa"
)

// Document is a validated certificate configuration.
type Document struct {
	Draft        bool          `mapstructure:"draft"`
	ACME         ACME          `mapstructure:"acme"`
	Profiles     []Profile     `mapstructure:"profiles"`
	Certificates []Certificate `mapstructure:"certificates"`

	raw map[string]interface{}
}

type ACME struct {
	EmailAccount     string      `mapstructure:"email_account"`
	Staging          bool        `mapstructure:"staging"`
	APIVersion       int         `mapstructure:"api_version"`
	DirectoryURL     string      `mapstructure:"directory_url"`
	CrontimeRenew    string      `mapstructure:"crontime_renew"`
	CertsPermissions Permissions `mapstructure:"certs_permissions"`
}

// Permissions applied to the certificate store. User and Group hold a name
// or a numeric id.
type Permissions struct {
	FilesMode *int   `mapstructure:"files_mode"`
	DirsMode  *int   `mapstructure:"dirs_mode"`
	User      string `mapstructure:"user"`
	Group     string `mapstructure:"group"`
}

// Files returns the file mode, defaulting to 0640.
func (p Permissions) Files() int {
	if p.FilesMode == nil {
		return DefaultFilesMode
	}
	return *p.FilesMode
}

// Dirs returns the directory mode, defaulting to 0750.
func (p Permissions) Dirs() int {
	if p.DirsMode == nil {
		return DefaultDirsMode
	}
	return *p.DirsMode
}

// Profile binds a DNS provider and its credentials to propagation settings.
type Profile struct {
	Name               string                 `mapstructure:"name"`
	Provider           string                 `mapstructure:"provider"`
	ProviderOptions    map[string]interface{} `mapstructure:"provider_options"`
	SleepTime          *int                   `mapstructure:"sleep_time"`
	MaxChecks          int                    `mapstructure:"max_checks"`
	TTL                int                    `mapstructure:"ttl"`
	DelegatedSubdomain string                 `mapstructure:"delegated_subdomain"`
}

// Sleep is the wait between propagation checks.
func (p Profile) Sleep() time.Duration {
	if p.SleepTime == nil {
		return DefaultSleepTime
	}
	return time.Duration(*p.SleepTime) * time.Second
}

type Certificate struct {
	Name         string        `mapstructure:"name"`
	Domains      []string      `mapstructure:"domains"`
	Profile      string        `mapstructure:"profile"`
	ForceRenew   bool          `mapstructure:"force_renew"`
	ReuseKey     bool          `mapstructure:"reuse_key"`
	KeyType      string        `mapstructure:"key_type"`
	FollowCNAMEs bool          `mapstructure:"follow_cnames"`
	DeployHook   string        `mapstructure:"deploy_hook"`
	PFX          PFX           `mapstructure:"pfx"`
	Autorestart  []Autorestart `mapstructure:"autorestart"`
	Autocmd      []Autocmd     `mapstructure:"autocmd"`
}

type PFX struct {
	Export     bool   `mapstructure:"export"`
	Passphrase string `mapstructure:"passphrase"`
}

type Autorestart struct {
	Containers       []string `mapstructure:"containers"`
	SwarmServices    []string `mapstructure:"swarm_services"`
	PodmanContainers []string `mapstructure:"podman_containers"`
}

type Autocmd struct {
	Cmd        interface{} `mapstructure:"cmd"`
	Containers []string    `mapstructure:"containers"`
}

// Command returns the command either as an argument list or, when it was
// declared as a single string, as a shell command line.
func (a Autocmd) Command() (args []string, shell string) {
	switch cmd := a.Cmd.(type) {
	case string:
		return nil, cmd
	case []interface{}:
		for _, item := range cmd {
			args = append(args, fmt.Sprint(item))
		}
		return args, ""
	case []string:
		return cmd, ""
	}
	return nil, ""
}

// Lineage is the certificate name: the explicit name, else the first
// domain without a wildcard label.
func (c Certificate) Lineage() (string, error) {
	if c.Name != "" {
		return c.Name, nil
	}
	if len(c.Domains) > 0 && c.Domains[0] != "" {
		return validation.NormalizeLineage(c.Domains[0]), nil
	}
	return "", fmt.Errorf("could not find the certificate name for certificate with domains %v", c.Domains)
}

// KeyTypeOrDefault returns the key type, defaulting to rsa.
func (c Certificate) KeyTypeOrDefault() string {
	if c.KeyType == "" {
		return DefaultKeyType
	}
	return c.KeyType
}

// Profile returns the profile with the given name.
func (d *Document) Profile(name string) (*Profile, bool) {
	for i := range d.Profiles {
		if d.Profiles[i].Name == name {
			return &d.Profiles[i], true
		}
	}
	return nil, false
}

// Certificate returns the certificate declaring the given lineage.
func (d *Document) Certificate(lineage string) (*Certificate, bool) {
	for i := range d.Certificates {
		if l, err := d.Certificates[i].Lineage(); err == nil && l == lineage {
			return &d.Certificates[i], true
		}
	}
	return nil, false
}

// ProfileForLineage returns the certificate and its profile for a lineage.
func (d *Document) ProfileForLineage(lineage string) (*Certificate, *Profile, error) {
	cert, ok := d.Certificate(lineage)
	if !ok {
		return nil, nil, fmt.Errorf("certificate named %s could not be found in configuration", lineage)
	}
	profile, ok := d.Profile(cert.Profile)
	if !ok {
		return nil, nil, fmt.Errorf("profile %s for certificate %s could not be found in configuration", cert.Profile, lineage)
	}
	return cert, profile, nil
}

// Lineages returns the set of declared lineages.
func (d *Document) Lineages() map[string]struct{} {
	out := make(map[string]struct{}, len(d.Certificates))
	for _, cert := range d.Certificates {
		if lineage, err := cert.Lineage(); err == nil {
			out[lineage] = struct{}{}
		}
	}
	return out
}

// DirectoryURL returns the ACME directory: the explicit directory_url, else
// the Let's Encrypt production or staging endpoint for the API version.
func (d *Document) DirectoryURL() string {
	if d.ACME.DirectoryURL != "" {
		return d.ACME.DirectoryURL
	}

	host := "acme-v02"
	if d.ACME.APIVersion == 1 {
		host = "acme-v01"
		if d.ACME.Staging {
			host = "acme-staging"
		}
	} else if d.ACME.Staging {
		host = "acme-staging-v02"
	}
	return fmt.Sprintf("https://%s.api.letsencrypt.org/directory", host)
}

// Raw returns a copy of the validated document tree.
func (d *Document) Raw() map[string]interface{} {
	if d.raw == nil {
		return map[string]interface{}{}
	}
	return deepCopy(d.raw).(map[string]interface{})
}

// Encode renders the validated tree as YAML that loads back to the same document.
func (d *Document) Encode() ([]byte, error) {
	return yaml.Marshal(d.Raw())
}

// Summary is a one-line description used in logs.
func (c Certificate) Summary() string {
	return strings.Join(c.Domains, ", ")
}
