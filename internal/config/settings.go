// Package config holds both halves of dnscert configuration: the process
// settings (flags, DNSCERT_* environment, optional settings file) kept in a
// viper singleton, and the certificate document resolver.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Setting keys.
const (
	LogLevelKey          = "log_level"
	ConfigPathKey        = "config"
	DirectoryKey         = "directory"
	OneShotKey           = "one_shot"
	EnvMergeKey          = "env_merge"
	ACMEBackendKey       = "acme.backend"
	CertbotBinaryKey     = "certbot.binary"
	CertbotFlagsKey      = "certbot.flags"
	TickIntervalKey      = "tick_interval"
	RenewTimesKey        = "renew.times"
	RenewMaxJitterKey    = "renew.max_jitter"
	DNSResolversKey      = "dns.resolvers"
	DNSTimeoutKey        = "dns.timeout"
	LegacyDomainsFileKey = "legacy.domains_file"
	RuntimeBackupsKey    = "runtime.backups"
)

// EnvPrefix is shared by DNSCERT_<SETTING> variables and the
// DNSCERT__<SEGMENT>__... document tree.
const EnvPrefix = "DNSCERT"

// Settings holds the process settings and provides thread-safe access.
type Settings struct {
	viper        *viper.Viper
	initialized  bool
	initOnce     sync.Once
	mu           sync.RWMutex
	settingsPath string
	flags        *pflag.FlagSet
}

var (
	instance          *Settings
	instanceOnce      sync.Once
	requiredKeys      []string
	requiredKeysMutex sync.Mutex
	// MissingKeys lists the required keys absent at the last CheckRequiredKeys call.
	MissingKeys []string
)

func getInstance() *Settings {
	instanceOnce.Do(func() {
		instance = &Settings{}
	})
	return instance
}

// InitConfig initializes the settings singleton. Later calls are no-ops.
func InitConfig(opts ...SettingsOption) error {
	return getInstance().init(opts...)
}

// SettingsOption configures InitConfig.
type SettingsOption func(*Settings)

// WithSettingsPath reads an optional YAML settings file.
func WithSettingsPath(path string) SettingsOption {
	return func(s *Settings) {
		s.settingsPath = path
	}
}

// WithFlags binds command-line flags; a flag set by the user overrides
// every other source.
func WithFlags(flags *pflag.FlagSet) SettingsOption {
	return func(s *Settings) {
		s.flags = flags
	}
}

func (s *Settings) init(opts ...SettingsOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	s.initOnce.Do(func() {
		for _, opt := range opts {
			opt(s)
		}

		s.viper, err = s.load()
		if err == nil {
			s.initialized = true
		}
	})
	return err
}

func (s *Settings) load() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if s.flags != nil {
		var bindErr error
		s.flags.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	if s.settingsPath == "" {
		return v, nil
	}
	if _, err := os.Stat(s.settingsPath); os.IsNotExist(err) {
		return v, nil
	}

	v.SetConfigFile(s.settingsPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", s.settingsPath, err)
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(LogLevelKey, "INFO")
	v.SetDefault(ConfigPathKey, "./dnscert.yml")
	v.SetDefault(DirectoryKey, "/etc/letsencrypt")
	v.SetDefault(OneShotKey, false)
	v.SetDefault(EnvMergeKey, false)
	v.SetDefault(ACMEBackendKey, "certbot")
	v.SetDefault(CertbotBinaryKey, "certbot")
	v.SetDefault(CertbotFlagsKey, []string{"--preferred-chain", "ISRG Root X1"})
	v.SetDefault(TickIntervalKey, time.Second)
	v.SetDefault(RenewTimesKey, []string{"12:00", "00:00"})
	v.SetDefault(RenewMaxJitterKey, 12*time.Hour)
	v.SetDefault(DNSResolversKey, []string{})
	v.SetDefault(DNSTimeoutKey, 10*time.Second)
	v.SetDefault(LegacyDomainsFileKey, "/etc/letsencrypt/domains.conf")
	v.SetDefault(RuntimeBackupsKey, 3)
}

func (s *Settings) ensureInitialized() error {
	s.mu.RLock()
	if s.initialized {
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	return s.init()
}

func read[T any](get func(v *viper.Viper) T) T {
	s := getInstance()
	_ = s.ensureInitialized()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var zero T
	if s.viper == nil {
		return zero
	}
	return get(s.viper)
}

// GetString returns a string setting.
func GetString(key string) string {
	return read(func(v *viper.Viper) string { return v.GetString(key) })
}

// GetInt returns an int setting.
func GetInt(key string) int {
	return read(func(v *viper.Viper) int { return v.GetInt(key) })
}

// GetBool returns a bool setting.
func GetBool(key string) bool {
	return read(func(v *viper.Viper) bool { return v.GetBool(key) })
}

// GetStringSlice returns a []string setting. A comma separated environment
// value is split.
func GetStringSlice(key string) []string {
	return read(func(v *viper.Viper) []string {
		var values []string
		if raw, ok := v.Get(key).(string); ok {
			values = strings.Split(raw, ",")
		} else {
			values = v.GetStringSlice(key)
		}
		out := make([]string, 0, len(values))
		for _, value := range values {
			if value = strings.TrimSpace(value); value != "" {
				out = append(out, value)
			}
		}
		return out
	})
}

// GetDuration returns a time.Duration setting.
func GetDuration(key string) time.Duration {
	return read(func(v *viper.Viper) time.Duration { return v.GetDuration(key) })
}

// HasKey reports whether the key is set by any source, defaults included.
func HasKey(key string) bool {
	return read(func(v *viper.Viper) bool { return v.IsSet(key) })
}

// RegisterRequiredKey adds a key that CheckRequiredKeys must find.
func RegisterRequiredKey(key string) {
	requiredKeysMutex.Lock()
	defer requiredKeysMutex.Unlock()
	for _, k := range requiredKeys {
		if k == key {
			return
		}
	}
	requiredKeys = append(requiredKeys, key)
}

// CheckRequiredKeys fails when a registered key has no value.
func CheckRequiredKeys() error {
	requiredKeysMutex.Lock()
	defer requiredKeysMutex.Unlock()

	MissingKeys = nil
	for _, key := range requiredKeys {
		if !HasKey(key) {
			MissingKeys = append(MissingKeys, key)
		}
	}

	if len(MissingKeys) > 0 {
		return fmt.Errorf("missing required configuration keys: %s", strings.Join(MissingKeys, ", "))
	}
	return nil
}

// SetForTest sets a setting for testing purposes only.
func SetForTest(key string, value interface{}) {
	s := getInstance()
	_ = s.ensureInitialized()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.viper != nil {
		s.viper.Set(key, value)
	}
}

// ResetForTest resets the singleton for test use only.
func ResetForTest() {
	instanceOnce = sync.Once{}
	instance = nil
	requiredKeysMutex.Lock()
	requiredKeys = nil
	MissingKeys = nil
	requiredKeysMutex.Unlock()
}
