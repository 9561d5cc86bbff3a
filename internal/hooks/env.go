package hooks

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env is the environment the ACME client hands to hook commands.
type Env struct {
	Domain              string   `env:"CERTBOT_DOMAIN"`
	Validation          string   `env:"CERTBOT_VALIDATION"`
	RemainingChallenges int      `env:"CERTBOT_REMAINING_CHALLENGES" envDefault:"0"`
	AllDomains          []string `env:"CERTBOT_ALL_DOMAINS" envSeparator:","`
	RenewedLineage      string   `env:"RENEWED_LINEAGE"`
}

// ParseEnv reads the hook environment of the current process.
func ParseEnv() (Env, error) {
	return parseEnv(env.Options{})
}

// EnvFrom reads the hook environment from a map.
func EnvFrom(environ map[string]string) (Env, error) {
	return parseEnv(env.Options{Environment: environ})
}

func parseEnv(opts env.Options) (Env, error) {
	parsed, err := env.ParseAsWithOptions[Env](opts)
	if err != nil {
		return Env{}, fmt.Errorf("invalid hook environment: %w", err)
	}
	return parsed, nil
}

func (e Env) requireChallenge() error {
	if e.Domain == "" || e.Validation == "" {
		return fmt.Errorf("CERTBOT_DOMAIN and CERTBOT_VALIDATION must be set")
	}
	return nil
}
