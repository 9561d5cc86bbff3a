// Package reconcile watches the certificate configuration and converges the
// certificate store on it.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jerkytreats/dnscert/internal/acme"
	"github.com/jerkytreats/dnscert/internal/certstore"
	"github.com/jerkytreats/dnscert/internal/config"
	"github.com/jerkytreats/dnscert/internal/legacy"
	"github.com/jerkytreats/dnscert/internal/logging"
	"github.com/jerkytreats/dnscert/internal/persistence"
	"github.com/jerkytreats/dnscert/internal/schedule"
)

// State of the loop.
type State int32

const (
	Idle State = iota
	Applying
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Applying:
		return "applying"
	case ShuttingDown:
		return "shutting down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Action performed on a lineage.
type Action string

const (
	Issue  Action = "issue"
	Revoke Action = "revoke"
)

// Outcome is the result of one certificate operation.
type Outcome struct {
	Lineage string
	Action  Action
	Err     error
}

// Errors returns the failed outcomes.
func Errors(outcomes []Outcome) []Outcome {
	var failed []Outcome
	for _, o := range outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// ErrNoConfiguration is returned when the configuration could not be loaded.
var ErrNoConfiguration = errors.New("no valid configuration")

// absentMarker is digested in place of a missing configuration file.
const absentMarker = "\x00dnscert:absent\x00"

// Config wires a Loop.
type Config struct {
	// ConfigPath is the watched configuration file.
	ConfigPath string
	// LegacyDomainsFile is the domains.conf migrated when ConfigPath is missing.
	LegacyDomainsFile string
	MergeEnv          bool
	Store             *certstore.Store
	// Client must be serialized with the scheduler's client.
	Client acme.Client
	// Runtime receives the validated document on every Applying pass.
	Runtime      *persistence.FileStorage
	TickInterval time.Duration
	// Environ returns the environment, defaults to config.Environ.
	Environ func() map[string]string
}

// Loop is the reconciliation state machine.
type Loop struct {
	cfg    Config
	state  atomic.Int32
	digest string
}

func New(cfg Config) *Loop {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Environ == nil {
		cfg.Environ = config.Environ
	}
	return &Loop{cfg: cfg}
}

// State returns the current state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// Run ticks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	logging.Info("Starting dnscert, watching %s", l.cfg.ConfigPath)
	for {
		if _, err := l.Tick(ctx); err != nil {
			logging.Error("An error occurred during dnscert watch: %v", err)
		}
		if !schedule.Sleep(ctx, l.cfg.TickInterval) {
			break
		}
	}
	l.setState(ShuttingDown)
	logging.Info("Exiting dnscert.")
	return nil
}

// Tick applies the configuration when its digest changed since the previous
// tick. It reports whether an Applying pass ran.
func (l *Loop) Tick(ctx context.Context) (applied bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Recovered from panic during tick: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("panic during tick: %v", r)
			l.setState(Idle)
		}
	}()

	path, err := l.EffectivePath()
	if err != nil {
		return false, err
	}
	digest, err := Digest(path, l.cfg.Environ(), l.cfg.MergeEnv)
	if err != nil {
		return false, err
	}
	if digest == l.digest {
		return false, nil
	}
	l.digest = digest

	if _, err := l.Apply(ctx, path); err != nil && !errors.Is(err, ErrNoConfiguration) {
		return true, err
	}
	return true, nil
}

// EffectivePath returns the generated legacy configuration when a migration
// applies, else the configured path.
func (l *Loop) EffectivePath() (string, error) {
	if l.cfg.LegacyDomainsFile != "" {
		generated, err := legacy.Migrate(l.cfg.ConfigPath, l.cfg.LegacyDomainsFile, l.cfg.Environ())
		if err != nil {
			return "", err
		}
		if generated != "" {
			return generated, nil
		}
	}
	return l.cfg.ConfigPath, nil
}

// Apply loads path and converges the store on it. Per-certificate failures
// are logged and reported in the outcomes, not returned.
func (l *Loop) Apply(ctx context.Context, path string) ([]Outcome, error) {
	l.setState(Applying)
	defer l.setState(Idle)

	doc, err := config.Load(path, config.LoadOptions{MergeEnv: l.cfg.MergeEnv, Environ: l.cfg.Environ()})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoConfiguration, err)
	}
	if doc.Draft {
		logging.Info("Configuration file is in draft mode: no action will be done.")
		return nil, nil
	}

	encoded, err := doc.Encode()
	if err != nil {
		return nil, fmt.Errorf("could not encode runtime configuration: %w", err)
	}
	if err := l.cfg.Runtime.Write(encoded); err != nil {
		return nil, err
	}

	if err := l.cfg.Store.EnsureWorkspace(doc.ACME.CertsPermissions); err != nil {
		return nil, err
	}

	if email := doc.ACME.EmailAccount; email != "" {
		logging.Info("Registering ACME account if needed.")
		if err := l.cfg.Client.Register(ctx, email, doc.DirectoryURL()); err != nil {
			logging.Error("ACME account registration failed: %v", err)
		}
	} else {
		logging.Warn("Parameter acme.email_account is not set, skipping ACME registration.")
	}

	logging.Info("Creating missing certificates if needed (~1min for each)")
	return l.converge(ctx, doc), nil
}

// Renew runs the issue/renew step and the revocation sweep against the last
// runtime configuration.
func (l *Loop) Renew(ctx context.Context) ([]Outcome, error) {
	data, err := l.cfg.Runtime.Read()
	if err != nil {
		return nil, err
	}
	if data == nil {
		logging.Info("No runtime configuration yet, skipping renewal.")
		return nil, nil
	}

	doc, err := config.Load(l.cfg.Runtime.Path(), config.LoadOptions{Environ: l.cfg.Environ()})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoConfiguration, err)
	}
	return l.converge(ctx, doc), nil
}

func (l *Loop) converge(ctx context.Context, doc *config.Document) []Outcome {
	var outcomes []Outcome

	for _, cert := range doc.Certificates {
		req, err := acme.NewRequest(doc, cert)
		if err == nil {
			err = l.cfg.Client.Obtain(ctx, req)
		}
		if err != nil {
			logging.Error("An error occurred while processing certificate %s: %v", cert.Summary(), err)
		}
		outcomes = append(outcomes, Outcome{Lineage: req.Lineage, Action: Issue, Err: err})
	}

	live, err := l.cfg.Store.Lineages()
	if err != nil {
		logging.Error("Could not list existing certificates: %v", err)
		return outcomes
	}
	for _, lineage := range RevokeSet(live, doc.Lineages()) {
		logging.Info("Revoke and delete certificate %s", lineage)
		err := l.cfg.Client.Revoke(ctx, lineage, doc.DirectoryURL())
		if err != nil {
			logging.Error("An error occurred while revoking certificate %s: %v", lineage, err)
		}
		outcomes = append(outcomes, Outcome{Lineage: lineage, Action: Revoke, Err: err})
	}
	return outcomes
}

// RevokeSet returns the live lineages that are not desired, sorted.
func RevokeSet(live []string, desired map[string]struct{}) []string {
	var out []string
	for _, lineage := range live {
		if _, ok := desired[lineage]; !ok {
			out = append(out, lineage)
		}
	}
	sort.Strings(out)
	return out
}

// Digest hashes the configuration source: the file bytes, or a fixed marker
// when it is absent, plus the document environment variables when mergeEnv
// is set.
func Digest(path string, environ map[string]string, mergeEnv bool) (string, error) {
	h := sha256.New()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		h.Write(data)
	case errors.Is(err, os.ErrNotExist):
		h.Write([]byte(absentMarker))
	default:
		return "", fmt.Errorf("could not read %s: %w", path, err)
	}

	if mergeEnv {
		marker := config.EnvPrefix + config.EnvDelimiter
		var vars []string
		for name, value := range environ {
			if strings.HasPrefix(name, marker) {
				vars = append(vars, name+"="+value)
			}
		}
		sort.Strings(vars)
		for _, v := range vars {
			h.Write([]byte{0})
			h.Write([]byte(v))
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
