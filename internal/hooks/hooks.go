// Package hooks implements the auth, cleanup and deploy commands the ACME
// client calls back into during issuance.
package hooks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jerkytreats/dnscert/internal/challenge"
	"github.com/jerkytreats/dnscert/internal/config"
	"github.com/jerkytreats/dnscert/internal/logging"
)

// Type names a hook.
type Type string

const (
	Auth    Type = "auth"
	Cleanup Type = "cleanup"
	Deploy  Type = "deploy"
)

// Default container runtime sockets.
const (
	DockerSocket = "/var/run/docker.sock"
	PodmanSocket = "/run/podman/podman.sock"
)

// Handler runs one hook type.
type Handler func(ctx context.Context, doc *config.Document, lineage string, env Env) error

// Runner dispatches hook invocations.
type Runner struct {
	validator    *challenge.Validator
	handlers     map[Type]Handler
	runCommand   func(cmd *exec.Cmd) error
	dockerSocket string
	podmanSocket string
}

// Option configures a Runner.
type Option func(*Runner)

// WithCommandRunner replaces the function that runs deploy commands.
func WithCommandRunner(run func(cmd *exec.Cmd) error) Option {
	return func(r *Runner) {
		r.runCommand = run
	}
}

// WithSockets overrides the docker and podman socket paths.
func WithSockets(docker, podman string) Option {
	return func(r *Runner) {
		r.dockerSocket = docker
		r.podmanSocket = podman
	}
}

func NewRunner(validator *challenge.Validator, opts ...Option) *Runner {
	r := &Runner{
		validator:    validator,
		runCommand:   runCommand,
		dockerSocket: DockerSocket,
		podmanSocket: PodmanSocket,
	}
	r.handlers = map[Type]Handler{
		Auth:    r.auth,
		Cleanup: r.cleanup,
		Deploy:  r.deployFromEnv,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Types lists the supported hook types.
func (r *Runner) Types() []string {
	names := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}

// Run executes the hook named hookType.
func (r *Runner) Run(ctx context.Context, hookType string, doc *config.Document, lineage string, env Env) error {
	handler, ok := r.handlers[Type(hookType)]
	if !ok {
		return fmt.Errorf("unknown hook type %q, expected one of: %s", hookType, strings.Join(r.Types(), ", "))
	}
	if err := handler(ctx, doc, lineage, env); err != nil {
		return fmt.Errorf("error while executing the %s hook: %w", hookType, err)
	}
	return nil
}

func (r *Runner) auth(ctx context.Context, doc *config.Document, lineage string, env Env) error {
	if err := env.requireChallenge(); err != nil {
		return err
	}
	cert, profile, err := doc.ProfileForLineage(lineage)
	if err != nil {
		return err
	}

	logging.Info("Executing auth hook for domain %s, lineage %s.", env.Domain, lineage)

	ch := challenge.Challenge{Certificate: cert, Profile: profile, Domain: env.Domain, Token: env.Validation}
	if err := r.validator.Publish(ctx, ch); err != nil {
		return err
	}

	if env.RemainingChallenges != 0 {
		logging.Info("Still %d challenges to handle, skip checks until last challenge.", env.RemainingChallenges)
		return nil
	}

	domains := env.AllDomains
	if len(domains) == 0 {
		domains = []string{env.Domain}
	}
	return r.validator.AwaitPropagation(ctx, profile, challenge.Checks(domains, env.Domain, env.Validation))
}

func (r *Runner) cleanup(ctx context.Context, doc *config.Document, lineage string, env Env) error {
	if err := env.requireChallenge(); err != nil {
		return err
	}
	cert, profile, err := doc.ProfileForLineage(lineage)
	if err != nil {
		return err
	}

	logging.Info("Executing cleanup hook for domain %s, lineage %s.", env.Domain, lineage)

	return r.validator.Withdraw(ctx, challenge.Challenge{Certificate: cert, Profile: profile, Domain: env.Domain, Token: env.Validation})
}

func (r *Runner) deployFromEnv(ctx context.Context, doc *config.Document, _ string, env Env) error {
	if env.RenewedLineage == "" {
		return fmt.Errorf("RENEWED_LINEAGE must be set")
	}
	return r.Deploy(ctx, doc, env.RenewedLineage)
}

func runCommand(cmd *exec.Cmd) error {
	logging.Info("Launching command: %s", strings.Join(cmd.Args, " "))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// archivePath maps <dir>/live/<lineage> to <dir>/archive/<lineage>.
func archivePath(lineagePath string) string {
	return filepath.Join(filepath.Dir(filepath.Dir(lineagePath)), "archive", filepath.Base(lineagePath))
}
