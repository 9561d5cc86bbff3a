package acme

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jerkytreats/dnscert/internal/logging"
)

// CertbotConfig configures the certbot backend.
type CertbotConfig struct {
	// Binary is the certbot executable.
	Binary string
	// Flags are passed to every register and certonly call.
	Flags []string
	// Directory is the certificate store, used as certbot config dir.
	Directory string
	// ConfigPath is the runtime configuration handed to hook commands.
	ConfigPath string
	// Executable is the dnscert binary invoked as hook. Defaults to os.Executable.
	Executable string
	// Run executes a prepared command. Defaults to running it with the
	// process stdout and stderr.
	Run func(cmd *exec.Cmd) error
}

// Certbot runs certbot as a subprocess.
type Certbot struct {
	cfg CertbotConfig
}

func NewCertbot(cfg CertbotConfig) (*Certbot, error) {
	if cfg.Binary == "" {
		cfg.Binary = "certbot"
	}
	if cfg.Executable == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("could not locate dnscert executable: %w", err)
		}
		cfg.Executable = self
	}
	if cfg.Run == nil {
		cfg.Run = runVerbose
	}
	return &Certbot{cfg: cfg}, nil
}

func (c *Certbot) workspaceArgs() []string {
	return []string{
		"--config-dir", c.cfg.Directory,
		"--work-dir", filepath.Join(c.cfg.Directory, "workdir"),
		"--logs-dir", filepath.Join(c.cfg.Directory, "logs"),
	}
}

func (c *Certbot) command(ctx context.Context, subcommand string, withFlags bool, args ...string) *exec.Cmd {
	all := []string{subcommand, "-n"}
	if withFlags {
		all = append(all, c.cfg.Flags...)
	}
	all = append(all, c.workspaceArgs()...)
	all = append(all, args...)
	return exec.CommandContext(ctx, c.cfg.Binary, all...)
}

// Register creates the account. Failures are logged only, since certbot
// refuses to register an account that already exists.
func (c *Certbot) Register(ctx context.Context, email, directoryURL string) error {
	cmd := c.command(ctx, "register", true, "-m", email, "--agree-tos", "--server", directoryURL)
	if err := c.cfg.Run(cmd); err != nil {
		logging.Debug("certbot register returned: %v", err)
	}
	return nil
}

func (c *Certbot) Obtain(ctx context.Context, req Request) error {
	args := []string{
		"--manual",
		"--preferred-challenges=dns",
		"--manual-auth-hook", c.hookCommand("auth", req.Lineage),
		"--manual-cleanup-hook", c.hookCommand("cleanup", req.Lineage),
		"--expand",
		"--deploy-hook", c.hookCommand("deploy", req.Lineage),
		"--server", req.DirectoryURL,
		"--cert-name", req.Lineage,
	}
	if req.ForceRenew {
		args = append(args, "--force-renew")
	}
	if req.ReuseKey {
		args = append(args, "--reuse-key")
	}
	if req.KeyType != "" {
		args = append(args, "--key-type", req.KeyType)
	}
	for _, domain := range req.Domains {
		args = append(args, "-d", domain)
	}

	if err := c.cfg.Run(c.command(ctx, "certonly", true, args...)); err != nil {
		return fmt.Errorf("certbot certonly failed for %s: %w", req.Lineage, err)
	}
	return nil
}

func (c *Certbot) Revoke(ctx context.Context, lineage, directoryURL string) error {
	cmd := c.command(ctx, "revoke", false,
		"--server", directoryURL,
		"--delete-after-revoke",
		"--cert-path", filepath.Join(c.cfg.Directory, "live", lineage, "cert.pem"),
	)
	if err := c.cfg.Run(cmd); err != nil {
		return fmt.Errorf("certbot revoke failed for %s: %w", lineage, err)
	}
	return nil
}

// hookCommand is the shell command certbot runs for a hook.
func (c *Certbot) hookCommand(hookType, lineage string) string {
	command := fmt.Sprintf(`"%s" -t %s -c "%s"`, c.cfg.Executable, hookType, c.cfg.ConfigPath)
	if lineage != "" {
		command += fmt.Sprintf(` -l "%s"`, lineage)
	}
	return command
}

func runVerbose(cmd *exec.Cmd) error {
	logging.Info("Launching command: %s", strings.Join(cmd.Args, " "))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
