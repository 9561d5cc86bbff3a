package hooks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/jerkytreats/dnscert/internal/certstore"
	"github.com/jerkytreats/dnscert/internal/config"
	"github.com/jerkytreats/dnscert/internal/logging"
	"software.sslmate.com/src/go-pkcs12"
)

// Deploy runs the post-issuance actions of the certificate stored at
// lineagePath (<dir>/live/<lineage>).
func (r *Runner) Deploy(ctx context.Context, doc *config.Document, lineagePath string) error {
	lineage := filepath.Base(lineagePath)
	cert, ok := doc.Certificate(lineage)
	if !ok {
		return fmt.Errorf("certificate named %s could not be found in configuration", lineage)
	}

	logging.Info("Executing deploy hook for lineage %s.", lineage)

	if cert.PFX.Export {
		if err := exportPFX(lineagePath, cert.PFX.Passphrase); err != nil {
			return err
		}
	}

	perms := doc.ACME.CertsPermissions
	if archive := archivePath(lineagePath); exists(archive) {
		if err := certstore.FixPermissions(perms, archive); err != nil {
			return err
		}
	}
	if err := certstore.FixPermissions(perms, lineagePath); err != nil {
		return err
	}

	if err := r.autorestart(ctx, cert); err != nil {
		return err
	}
	if err := r.autocmd(ctx, cert); err != nil {
		return err
	}
	return r.deployHook(ctx, cert, lineage)
}

// exportPFX writes cert.pfx from privkey.pem, cert.pem and chain.pem.
func exportPFX(lineagePath, passphrase string) error {
	read := func(name string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(lineagePath, name))
		if err != nil {
			return nil, fmt.Errorf("could not read %s for PFX export: %w", name, err)
		}
		return data, nil
	}

	keyPEM, err := read("privkey.pem")
	if err != nil {
		return err
	}
	certPEM, err := read("cert.pem")
	if err != nil {
		return err
	}
	chainPEM, err := read("chain.pem")
	if err != nil {
		return err
	}

	key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
	if err != nil {
		return fmt.Errorf("could not parse private key: %w", err)
	}
	leaf, err := certcrypto.ParsePEMCertificate(certPEM)
	if err != nil {
		return fmt.Errorf("could not parse certificate: %w", err)
	}
	chain, err := certcrypto.ParsePEMBundle(chainPEM)
	if err != nil {
		return fmt.Errorf("could not parse certificate chain: %w", err)
	}

	encoder := pkcs12.Passwordless
	if passphrase != "" {
		encoder = pkcs12.Modern
	}
	pfx, err := encoder.Encode(key, leaf, chain, passphrase)
	if err != nil {
		return fmt.Errorf("could not encode PFX: %w", err)
	}

	target := filepath.Join(lineagePath, "cert.pfx")
	if err := os.WriteFile(target, pfx, 0o600); err != nil {
		return fmt.Errorf("could not write %s: %w", target, err)
	}
	logging.Info("Exported PFX bundle to %s", target)
	return nil
}

func (r *Runner) autorestart(ctx context.Context, cert *config.Certificate) error {
	if len(cert.Autorestart) == 0 {
		return nil
	}

	docker, podman := exists(r.dockerSocket), exists(r.podmanSocket)
	if !docker && !podman {
		return fmt.Errorf("%s and %s sockets are missing", r.dockerSocket, r.podmanSocket)
	}

	for _, restart := range cert.Autorestart {
		if docker {
			for _, container := range restart.Containers {
				if err := r.runCommand(exec.CommandContext(ctx, "docker", "restart", container)); err != nil {
					return fmt.Errorf("could not restart container %s: %w", container, err)
				}
			}
			for _, service := range restart.SwarmServices {
				if err := r.runCommand(exec.CommandContext(ctx, "docker", "service", "update", "--detach=false", "--force", service)); err != nil {
					return fmt.Errorf("could not update service %s: %w", service, err)
				}
			}
		}
		if podman {
			for _, container := range restart.PodmanContainers {
				if err := r.runCommand(exec.CommandContext(ctx, "podman", "--remote", "restart", container)); err != nil {
					return fmt.Errorf("could not restart podman container %s: %w", container, err)
				}
			}
		}
	}
	return nil
}

func (r *Runner) autocmd(ctx context.Context, cert *config.Certificate) error {
	if len(cert.Autocmd) == 0 {
		return nil
	}
	if !exists(r.dockerSocket) {
		return fmt.Errorf("%s socket is missing", r.dockerSocket)
	}

	for _, autocmd := range cert.Autocmd {
		args, shell := autocmd.Command()
		for _, container := range autocmd.Containers {
			var cmd *exec.Cmd
			if args != nil {
				cmd = exec.CommandContext(ctx, "docker", append([]string{"exec", container}, args...)...)
			} else {
				cmd = exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("docker exec %s %s", container, shell))
			}
			if err := r.runCommand(cmd); err != nil {
				return fmt.Errorf("command in container %s failed: %w", container, err)
			}
		}
	}
	return nil
}

func (r *Runner) deployHook(ctx context.Context, cert *config.Certificate, lineage string) error {
	if cert.DeployHook == "" {
		return nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", cert.DeployHook)
	cmd.Env = append(os.Environ(),
		"DNSCERT_CERTIFICATE_NAME="+lineage,
		"DNSCERT_CERTIFICATE_PROFILE="+cert.Profile,
		"DNSCERT_CERTIFICATE_DOMAINS="+strings.Join(cert.Domains, ","),
	)
	if err := r.runCommand(cmd); err != nil {
		return fmt.Errorf("deploy hook failed: %w", err)
	}
	return nil
}
