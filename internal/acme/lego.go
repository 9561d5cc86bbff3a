package acme

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/jerkytreats/dnscert/internal/certstore"
	"github.com/jerkytreats/dnscert/internal/challenge"
	"github.com/jerkytreats/dnscert/internal/config"
	"github.com/jerkytreats/dnscert/internal/logging"
)

// RenewBefore is how long before expiry a certificate is renewed.
const RenewBefore = 30 * 24 * time.Hour

// Deployer runs the post-issuance actions of a lineage.
type Deployer interface {
	Deploy(ctx context.Context, doc *config.Document, lineagePath string) error
}

// LegoConfig configures the in-process backend.
type LegoConfig struct {
	Store     *certstore.Store
	Validator *challenge.Validator
	Deployer  Deployer
	// Resolvers are the recursive nameservers lego uses for zone lookups.
	Resolvers  []string
	DNSTimeout time.Duration
}

// session is the part of a lego client the backend drives.
type session interface {
	Register() (*registration.Resource, error)
	Obtain(req certificate.ObtainRequest) (*certificate.Resource, error)
	Revoke(cert []byte) error
}

type sessionFactory func(acc *account, directoryURL string, keyType certcrypto.KeyType, solver *dnsSolver, opts ...dns01.ChallengeOption) (session, error)

// Lego issues certificates in-process and lays them out like certbot does:
// versioned files under archive/<lineage> and symlinks under live/<lineage>.
type Lego struct {
	cfg        LegoConfig
	now        func() time.Time
	newSession sessionFactory
}

func NewLego(cfg LegoConfig) *Lego {
	return &Lego{cfg: cfg, now: time.Now, newSession: newLegoSession}
}

func (l *Lego) Register(ctx context.Context, email, directoryURL string) error {
	acc, path, err := l.account(email, directoryURL)
	if err != nil {
		return err
	}
	if acc.Registration != nil {
		logging.Debug("ACME account for %s already registered.", directoryURL)
		return nil
	}
	sess, err := l.newSession(acc, directoryURL, certcrypto.RSA2048, nil)
	if err != nil {
		return err
	}
	return l.register(acc, path, sess)
}

func (l *Lego) Obtain(ctx context.Context, req Request) error {
	cert, profile, err := req.Document.ProfileForLineage(req.Lineage)
	if err != nil {
		return err
	}

	reason, due := l.renewalReason(req)
	if !due {
		logging.Info("Certificate %s is not due for renewal.", req.Lineage)
		return nil
	}
	logging.Info("Requesting certificate %s: %s.", req.Lineage, reason)

	acc, path, err := l.account(req.Document.ACME.EmailAccount, req.DirectoryURL)
	if err != nil {
		return err
	}

	solver := &dnsSolver{ctx: ctx, validator: l.cfg.Validator, cert: cert, profile: profile}
	sess, err := l.newSession(acc, req.DirectoryURL, keyType(req.KeyType), solver, l.challengeOptions(ctx, profile)...)
	if err != nil {
		return err
	}
	if acc.Registration == nil {
		if err := l.register(acc, path, sess); err != nil {
			return err
		}
	}

	obtain := certificate.ObtainRequest{Domains: req.Domains, Bundle: false}
	if req.ReuseKey {
		if key, err := l.currentKey(req.Lineage); err == nil {
			obtain.PrivateKey = key
		}
	}

	res, err := sess.Obtain(obtain)
	if err != nil {
		return fmt.Errorf("could not obtain certificate %s: %w", req.Lineage, err)
	}

	livePath, err := l.save(req.Lineage, res)
	if err != nil {
		return err
	}
	logging.Info("Certificate %s saved to %s", req.Lineage, livePath)

	if l.cfg.Deployer == nil {
		return nil
	}
	return l.cfg.Deployer.Deploy(ctx, req.Document, livePath)
}

func (l *Lego) Revoke(ctx context.Context, lineage, directoryURL string) error {
	path, err := accountDir(l.cfg.Store.Dir(), directoryURL)
	if err != nil {
		return err
	}
	acc, err := loadAccount(path)
	if err != nil {
		return fmt.Errorf("could not load ACME account for %s: %w", directoryURL, err)
	}

	certPEM, err := os.ReadFile(filepath.Join(l.cfg.Store.LivePath(lineage), "cert.pem"))
	if err != nil {
		return fmt.Errorf("could not read certificate %s: %w", lineage, err)
	}

	sess, err := l.newSession(acc, directoryURL, certcrypto.RSA2048, nil)
	if err != nil {
		return err
	}
	if err := sess.Revoke(certPEM); err != nil {
		return fmt.Errorf("could not revoke certificate %s: %w", lineage, err)
	}

	for _, dir := range []string{l.cfg.Store.LivePath(lineage), l.cfg.Store.ArchivePath(lineage)} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("could not remove %s: %w", dir, err)
		}
	}
	logging.Info("Certificate %s revoked and deleted.", lineage)
	return nil
}

// account loads the account of directoryURL or creates a new unregistered one.
func (l *Lego) account(email, directoryURL string) (*account, string, error) {
	path, err := accountDir(l.cfg.Store.Dir(), directoryURL)
	if err != nil {
		return nil, "", err
	}
	acc, err := loadAccount(path)
	if err == nil {
		return acc, path, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("could not load ACME account: %w", err)
	}
	logging.Info("No existing ACME account found for %s, creating a new one.", directoryURL)
	acc, err = newAccount(email)
	if err != nil {
		return nil, "", err
	}
	return acc, path, nil
}

func (l *Lego) register(acc *account, path string, sess session) error {
	reg, err := sess.Register()
	if err != nil {
		return fmt.Errorf("could not register ACME account: %w", err)
	}
	acc.Registration = reg
	if err := saveAccount(acc, path); err != nil {
		return err
	}
	logging.Info("Registered ACME account %s", acc.Email)
	return nil
}

// renewalReason tells why req must be (re)issued. due is false when the
// current certificate can be kept.
func (l *Lego) renewalReason(req Request) (reason string, due bool) {
	data, err := os.ReadFile(filepath.Join(l.cfg.Store.LivePath(req.Lineage), "cert.pem"))
	if err != nil {
		return "no certificate exists yet", true
	}
	current, err := certcrypto.ParsePEMCertificate(data)
	if err != nil {
		return "current certificate is unreadable", true
	}
	if req.ForceRenew {
		return "renewal is forced", true
	}
	if !sameDomains(current.DNSNames, req.Domains) {
		return "domains changed", true
	}
	if remaining := current.NotAfter.Sub(l.now()); remaining < RenewBefore {
		return fmt.Sprintf("certificate expires in %v", remaining.Round(time.Hour)), true
	}
	return "", false
}

func sameDomains(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if !strings.EqualFold(x[i], y[i]) {
			return false
		}
	}
	return true
}

func (l *Lego) currentKey(lineage string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(filepath.Join(l.cfg.Store.LivePath(lineage), "privkey.pem"))
	if err != nil {
		return nil, err
	}
	return certcrypto.ParsePEMPrivateKey(data)
}

// save writes a new archive version of the lineage and points live at it.
func (l *Lego) save(lineage string, res *certificate.Resource) (string, error) {
	archive := l.cfg.Store.ArchivePath(lineage)
	live := l.cfg.Store.LivePath(lineage)
	for _, dir := range []string{archive, live} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("could not create %s: %w", dir, err)
		}
	}
	if err := writeReadme(l.cfg.Store.LiveDir()); err != nil {
		return "", err
	}

	version := nextVersion(archive)
	fullchain := append(append([]byte(nil), res.Certificate...), res.IssuerCertificate...)
	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{"cert", res.Certificate, 0o644},
		{"chain", res.IssuerCertificate, 0o644},
		{"fullchain", fullchain, 0o644},
		{"privkey", res.PrivateKey, 0o600},
	}

	for _, f := range files {
		versioned := fmt.Sprintf("%s%d.pem", f.name, version)
		if err := os.WriteFile(filepath.Join(archive, versioned), f.data, f.mode); err != nil {
			return "", fmt.Errorf("could not write %s: %w", versioned, err)
		}
		target := filepath.Join("..", "..", "archive", lineage, versioned)
		if err := replaceSymlink(target, filepath.Join(live, f.name+".pem")); err != nil {
			return "", err
		}
	}
	return live, nil
}

func nextVersion(archive string) int {
	version := 1
	for {
		if _, err := os.Stat(filepath.Join(archive, fmt.Sprintf("cert%d.pem", version))); err != nil {
			return version
		}
		version++
	}
}

func replaceSymlink(target, link string) error {
	tmp := link + ".new"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("could not link %s: %w", link, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		return fmt.Errorf("could not link %s: %w", link, err)
	}
	return nil
}

func writeReadme(liveDir string) error {
	path := filepath.Join(liveDir, certstore.ReadmeFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	const readme = "This directory contains your keys and certificates.\n\n" +
		"`privkey.pem`  : the private key for your certificate.\n" +
		"`fullchain.pem`: the certificate file used in most server software.\n" +
		"`chain.pem`    : used for OCSP stapling in Nginx >=1.3.7.\n" +
		"`cert.pem`     : will break many server configurations, and should not be used\n" +
		"                 without reading further documentation.\n"
	if err := os.WriteFile(path, []byte(readme), 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	return nil
}

// challengeOptions makes lego wait on the profile's propagation checks
// instead of its own.
func (l *Lego) challengeOptions(ctx context.Context, profile *config.Profile) []dns01.ChallengeOption {
	var opts []dns01.ChallengeOption
	if len(l.cfg.Resolvers) > 0 {
		opts = append(opts, dns01.AddRecursiveNameservers(l.cfg.Resolvers))
	}
	if l.cfg.DNSTimeout > 0 {
		opts = append(opts, dns01.AddDNSTimeout(l.cfg.DNSTimeout))
	}
	opts = append(opts, dns01.WrapPreCheck(func(domain, _, value string, _ dns01.PreCheckFunc) (bool, error) {
		checks := []challenge.Check{{Name: challenge.Name(domain), Token: value}}
		if err := l.cfg.Validator.AwaitPropagation(ctx, profile, checks); err != nil {
			return false, err
		}
		return true, nil
	}))
	return opts
}

func keyType(name string) certcrypto.KeyType {
	if name == "ecdsa" {
		return certcrypto.EC256
	}
	return certcrypto.RSA2048
}

// dnsSolver publishes DNS-01 challenges through the profile's provider.
type dnsSolver struct {
	ctx       context.Context
	validator *challenge.Validator
	cert      *config.Certificate
	profile   *config.Profile
}

func (s *dnsSolver) Present(domain, _, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	return s.validator.Publish(s.ctx, s.challenge(domain, info.Value))
}

func (s *dnsSolver) CleanUp(domain, _, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	return s.validator.Withdraw(s.ctx, s.challenge(domain, info.Value))
}

// Timeout bounds lego's wait to the profile's check budget.
func (s *dnsSolver) Timeout() (timeout, interval time.Duration) {
	interval = s.profile.Sleep()
	if interval < time.Second {
		interval = time.Second
	}
	checks := s.profile.MaxChecks
	if checks < 1 {
		checks = 1
	}
	return time.Duration(checks) * interval, interval
}

func (s *dnsSolver) challenge(domain, value string) challenge.Challenge {
	return challenge.Challenge{Certificate: s.cert, Profile: s.profile, Domain: domain, Token: value}
}

type legoSession struct {
	client *lego.Client
}

func newLegoSession(acc *account, directoryURL string, kt certcrypto.KeyType, solver *dnsSolver, opts ...dns01.ChallengeOption) (session, error) {
	cfg := lego.NewConfig(acc)
	cfg.CADirURL = directoryURL
	cfg.Certificate.KeyType = kt

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not create lego client: %w", err)
	}
	if solver != nil {
		if err := client.Challenge.SetDNS01Provider(solver, opts...); err != nil {
			return nil, fmt.Errorf("could not set DNS01 provider: %w", err)
		}
	}
	return &legoSession{client: client}, nil
}

func (s *legoSession) Register() (*registration.Resource, error) {
	return s.client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
}

func (s *legoSession) Obtain(req certificate.ObtainRequest) (*certificate.Resource, error) {
	return s.client.Certificate.Obtain(req)
}

func (s *legoSession) Revoke(cert []byte) error {
	return s.client.Certificate.Revoke(cert)
}
