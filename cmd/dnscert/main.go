package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jerkytreats/dnscert/internal/acme"
	"github.com/jerkytreats/dnscert/internal/certstore"
	"github.com/jerkytreats/dnscert/internal/challenge"
	"github.com/jerkytreats/dnscert/internal/config"
	"github.com/jerkytreats/dnscert/internal/dns/lookup"
	"github.com/jerkytreats/dnscert/internal/dns/provider"
	"github.com/jerkytreats/dnscert/internal/hooks"
	"github.com/jerkytreats/dnscert/internal/logging"
	"github.com/jerkytreats/dnscert/internal/persistence"
	"github.com/jerkytreats/dnscert/internal/reconcile"
	"github.com/jerkytreats/dnscert/internal/schedule"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const runtimeFile = "dnscert-runtime.yml"

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("dnscert", pflag.ContinueOnError)
	flags.StringP("config", "c", "./dnscert.yml", "set the dnscert config to use")
	flags.StringP("directory", "d", "/etc/letsencrypt", "set the directory path where certificates are stored")
	flags.BoolP("one-shot", "o", false, "process certificates once (creation, renewal, deletion) then return immediately")
	flags.StringP("hook-type", "t", "", "run a hook (auth, cleanup or deploy) instead of the daemon")
	flags.StringP("lineage", "l", "", "certificate lineage the hook is run for")
	flags.Bool("env-merge", false, "merge DNSCERT__* environment variables into the configuration")
	flags.String("log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	flags.String("settings", "", "optional settings file")
	flags.String("env-file", "", "optional .env file loaded before anything else")
	return flags
}

func main() {
	flags := newFlagSet()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, flags)
	stop()

	logging.Sync()
	if err != nil {
		logging.Error("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, flags *pflag.FlagSet) error {
	if envFile, _ := flags.GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	settingsPath, _ := flags.GetString("settings")
	if err := config.InitConfig(config.WithSettingsPath(settingsPath), config.WithFlags(flags)); err != nil {
		return fmt.Errorf("failed to initialize settings: %w", err)
	}
	if err := logging.SetLevel(config.GetString(config.LogLevelKey)); err != nil {
		return err
	}

	configPath, err := filepath.Abs(config.GetString(config.ConfigPathKey))
	if err != nil {
		return err
	}
	directory, err := filepath.Abs(config.GetString(config.DirectoryKey))
	if err != nil {
		return err
	}

	resolvers := config.GetStringSlice(config.DNSResolversKey)
	resolver := lookup.NewResolver(resolvers, config.GetDuration(config.DNSTimeoutKey))
	validator := challenge.NewValidator(provider.NewRegistry(), resolver)
	runner := hooks.NewRunner(validator)

	if hookType, _ := flags.GetString("hook-type"); hookType != "" {
		lineage, _ := flags.GetString("lineage")
		return runHook(ctx, runner, hookType, configPath, lineage)
	}

	workspace, err := os.MkdirTemp("", "dnscert-")
	if err != nil {
		return fmt.Errorf("could not create runtime workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	runtimePath := filepath.Join(workspace, runtimeFile)
	store := certstore.New(directory)

	client, err := newClient(config.GetString(config.ACMEBackendKey), backendDeps{
		store:       store,
		validator:   validator,
		deployer:    runner,
		runtimePath: runtimePath,
		resolvers:   resolvers,
	})
	if err != nil {
		return err
	}

	loop := reconcile.New(reconcile.Config{
		ConfigPath:        configPath,
		LegacyDomainsFile: config.GetString(config.LegacyDomainsFileKey),
		MergeEnv:          config.GetBool(config.EnvMergeKey),
		Store:             store,
		Client:            acme.Serialize(client),
		Runtime:           persistence.NewFileStorage(runtimePath, config.GetInt(config.RuntimeBackupsKey)),
		TickInterval:      config.GetDuration(config.TickIntervalKey),
	})

	if config.GetBool(config.OneShotKey) {
		return runOnce(ctx, loop)
	}
	return runDaemon(ctx, loop)
}

func runHook(ctx context.Context, runner *hooks.Runner, hookType, configPath, lineage string) error {
	doc, err := config.Load(configPath, config.LoadOptions{})
	if err != nil {
		return err
	}
	env, err := hooks.ParseEnv()
	if err != nil {
		return err
	}
	return runner.Run(ctx, hookType, doc, lineage, env)
}

func runOnce(ctx context.Context, loop *reconcile.Loop) error {
	logging.Info("Running dnscert...")

	path, err := loop.EffectivePath()
	if err != nil {
		return err
	}
	outcomes, err := loop.Apply(ctx, path)
	if err != nil {
		return err
	}
	if failed := reconcile.Errors(outcomes); len(failed) > 0 {
		return fmt.Errorf("%d of %d certificate operations failed", len(failed), len(outcomes))
	}
	return nil
}

func runDaemon(ctx context.Context, loop *reconcile.Loop) error {
	scheduler, err := schedule.New(
		config.GetStringSlice(config.RenewTimesKey),
		config.GetDuration(config.RenewMaxJitterKey),
		func(ctx context.Context) {
			if _, err := loop.Renew(ctx); err != nil {
				logging.Error("Automated renewal failed: %v", err)
			}
		},
	)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	return g.Wait()
}

type backendDeps struct {
	store       *certstore.Store
	validator   *challenge.Validator
	deployer    acme.Deployer
	runtimePath string
	resolvers   []string
}

func newClient(backend string, deps backendDeps) (acme.Client, error) {
	switch backend {
	case acme.BackendCertbot:
		certbot, err := acme.NewCertbot(acme.CertbotConfig{
			Binary:     config.GetString(config.CertbotBinaryKey),
			Flags:      config.GetStringSlice(config.CertbotFlagsKey),
			Directory:  deps.store.Dir(),
			ConfigPath: deps.runtimePath,
		})
		if err != nil {
			return nil, err
		}
		return certbot, nil
	case acme.BackendLego:
		return acme.NewLego(acme.LegoConfig{
			Store:      deps.store,
			Validator:  deps.validator,
			Deployer:   deps.deployer,
			Resolvers:  deps.resolvers,
			DNSTimeout: config.GetDuration(config.DNSTimeoutKey),
		}), nil
	default:
		return nil, fmt.Errorf("unknown ACME backend %q, expected %s or %s", backend, acme.BackendCertbot, acme.BackendLego)
	}
}
