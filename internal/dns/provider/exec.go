package provider

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jerkytreats/dnscert/internal/logging"
)

type execConfig struct {
	Command string `mapstructure:"command"`
}

// Exec delegates record changes to an external program, called as
// `<command> create|delete <name> <content> <domain>`.
type Exec struct {
	args []string
}

func newExec(options map[string]interface{}) (Provider, error) {
	var cfg execConfig
	if err := decodeOptions(options, &cfg); err != nil {
		return nil, err
	}
	args := strings.Fields(cfg.Command)
	if len(args) == 0 {
		return nil, fmt.Errorf("exec provider requires command")
	}
	return &Exec{args: args}, nil
}

func (e *Exec) CreateRecord(ctx context.Context, rec Record) error {
	return e.run(ctx, "create", rec)
}

func (e *Exec) DeleteRecord(ctx context.Context, rec Record) error {
	return e.run(ctx, "delete", rec)
}

func (e *Exec) run(ctx context.Context, action string, rec Record) error {
	args := append(append([]string{}, e.args[1:]...), action, unfqdn(rec.Name), rec.Content, unfqdn(rec.Domain))
	cmd := exec.CommandContext(ctx, e.args[0], args...)

	logging.Debug("Running %s %s", e.args[0], strings.Join(args, " "))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s for %s failed: %w: %s", e.args[0], action, rec.Name, err, strings.TrimSpace(string(output)))
	}
	return nil
}
