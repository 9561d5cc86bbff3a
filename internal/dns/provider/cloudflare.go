package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	cfapi "github.com/cloudflare/cloudflare-go"
	"github.com/jerkytreats/dnscert/internal/logging"
)

type cloudflareConfig struct {
	AuthToken    string `mapstructure:"auth_token"`
	AuthUsername string `mapstructure:"auth_username"`
	ZoneID       string `mapstructure:"zone_id"`
}

// Cloudflare manages TXT records through the Cloudflare v4 API. With
// auth_username set, auth_token is used as a global API key.
type Cloudflare struct {
	api    *cfapi.API
	zoneID string

	mu    sync.Mutex
	zones map[string]string
}

func newCloudflare(options map[string]interface{}) (Provider, error) {
	var cfg cloudflareConfig
	if err := decodeOptions(options, &cfg); err != nil {
		return nil, err
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("cloudflare provider requires auth_token")
	}

	var (
		api *cfapi.API
		err error
	)
	if cfg.AuthUsername != "" {
		api, err = cfapi.New(cfg.AuthToken, cfg.AuthUsername)
	} else {
		api, err = cfapi.NewWithAPIToken(cfg.AuthToken)
	}
	if err != nil {
		return nil, fmt.Errorf("could not create Cloudflare API client: %w", err)
	}

	return &Cloudflare{api: api, zoneID: cfg.ZoneID, zones: map[string]string{}}, nil
}

func (c *Cloudflare) CreateRecord(ctx context.Context, rec Record) error {
	zoneID, err := c.zone(rec.Domain)
	if err != nil {
		return err
	}

	ttl := rec.TTL
	if ttl <= 0 {
		ttl = 1 // automatic
	}

	logging.Info("Creating TXT record %s in Cloudflare zone %s", rec.Name, zoneID)
	_, err = c.api.CreateDNSRecord(ctx, cfapi.ZoneIdentifier(zoneID), cfapi.CreateDNSRecordParams{
		Type:    "TXT",
		Name:    unfqdn(rec.Name),
		Content: rec.Content,
		TTL:     ttl,
		Comment: "ACME DNS-01 challenge",
	})
	if err != nil {
		return fmt.Errorf("could not create TXT record %s: %w", rec.Name, err)
	}
	return nil
}

func (c *Cloudflare) DeleteRecord(ctx context.Context, rec Record) error {
	zoneID, err := c.zone(rec.Domain)
	if err != nil {
		return err
	}

	records, _, err := c.api.ListDNSRecords(ctx, cfapi.ZoneIdentifier(zoneID), cfapi.ListDNSRecordsParams{
		Type:    "TXT",
		Name:    unfqdn(rec.Name),
		Content: rec.Content,
	})
	if err != nil {
		return fmt.Errorf("could not list TXT records for %s: %w", rec.Name, err)
	}

	if len(records) == 0 {
		logging.Debug("No TXT record %s with the challenge value left in Cloudflare", rec.Name)
		return nil
	}

	for _, record := range records {
		logging.Debug("Deleting TXT record ID %s with content: %s", record.ID, record.Content)
		if err := c.api.DeleteDNSRecord(ctx, cfapi.ZoneIdentifier(zoneID), record.ID); err != nil {
			return fmt.Errorf("could not delete TXT record %s (%s): %w", rec.Name, record.ID, err)
		}
	}
	return nil
}

// zone returns the configured zone, else the closest zone found by walking
// up the labels of domain.
func (c *Cloudflare) zone(domain string) (string, error) {
	if c.zoneID != "" {
		return c.zoneID, nil
	}

	domain = unfqdn(domain)

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.zones[domain]; ok {
		return id, nil
	}

	candidate := domain
	for strings.Contains(candidate, ".") {
		id, err := c.api.ZoneIDByName(candidate)
		if err == nil {
			logging.Debug("Resolved Cloudflare zone %s (%s) for %s", candidate, id, domain)
			c.zones[domain] = id
			return id, nil
		}
		candidate = candidate[strings.Index(candidate, ".")+1:]
	}
	return "", fmt.Errorf("no Cloudflare zone found for %s", domain)
}
