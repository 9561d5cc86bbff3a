package provider

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jerkytreats/dnscert/internal/logging"
	"github.com/miekg/dns"
)

const (
	defaultRFC2136TTL     = 120
	defaultRFC2136Timeout = 10 * time.Second
)

type rfc2136Config struct {
	Nameserver    string `mapstructure:"nameserver"`
	Zone          string `mapstructure:"zone"`
	TSIGKey       string `mapstructure:"tsig_key"`
	TSIGSecret    string `mapstructure:"tsig_secret"`
	TSIGAlgorithm string `mapstructure:"tsig_algorithm"`
}

// RFC2136 sends dynamic updates to an authoritative nameserver, signed with
// TSIG when a key is configured.
type RFC2136 struct {
	cfg    rfc2136Config
	client *dns.Client
}

func newRFC2136(options map[string]interface{}) (Provider, error) {
	var cfg rfc2136Config
	if err := decodeOptions(options, &cfg); err != nil {
		return nil, err
	}
	if cfg.Nameserver == "" {
		return nil, fmt.Errorf("rfc2136 provider requires nameserver")
	}
	if _, _, err := net.SplitHostPort(cfg.Nameserver); err != nil {
		cfg.Nameserver = net.JoinHostPort(cfg.Nameserver, "53")
	}
	if (cfg.TSIGKey == "") != (cfg.TSIGSecret == "") {
		return nil, fmt.Errorf("rfc2136 provider requires both tsig_key and tsig_secret")
	}
	if cfg.TSIGAlgorithm == "" {
		cfg.TSIGAlgorithm = dns.HmacSHA256
	}
	cfg.TSIGAlgorithm = dns.Fqdn(cfg.TSIGAlgorithm)

	client := &dns.Client{Net: "udp", Timeout: defaultRFC2136Timeout}
	if cfg.TSIGKey != "" {
		client.TsigSecret = map[string]string{dns.Fqdn(cfg.TSIGKey): cfg.TSIGSecret}
	}
	return &RFC2136{cfg: cfg, client: client}, nil
}

func (p *RFC2136) CreateRecord(ctx context.Context, rec Record) error {
	logging.Info("Sending dynamic update to %s: add TXT %s", p.cfg.Nameserver, rec.Name)
	return p.update(ctx, rec, true)
}

func (p *RFC2136) DeleteRecord(ctx context.Context, rec Record) error {
	logging.Info("Sending dynamic update to %s: remove TXT %s", p.cfg.Nameserver, rec.Name)
	return p.update(ctx, rec, false)
}

func (p *RFC2136) update(ctx context.Context, rec Record, insert bool) error {
	zone := p.cfg.Zone
	if zone == "" {
		zone = rec.Domain
	}

	ttl := rec.TTL
	if ttl <= 0 {
		ttl = defaultRFC2136TTL
	}

	rr := &dns.TXT{
		Hdr: dns.RR_Header{Name: dns.Fqdn(rec.Name), Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: uint32(ttl)},
		Txt: []string{rec.Content},
	}

	m := new(dns.Msg)
	m.SetUpdate(dns.Fqdn(zone))
	if insert {
		m.Insert([]dns.RR{rr})
	} else {
		m.Remove([]dns.RR{rr})
	}
	if p.cfg.TSIGKey != "" {
		m.SetTsig(dns.Fqdn(p.cfg.TSIGKey), p.cfg.TSIGAlgorithm, 300, time.Now().Unix())
	}

	reply, _, err := p.client.ExchangeContext(ctx, m, p.cfg.Nameserver)
	if err != nil {
		return fmt.Errorf("dynamic update for %s failed: %w", rec.Name, err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("dynamic update for %s rejected by %s: %s", rec.Name, p.cfg.Nameserver, dns.RcodeToString[reply.Rcode])
	}
	return nil
}
