// Package lookup queries recursive resolvers for challenge records and
// follows CNAME chains.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jerkytreats/dnscert/internal/logging"
	"github.com/miekg/dns"
)

var (
	// ErrNXDomain means the name does not exist.
	ErrNXDomain = errors.New("no such domain")
	// ErrNoAnswer means the name exists without records of the queried type.
	ErrNoAnswer = errors.New("no answer for record type")
	// ErrTimeout means no resolver answered in time.
	ErrTimeout = errors.New("dns query timed out")
)

// DefaultServers are used when the system resolver configuration is not
// readable.
var DefaultServers = []string{"8.8.8.8:53", "1.1.1.1:53"}

const resolvConf = "/etc/resolv.conf"

// IsNotFound reports whether err means the record is absent, as opposed to
// the query failing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNXDomain) || errors.Is(err, ErrNoAnswer)
}

// Resolver sends queries to a list of recursive resolvers, trying each in
// turn until one gives an authoritative outcome.
type Resolver struct {
	client  *dns.Client
	servers []string
}

// NewResolver creates a resolver. An empty server list falls back to the
// system configuration.
func NewResolver(servers []string, timeout time.Duration) *Resolver {
	if len(servers) == 0 {
		servers = SystemServers()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	normalized := make([]string, 0, len(servers))
	for _, server := range servers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		normalized = append(normalized, server)
	}

	return &Resolver{
		client:  &dns.Client{Timeout: timeout},
		servers: normalized,
	}
}

// SystemServers returns the nameservers of /etc/resolv.conf, or
// DefaultServers when it cannot be read.
func SystemServers() []string {
	cfg, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil || len(cfg.Servers) == 0 {
		logging.Debug("Using default resolvers, %s unavailable: %v", resolvConf, err)
		return DefaultServers
	}

	servers := make([]string, 0, len(cfg.Servers))
	for _, server := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(server, cfg.Port))
	}
	return servers
}

// Servers returns the resolvers queried, in order.
func (r *Resolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// LookupTXT returns the TXT values of name. Multi-string records are joined.
func (r *Resolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	answers, err := r.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	var values []string
	for _, rr := range answers {
		if txt, ok := rr.(*dns.TXT); ok {
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}
	return values, nil
}

// LookupCNAME returns the CNAME target of name.
func (r *Resolver) LookupCNAME(ctx context.Context, name string) (string, error) {
	answers, err := r.query(ctx, name, dns.TypeCNAME)
	if err != nil {
		return "", err
	}

	fqdn := dns.Fqdn(name)
	for _, rr := range answers {
		if cname, ok := rr.(*dns.CNAME); ok && strings.EqualFold(cname.Hdr.Name, fqdn) {
			return cname.Target, nil
		}
	}
	return "", fmt.Errorf("%w: CNAME %s", ErrNoAnswer, fqdn)
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)

	typeName := dns.TypeToString[qtype]
	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			if isTimeout(err) {
				lastErr = fmt.Errorf("%w: %s %s via %s", ErrTimeout, typeName, name, server)
			} else {
				lastErr = fmt.Errorf("query %s %s via %s failed: %w", typeName, name, server, err)
			}
			logging.Debug("%v", lastErr)
			continue
		}

		switch in.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%w: %s", ErrNXDomain, name)
		default:
			lastErr = fmt.Errorf("query %s %s via %s returned %s", typeName, name, server, dns.RcodeToString[in.Rcode])
			logging.Debug("%v", lastErr)
			continue
		}

		var answers []dns.RR
		for _, rr := range in.Answer {
			if rr.Header().Rrtype == qtype {
				answers = append(answers, rr)
			}
		}
		if len(answers) == 0 {
			return nil, fmt.Errorf("%w: %s %s", ErrNoAnswer, typeName, name)
		}
		return answers, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no resolvers configured for %s %s", typeName, name)
	}
	return nil, lastErr
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
