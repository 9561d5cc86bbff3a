package lookup

import (
	"context"
	"strings"

	"github.com/miekg/dns"
)

// CNAMEResolver answers CNAME queries.
type CNAMEResolver interface {
	LookupCNAME(ctx context.Context, name string) (string, error)
}

// TXTResolver answers TXT queries.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// CycleError reports a CNAME chain that loops back on itself.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return "CNAME loop detected: " + strings.Join(e.Chain, " -> ")
}

// CanonicalName follows the CNAME chain starting at name and returns the
// last name in it. A name without a CNAME is its own canonical name;
// resolver failures other than NXDOMAIN and NoAnswer are returned.
func CanonicalName(ctx context.Context, r CNAMEResolver, name string) (string, error) {
	current := dns.Fqdn(name)
	chain := []string{current}
	visited := map[string]struct{}{strings.ToLower(current): {}}

	for {
		target, err := r.LookupCNAME(ctx, current)
		if err != nil {
			if IsNotFound(err) {
				return current, nil
			}
			return "", err
		}

		target = dns.Fqdn(target)
		chain = append(chain, target)

		key := strings.ToLower(target)
		if _, seen := visited[key]; seen {
			return "", &CycleError{Chain: chain}
		}
		visited[key] = struct{}{}
		current = target
	}
}
