// Package acme drives certificate issuance. Two backends implement Client:
// an external certbot process and an in-process lego client.
package acme

import (
	"context"
	"fmt"
	"sync"

	"github.com/jerkytreats/dnscert/internal/config"
)

// Backend names accepted by the acme.backend setting.
const (
	BackendCertbot = "certbot"
	BackendLego    = "lego"
)

// Request describes one certificate to issue or renew.
type Request struct {
	Lineage      string
	Domains      []string
	ForceRenew   bool
	ReuseKey     bool
	KeyType      string
	DirectoryURL string
	// Document is the configuration the request was derived from. It is
	// used by backends that run the deploy actions in-process.
	Document *config.Document
}

// NewRequest builds the request for a declared certificate.
func NewRequest(doc *config.Document, cert config.Certificate) (Request, error) {
	lineage, err := cert.Lineage()
	if err != nil {
		return Request{}, err
	}
	if len(cert.Domains) == 0 {
		return Request{}, fmt.Errorf("certificate %s has no domains", lineage)
	}
	return Request{
		Lineage:      lineage,
		Domains:      append([]string(nil), cert.Domains...),
		ForceRenew:   cert.ForceRenew,
		ReuseKey:     cert.ReuseKey,
		KeyType:      cert.KeyTypeOrDefault(),
		DirectoryURL: doc.DirectoryURL(),
		Document:     doc,
	}, nil
}

// Client is an ACME client.
type Client interface {
	// Register creates the ACME account if needed.
	Register(ctx context.Context, email, directoryURL string) error
	// Obtain issues the certificate, or renews it when due.
	Obtain(ctx context.Context, req Request) error
	// Revoke revokes the certificate of lineage and removes it from the store.
	Revoke(ctx context.Context, lineage, directoryURL string) error
}

// Serialize wraps c so that at most one call runs at a time.
func Serialize(c Client) Client {
	return &serialized{client: c}
}

type serialized struct {
	mu     sync.Mutex
	client Client
}

func (s *serialized) Register(ctx context.Context, email, directoryURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Register(ctx, email, directoryURL)
}

func (s *serialized) Obtain(ctx context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Obtain(ctx, req)
}

func (s *serialized) Revoke(ctx context.Context, lineage, directoryURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Revoke(ctx, lineage, directoryURL)
}
