package provider

import (
	"context"
	"sync"

	"github.com/jerkytreats/dnscert/internal/logging"
)

// Dummy records calls without touching any DNS service.
type Dummy struct {
	mu      sync.Mutex
	records map[string][]string
}

func newDummy(options map[string]interface{}) (Provider, error) {
	var cfg struct{}
	if err := decodeOptions(options, &cfg); err != nil {
		return nil, err
	}
	return &Dummy{records: map[string][]string{}}, nil
}

func (d *Dummy) CreateRecord(_ context.Context, rec Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	logging.Info("dummy provider: create TXT %s = %s", rec.Name, rec.Content)
	d.records[unfqdn(rec.Name)] = append(d.records[unfqdn(rec.Name)], rec.Content)
	return nil
}

func (d *Dummy) DeleteRecord(_ context.Context, rec Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	logging.Info("dummy provider: delete TXT %s = %s", rec.Name, rec.Content)
	name := unfqdn(rec.Name)
	values := d.records[name][:0]
	for _, value := range d.records[name] {
		if value != rec.Content {
			values = append(values, value)
		}
	}
	if len(values) == 0 {
		delete(d.records, name)
	} else {
		d.records[name] = values
	}
	return nil
}

// Values returns the TXT values currently held for name.
func (d *Dummy) Values(name string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.records[unfqdn(name)]...)
}
