package provider

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	assert.Equal(t, []string{"cloudflare", "dummy", "exec", "rfc2136", "route53"}, registry.Names())

	t.Run("Unknown provider", func(t *testing.T) {
		_, err := registry.New("lexicon", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unsupported DNS provider "lexicon"`)
		assert.Contains(t, err.Error(), "cloudflare, dummy, exec, rfc2136, route53")
	})

	t.Run("Name is case insensitive", func(t *testing.T) {
		p, err := registry.New("Dummy", nil)
		require.NoError(t, err)
		assert.IsType(t, &Dummy{}, p)
	})

	t.Run("Unknown option", func(t *testing.T) {
		_, err := registry.New("dummy", map[string]interface{}{"auth_token": "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid provider_options")
	})

	t.Run("Missing required option", func(t *testing.T) {
		tests := []struct {
			provider string
			message  string
		}{
			{"cloudflare", "requires auth_token"},
			{"rfc2136", "requires nameserver"},
			{"exec", "requires command"},
		}
		for _, tt := range tests {
			_, err := registry.New(tt.provider, map[string]interface{}{})
			require.Error(t, err, tt.provider)
			assert.Contains(t, err.Error(), tt.message)
		}
	})

	t.Run("Cloudflare with token", func(t *testing.T) {
		p, err := registry.New("cloudflare", map[string]interface{}{"auth_token": "token", "zone_id": "abc"})
		require.NoError(t, err)
		assert.Equal(t, "abc", p.(*Cloudflare).zoneID)
	})
}

func TestDummy(t *testing.T) {
	p, err := NewRegistry().New("dummy", nil)
	require.NoError(t, err)
	d := p.(*Dummy)
	ctx := context.Background()

	require.NoError(t, d.CreateRecord(ctx, Record{Name: "_acme-challenge.example.com.", Content: "a"}))
	require.NoError(t, d.CreateRecord(ctx, Record{Name: "_acme-challenge.example.com", Content: "b"}))
	assert.Equal(t, []string{"a", "b"}, d.Values("_acme-challenge.example.com"))

	require.NoError(t, d.DeleteRecord(ctx, Record{Name: "_acme-challenge.example.com", Content: "a"}))
	assert.Equal(t, []string{"b"}, d.Values("_acme-challenge.example.com."))

	require.NoError(t, d.DeleteRecord(ctx, Record{Name: "_acme-challenge.example.com", Content: "b"}))
	assert.Empty(t, d.Values("_acme-challenge.example.com"))
}

type updateServer struct {
	mu      sync.Mutex
	zones   []string
	records []dns.RR
}

func startUpdateServer(t *testing.T, rcode int) (string, *updateServer) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	state := &updateServer{}
	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		state.mu.Lock()
		if r.Opcode == dns.OpcodeUpdate {
			state.zones = append(state.zones, r.Question[0].Name)
			state.records = append(state.records, r.Ns...)
		}
		state.mu.Unlock()

		m := new(dns.Msg)
		m.SetRcode(r, rcode)
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String(), state
}

func TestRFC2136(t *testing.T) {
	addr, state := startUpdateServer(t, dns.RcodeSuccess)

	p, err := NewRegistry().New("rfc2136", map[string]interface{}{"nameserver": addr})
	require.NoError(t, err)

	rec := Record{Domain: "example.com", Name: "_acme-challenge.example.com", Content: "token", TTL: 60}
	require.NoError(t, p.CreateRecord(context.Background(), rec))
	require.NoError(t, p.DeleteRecord(context.Background(), rec))

	state.mu.Lock()
	defer state.mu.Unlock()
	assert.Equal(t, []string{"example.com.", "example.com."}, state.zones)
	require.Len(t, state.records, 2)

	added := state.records[0].(*dns.TXT)
	assert.Equal(t, "_acme-challenge.example.com.", added.Hdr.Name)
	assert.Equal(t, uint16(dns.ClassINET), added.Hdr.Class)
	assert.Equal(t, uint32(60), added.Hdr.Ttl)
	assert.Equal(t, []string{"token"}, added.Txt)

	removed := state.records[1]
	assert.Equal(t, uint16(dns.ClassNONE), removed.Header().Class)
}

func TestRFC2136Rejected(t *testing.T) {
	addr, _ := startUpdateServer(t, dns.RcodeRefused)

	p, err := NewRegistry().New("rfc2136", map[string]interface{}{"nameserver": addr, "zone": "example.com"})
	require.NoError(t, err)

	err = p.CreateRecord(context.Background(), Record{Domain: "example.com", Name: "_acme-challenge.example.com", Content: "token"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REFUSED")
}

func TestRFC2136Options(t *testing.T) {
	_, err := NewRegistry().New("rfc2136", map[string]interface{}{"nameserver": "192.0.2.1", "tsig_key": "key"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both tsig_key and tsig_secret")

	p, err := NewRegistry().New("rfc2136", map[string]interface{}{"nameserver": "192.0.2.1", "tsig_key": "key", "tsig_secret": "c2VjcmV0"})
	require.NoError(t, err)
	r := p.(*RFC2136)
	assert.Equal(t, "192.0.2.1:53", r.cfg.Nameserver)
	assert.Equal(t, dns.HmacSHA256, r.cfg.TSIGAlgorithm)
	assert.Equal(t, map[string]string{"key.": "c2VjcmV0"}, r.client.TsigSecret)
}

func TestExec(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "calls")
	script := filepath.Join(dir, "hook.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\" >> "+out+"\n"), 0o755))

	p, err := NewRegistry().New("exec", map[string]interface{}{"command": script})
	require.NoError(t, err)

	rec := Record{Domain: "example.com.", Name: "_acme-challenge.example.com.", Content: "token"}
	require.NoError(t, p.CreateRecord(context.Background(), rec))
	require.NoError(t, p.DeleteRecord(context.Background(), rec))

	calls, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"create _acme-challenge.example.com token example.com",
		"delete _acme-challenge.example.com token example.com",
	}, strings.Split(strings.TrimSpace(string(calls)), "\n"))
}

func TestExecFailure(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "hook.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho zone not managed\nexit 3\n"), 0o755))

	p, err := NewRegistry().New("exec", map[string]interface{}{"command": script})
	require.NoError(t, err)

	err = p.CreateRecord(context.Background(), Record{Domain: "example.com", Name: "_acme-challenge.example.com", Content: "token"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zone not managed")
}

type fakeRoute53 struct {
	zones   []types.HostedZone
	sets    map[string]types.ResourceRecordSet
	changes []types.Change
}

func (f *fakeRoute53) ListHostedZonesByName(_ context.Context, _ *route53.ListHostedZonesByNameInput, _ ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error) {
	return &route53.ListHostedZonesByNameOutput{HostedZones: f.zones}, nil
}

func (f *fakeRoute53) ListResourceRecordSets(_ context.Context, in *route53.ListResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error) {
	out := &route53.ListResourceRecordSetsOutput{}
	if set, ok := f.sets[aws.ToString(in.StartRecordName)]; ok {
		out.ResourceRecordSets = []types.ResourceRecordSet{set}
	}
	return out, nil
}

func (f *fakeRoute53) ChangeResourceRecordSets(_ context.Context, in *route53.ChangeResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	for _, change := range in.ChangeBatch.Changes {
		f.changes = append(f.changes, change)
		name := aws.ToString(change.ResourceRecordSet.Name)
		if change.Action == types.ChangeActionDelete {
			delete(f.sets, name)
		} else {
			f.sets[name] = *change.ResourceRecordSet
		}
	}
	return &route53.ChangeResourceRecordSetsOutput{}, nil
}

func txtValues(set types.ResourceRecordSet) []string {
	var out []string
	for _, rr := range set.ResourceRecords {
		out = append(out, aws.ToString(rr.Value))
	}
	return out
}

func TestRoute53(t *testing.T) {
	fake := &fakeRoute53{
		zones: []types.HostedZone{
			{Id: aws.String("/hostedzone/COM"), Name: aws.String("com.")},
			{Id: aws.String("/hostedzone/PRIVATE"), Name: aws.String("example.com."), Config: &types.HostedZoneConfig{PrivateZone: true}},
			{Id: aws.String("/hostedzone/EXAMPLE"), Name: aws.String("example.com.")},
			{Id: aws.String("/hostedzone/OTHER"), Name: aws.String("other.com.")},
		},
		sets: map[string]types.ResourceRecordSet{},
	}
	p := &Route53{client: fake}
	ctx := context.Background()
	name := "_acme-challenge.example.com"

	t.Run("Zone discovery", func(t *testing.T) {
		zone, err := p.zone(ctx, "sub.example.com")
		require.NoError(t, err)
		assert.Equal(t, "EXAMPLE", zone)

		_, err = p.zone(ctx, "example.org")
		assert.Error(t, err)
	})

	t.Run("Values on one name are merged", func(t *testing.T) {
		require.NoError(t, p.CreateRecord(ctx, Record{Domain: "example.com", Name: name, Content: "one", TTL: 30}))
		require.NoError(t, p.CreateRecord(ctx, Record{Domain: "example.com", Name: name, Content: "two", TTL: 30}))

		set := fake.sets[name+"."]
		assert.Equal(t, []string{`"one"`, `"two"`}, txtValues(set))
		assert.Equal(t, int64(30), aws.ToInt64(set.TTL))
	})

	t.Run("Create is idempotent", func(t *testing.T) {
		before := len(fake.changes)
		require.NoError(t, p.CreateRecord(ctx, Record{Domain: "example.com", Name: name, Content: "two"}))
		assert.Len(t, fake.changes, before)
	})

	t.Run("Delete keeps other values", func(t *testing.T) {
		require.NoError(t, p.DeleteRecord(ctx, Record{Domain: "example.com", Name: name, Content: "one"}))
		assert.Equal(t, []string{`"two"`}, txtValues(fake.sets[name+"."]))
		assert.Equal(t, types.ChangeActionUpsert, fake.changes[len(fake.changes)-1].Action)
	})

	t.Run("Last value deletes the set", func(t *testing.T) {
		require.NoError(t, p.DeleteRecord(ctx, Record{Domain: "example.com", Name: name, Content: "two"}))
		assert.NotContains(t, fake.sets, name+".")
		assert.Equal(t, types.ChangeActionDelete, fake.changes[len(fake.changes)-1].Action)
	})

	t.Run("Deleting an absent value is a no-op", func(t *testing.T) {
		before := len(fake.changes)
		require.NoError(t, p.DeleteRecord(ctx, Record{Domain: "example.com", Name: name, Content: "gone"}))
		assert.Len(t, fake.changes, before)
	})
}
